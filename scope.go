package entitle

// Scope identifies the organization and environment a call operates in.
// It is passed explicitly to every core operation; nothing reads it from
// ambient state.
type Scope struct {
	OrgID string `json:"org_id"`
	Env   string `json:"env"`
}

// Environments.
const (
	EnvLive    = "live"
	EnvSandbox = "sandbox"
)

// Validate reports whether the scope is complete.
func (s Scope) Validate() error {
	if s.OrgID == "" {
		return ValidationError{Field: "org_id", Message: "required"}
	}
	if s.Env == "" {
		return ValidationError{Field: "env", Message: "required"}
	}
	return nil
}

func (s Scope) String() string { return s.OrgID + ":" + s.Env }
