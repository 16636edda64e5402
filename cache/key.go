package cache

import (
	"strings"

	"github.com/xraph/entitle"
)

// Key addresses a customer's cache entry. The base key has no Expand; it
// owns the guard marker and the index of expand variants.
type Key struct {
	Scope      entitle.Scope
	CustomerID string
	Expand     string
}

// NewKey returns the base key for a customer.
func NewKey(sc entitle.Scope, customerID string) Key {
	return Key{Scope: sc, CustomerID: customerID}
}

// WithExpand returns the variant of k for an expansion list.
func (k Key) WithExpand(expand ...string) Key {
	k.Expand = strings.Join(expand, ",")
	return k
}

// Base returns k without expansion.
func (k Key) Base() Key {
	k.Expand = ""
	return k
}

// IsVariant reports whether k is an expand variant.
func (k Key) IsVariant() bool { return k.Expand != "" }

// String formats the key as org:env:customer:id[:expand].
func (k Key) String() string {
	s := k.Scope.OrgID + ":" + k.Scope.Env + ":customer:" + k.CustomerID
	if k.Expand != "" {
		s += ":" + k.Expand
	}
	return s
}

// GuardKey is where the stale-write guard marker lives.
func (k Key) GuardKey() string { return k.Base().String() + "#guard" }

// VariantsKey is the set of variant keys for the customer.
func (k Key) VariantsKey() string { return k.Base().String() + "#variants" }
