package entitle

import "github.com/xraph/entitle/id"

// ID is the primary identifier type for entitle records.
type ID = id.ID

// Prefix identifies the record type encoded in a TypeID.
type Prefix = id.Prefix
