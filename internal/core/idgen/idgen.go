// Package idgen assigns identifiers to entities created while a node is offline.
package idgen

import "github.com/google/uuid"

// Assigner produces locally unique opaque identifiers.
type Assigner interface {
	Assign() string
}

// UUIDAssigner assigns random (version 4) UUIDs.
type UUIDAssigner struct{}

// Assign returns a new random identifier.
func (UUIDAssigner) Assign() string {
	return uuid.NewString()
}

// Default is the assigner used when none is injected.
var Default Assigner = UUIDAssigner{}
