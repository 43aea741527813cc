// Package repository provides GORM-backed CRUD access to every persisted
// entity in SPEC_FULL.md (agents, commands, queue snapshots, sessions, audit
// entries, command presets, investigation reports). One file per entity,
// one interface + one gorm-backed implementation per file, following the
// teacher's repositories package shape.
package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check for this with errors.Is to distinguish
// missing records from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint.
var ErrConflict = errors.New("record already exists")

// ListOptions bounds and offsets a paginated list query.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 || o.Limit > 500 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
