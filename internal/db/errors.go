package db

import (
	"errors"

	"github.com/ncruces/go-sqlite3"
)

// Errors returned by store operations. Check them with errors.Is:
//
//	if errors.Is(err, db.ErrNotFound) {
//	    // no live row with that id
//	}
var (
	// ErrNotFound is returned when no row matches the id under the
	// requested visibility.
	ErrNotFound = errors.New("task not found")

	// ErrVersionMismatch is returned when an update carried an expected
	// version that no longer matches the stored one.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrDuplicateID is returned when an insert reuses an existing id,
	// including the id of a tombstone.
	ErrDuplicateID = errors.New("duplicate task id")
)

// isDuplicateKey reports whether err is a primary key or unique violation.
// Other constraint failures (CHECK, NOT NULL) are plain store errors.
func isDuplicateKey(err error) bool {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.ExtendedCode() {
	case sqlite3.CONSTRAINT_PRIMARYKEY, sqlite3.CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
