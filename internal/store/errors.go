package store

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type ErrorCode string

const (
	ErrorCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidEntityType ErrorCode = "INVALID_ENTITY_TYPE"
)

type StoreError struct {
	Code ErrorCode
	Msg  string
}

func (e *StoreError) Error() string {
	return e.Msg
}

func NewNotFoundError(msg string) error {
	return &StoreError{Code: ErrorCodeNotFound, Msg: msg}
}

func newInvalidEntityTypeError(t EntityType) error {
	return &StoreError{Code: ErrorCodeInvalidEntityType, Msg: "invalid entity type " + string(t)}
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrorCodeNotFound)
}

func IsInvalidEntityType(err error) bool {
	return hasCode(err, ErrorCodeInvalidEntityType)
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(se.Error(), "UNIQUE")
		}
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
