package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorInvalidCode is returned when an external candidate does not carry a
// usable identifier code (non-numeric, too short, or missing).
var ErrorInvalidCode = errors.New("invalid identifier code")

// ErrorMergeFailed is the generic operator-facing merge failure. Full detail
// goes to the internal log only.
var ErrorMergeFailed = errors.New("merge failed, nothing was changed")

// CodeConflictError reports an identifier code that already exists on another
// bottle, so the operator can inspect the collision instead of guessing.
type CodeConflictError struct {
	Code           string
	ExistingId     int
	ExistingBottle string
}

func (e *CodeConflictError) Error() string {
	return fmt.Sprintf("code %s already exists on bottle #%d (%s)", e.Code, e.ExistingId, e.ExistingBottle)
}
