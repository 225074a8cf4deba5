package dbterrors

import (
	"errors"
	"strings"
)

// Resource (R) Errors
var (
	ErrArenaFull      = errors.New("R1|ArenaFull: The code arena has no room for the requested unit.")
	ErrArenaExhausted = errors.New("R2|ArenaExhausted: Translation failed for lack of space even after a full flush.")
	ErrUnitTooLarge   = errors.New("R3|UnitTooLarge: The unit does not fit in an empty code arena.")
	ErrArenaMap       = errors.New("R4|ArenaMap: The host refused to map the code arena.")
)

// Fault (F) Errors
var (
	ErrUnclassifiedFault = errors.New("F1|UnclassifiedFault: A host fault could not be attributed to the guest.")
	ErrNoHandler         = errors.New("F2|NoHandler: The guest has no handler installed for the raised exception.")
	ErrNotMapped         = errors.New("F3|NotMapped: The guest address has no translation.")
	ErrAlreadyMapped     = errors.New("F4|AlreadyMapped: The guest page is already mapped.")
	ErrBadCode           = errors.New("F5|BadCode: Host code at the given offset is not a valid instruction.")
)

// Translation (X) Errors
var (
	ErrDecode      = errors.New("X1|Decode: The guest bytes could not be decoded.")
	ErrUnsupported = errors.New("X2|Unsupported: The guest instruction is outside the translated subset.")
)

// Engine (E) Errors
var (
	ErrBadConfig = errors.New("E1|BadConfig: The engine configuration is invalid.")
	ErrClosed    = errors.New("E2|Closed: The engine has been closed.")
	ErrProfile   = errors.New("E3|Profile: The execution profile store failed.")
)

// Class groups errors by how the dispatcher must react to them.
type Class int

const (
	ClassNone Class = iota
	// ClassRecoverable errors are absorbed by the engine (flush and retry, demand map).
	ClassRecoverable
	// ClassGuest errors become guest-visible exceptions.
	ClassGuest
	// ClassExhausted errors end the run because a resource is exhausted.
	ClassExhausted
	// ClassFatal errors indicate an engine defect.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRecoverable:
		return "recoverable"
	case ClassGuest:
		return "guest"
	case ClassExhausted:
		return "exhausted"
	case ClassFatal:
		return "fatal"
	default:
		return "none"
	}
}

// Classify reports the class of err, following wrapped errors.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrArenaFull), errors.Is(err, ErrNotMapped):
		return ClassRecoverable
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrDecode):
		return ClassGuest
	case errors.Is(err, ErrArenaExhausted), errors.Is(err, ErrUnitTooLarge), errors.Is(err, ErrArenaMap):
		return ClassExhausted
	default:
		return ClassFatal
	}
}

// coded returns the innermost error of a wrap chain, which carries the code.
func coded(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := coded(err).Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := coded(err).Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	parts := strings.SplitN(coded(err).Error(), ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
