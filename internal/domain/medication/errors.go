package medication

import (
	"errors"
	"fmt"
)

// Validation errors. They are rejected at the boundary and never recovered.
var (
	ErrInvalidFrequency    = errors.New("invalid frequency")
	ErrInvalidPrescription = errors.New("invalid prescription")
	ErrUnknownPrescription = errors.New("unknown prescription")
	ErrOutOfWindow         = errors.New("not a scheduled dose time")
	ErrInvalidWindow       = errors.New("invalid window")
	ErrInventoryNotTracked = errors.New("inventory not tracked")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
)

// DoseError carries the dose key a ledger operation failed on.
type DoseError struct {
	Op             string
	PrescriptionID string
	Err            error
}

func (e *DoseError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.PrescriptionID, e.Err)
}

func (e *DoseError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a caller-correctable validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidFrequency) ||
		errors.Is(err, ErrInvalidPrescription) ||
		errors.Is(err, ErrUnknownPrescription) ||
		errors.Is(err, ErrOutOfWindow) ||
		errors.Is(err, ErrInvalidWindow)
}

// UserMessage renders err as an actionable message for the end user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOutOfWindow):
		return "could not log dose: not a scheduled time"
	case errors.Is(err, ErrUnknownPrescription):
		return "could not log dose: prescription is unknown or no longer active"
	case errors.Is(err, ErrInvalidFrequency):
		return "could not build schedule: the dosing frequency has no valid times"
	case errors.Is(err, ErrInvalidWindow):
		return "invalid date range: start must not be after end"
	case errors.Is(err, ErrInvalidPrescription):
		return "invalid prescription: " + err.Error()
	case errors.Is(err, ErrInventoryNotTracked):
		return "inventory tracking is not enabled for this prescription"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrAlreadyExists):
		return "a prescription with this id already exists"
	default:
		return "internal error"
	}
}
