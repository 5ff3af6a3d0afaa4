package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/examscan/internal/model"
	"github.com/pavelanni/examscan/internal/quality"
)

var (
	ErrAlreadyActive      = errors.New("an answer copy is already open")
	ErrNoActiveSession    = errors.New("no open answer copy")
	ErrNotFound           = errors.New("page not found")
	ErrNoPages            = errors.New("answer copy has no pages")
	ErrIncompleteMetadata = errors.New("exam details incomplete")
	ErrInvalidMetadata    = errors.New("invalid exam details")
	ErrPageBusy           = errors.New("page is being processed")
	ErrNoSpread           = errors.New("no two-page spread detected")
)

// RejectedError carries the validator verdict for an image that was not
// accepted.
type RejectedError struct {
	Result model.ValidationResult
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("image rejected: %s (%s)", e.Result.Reason, e.Result.Flags)
}

// Unwrap exposes the validator sentinel behind the rejection.
func (e *RejectedError) Unwrap() error {
	if e.Result.Flags.Has(model.FlagCorrupted) {
		return quality.ErrCorrupted
	}
	return quality.ErrBelowFloor
}

// MetadataError lists the mandatory fields still missing at completion.
type MetadataError struct {
	Missing []string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("%s: missing %s", ErrIncompleteMetadata, strings.Join(e.Missing, ", "))
}

func (e *MetadataError) Is(target error) bool { return target == ErrIncompleteMetadata }

// EmissionError wraps a PDF emission failure. The session stays open.
type EmissionError struct {
	SessionID string
	Err       error
}

func (e *EmissionError) Error() string {
	return fmt.Sprintf("emit pdf for %s: %v", e.SessionID, e.Err)
}

func (e *EmissionError) Unwrap() error { return e.Err }
