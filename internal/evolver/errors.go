package evolver

import (
	"errors"
	"fmt"
)

// Terminal reason codes for an evolution run.
const (
	ReasonCompleted = "RUN_COMPLETED"
	ReasonConverged = "RUN_CONVERGED"
	ReasonFailed    = "RUN_FAILED"
	ReasonCanceled  = "RUN_CANCELED"
)

// ErrRunActive is returned when Run is called while another Run is in progress.
var ErrRunActive = errors.New("evolution run already active")

// GenerationError reports the generation that failed and why. The population
// from the previous generation is left in place.
type GenerationError struct {
	Generation int
	Err        error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %d: %v", e.Generation, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
