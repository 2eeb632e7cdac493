package trainer

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is a step of the training loop.
type State int

const (
	WaitingForBatch State = iota
	RPNStep
	DecodeProposals
	AssignROIs
	SampleROIs
	ClassifierStep
	RecordIteration
	EndOfEpoch
)

var stateNames = [...]string{
	WaitingForBatch: "WAITING_FOR_BATCH",
	RPNStep:         "RPN_STEP",
	DecodeProposals: "DECODE_PROPOSALS",
	AssignROIs:      "ASSIGN_ROIS",
	SampleROIs:      "SAMPLE_ROIS",
	ClassifierStep:  "CLASSIFIER_STEP",
	RecordIteration: "RECORD_ITERATION",
	EndOfEpoch:      "END_OF_EPOCH",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ErrRetryBudgetExceeded aborts a run after too many skipped steps in a row.
var ErrRetryBudgetExceeded = errors.New("trainer: too many consecutive skipped steps")

// SkipError marks a per-sample failure after which the loop moves on to the
// next image.
type SkipError struct {
	State State
	Err   error
}

// Skip wraps err as a skippable failure raised in state.
func Skip(state State, err error) error {
	return &SkipError{State: state, Err: err}
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skip in %s: %v", e.State, e.Err)
}

// Cause returns the wrapped error.
func (e *SkipError) Cause() error { return e.Err }

// Unwrap returns the wrapped error.
func (e *SkipError) Unwrap() error { return e.Err }

// IsSkippable reports whether err only invalidates the current step.
// Errors that are not classified abort the run.
func IsSkippable(err error) bool {
	var skip *SkipError
	return errors.As(err, &skip)
}
