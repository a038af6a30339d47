// Package errs defines the error taxonomy shared by the optimizer components.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for batch summaries
type Kind string

const (
	KindValidation       Kind = "validation"
	KindDataQuality      Kind = "data_quality"
	KindInsufficientData Kind = "insufficient_data"
	KindInvalidState     Kind = "invalid_state"
	KindTimeout          Kind = "timeout"
	KindConflict         Kind = "concurrency_conflict"
	KindNotFound         Kind = "not_found"
	KindCanceled         Kind = "canceled"
	KindInternal         Kind = "internal"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input rejected at the boundary
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// DataQualityError reports an individual record that is well-formed but unusable
type DataQualityError struct {
	Field  string
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality issue on %s: %s", e.Field, e.Reason)
}

// InsufficientDataError reports that too little history exists for a trustworthy result
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d days, need %d", e.Have, e.Need)
}

// InvalidStateError reports an illegal lifecycle transition
type InvalidStateError struct {
	ID     string
	From   string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s recommendation %s in state %s", e.Action, e.ID, e.From)
}

// TimeoutError reports that an asynchronous computation exceeded its budget
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// ConcurrencyConflict reports a failed compare-and-set; callers re-read and retry
type ConcurrencyConflict struct {
	ID       string
	Expected string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrent update on %s: expected status %s", e.ID, e.Expected)
}

// KindOf maps an error to its Kind
func KindOf(err error) Kind {
	var (
		validation   *ValidationError
		quality      *DataQualityError
		insufficient *InsufficientDataError
		state        *InvalidStateError
		timeout      *TimeoutError
		conflict     *ConcurrencyConflict
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &quality):
		return KindDataQuality
	case errors.As(err, &insufficient):
		return KindInsufficientData
	case errors.As(err, &state):
		return KindInvalidState
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &conflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}

// Counts tallies errors by kind
type Counts map[Kind]int

// Add records err under its kind; nil errors are ignored
func (c Counts) Add(err error) {
	if err == nil {
		return
	}
	c[KindOf(err)]++
}

// Merge adds all counts from other
func (c Counts) Merge(other Counts) {
	for k, v := range other {
		c[k] += v
	}
}

// Total returns the number of errors recorded
func (c Counts) Total() int {
	total := 0
	for _, v := range c {
		total += v
	}
	return total
}
