package scrape

import "fmt"

// FetchKind tells the scheduler whether a failed fetch was worth retrying
type FetchKind string

const (
	FetchTransient FetchKind = "transient"
	FetchPermanent FetchKind = "permanent"
)

// FetchError is the classified outcome of a failed route fetch
type FetchError struct {
	RouteNumber int
	Kind        FetchKind
	StatusCode  int
	Attempts    int
	Err         error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch route %d: %s failure after %d attempt(s): %v", e.RouteNumber, e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure came from a retryable condition
func (e *FetchError) Transient() bool {
	return e.Kind == FetchTransient
}
