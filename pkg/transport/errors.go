package transport

import "fmt"

// UnexpectedStatusError is returned for any status the transport does not map
// to an Outcome. It is not retried.
type UnexpectedStatusError struct {
	Code int
	URL  string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d for %s", e.Code, e.URL)
}

// RetriesExhaustedError is returned when every attempt allowed by the retry
// policy failed. Last is the failure of the final attempt.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}
