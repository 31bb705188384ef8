package upstream

import (
	"errors"
	"fmt"
)

// TransportError is a network, timeout, HTTP status or body decoding failure.
type TransportError struct {
	Path       string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: HTTP %d: %v", e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DomainError is a well-formed response whose envelope code is not 200.
type DomainError struct {
	Path string
	Code int
	Msg  string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("upstream %s: code %d: %s", e.Path, e.Code, e.Msg)
}

// ScheduleError reports that the retry ceiling was reached. It unwraps to the
// error of the last attempt.
type ScheduleError struct {
	Path     string
	Attempts int
	Last     error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Path, e.Attempts, e.Last)
}

func (e *ScheduleError) Unwrap() error { return e.Last }

// IsDomain reports whether err carries an upstream domain failure.
func IsDomain(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// IsTransport reports whether err carries a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
