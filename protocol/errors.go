package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusCoder is implemented by errors that carry an HTTP status hint.
type StatusCoder interface {
	StatusCode() int
}

// ErrorPayload is the serialized form of a pipeline error.
type ErrorPayload struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func (e *ErrorPayload) Error() string {
	return e.Message
}

// NewErrorPayload converts err into its wire form, copying the status code
// of the first error in the chain that has one.
func NewErrorPayload(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	p := &ErrorPayload{Message: err.Error()}
	var sc StatusCoder
	if errors.As(err, &sc) {
		p.StatusCode = sc.StatusCode()
	}
	return p
}

// HTTPError is a pipeline error with an explicit status code.
type HTTPError struct {
	Status  int
	Message string
}

// NewHTTPError returns an HTTPError; an empty message defaults to the
// status text.
func NewHTTPError(status int, format string, args ...any) *HTTPError {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &HTTPError{Status: status, Message: msg}
}

func (e *HTTPError) Error() string {
	return e.Message
}

func (e *HTTPError) StatusCode() int {
	return e.Status
}
