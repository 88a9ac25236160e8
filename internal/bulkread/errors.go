// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package bulkread

import (
	"errors"
	"fmt"
)

// ErrNoContent is returned when the server answers 204 No Content or 304 Not Modified.
var ErrNoContent = errors.New("no content")

// APIError is a rejection reported by the server: it answered, but with an error status.
type APIError struct {
	HTTPStatus int
	Status     string
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bulk read API error (http %d): %s: %s", e.HTTPStatus, e.Code, e.Message)
}

// TransportError means no usable response was received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bulk read %s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsBusinessError reports whether err carries an APIError.
func IsBusinessError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// IsTransportError reports whether err carries a TransportError.
func IsTransportError(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}
