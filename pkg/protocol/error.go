// Copyright 2024 The Megaphone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a broker error. The codes are part of the public API and
// must stay stable.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindBusy
	KindBadRequest
	KindTimeout
	KindSkipped
)

// Error is the error envelope returned by all broker operations. The Code is
// what goes over the wire; Message is human-oriented detail.
type Error struct {
	Kind    Kind
	Message string
	// Secs is only set for timeout errors and reports the deadline that
	// elapsed.
	Secs int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code()
	}
	return fmt.Sprintf("%s: %s", e.Code(), e.Message)
}

// Code returns the stable wire identifier for the error kind.
func (e *Error) Code() string {
	switch e.Kind {
	case KindNotFound:
		return "NOT_FOUND"
	case KindBusy:
		return "BUSY"
	case KindBadRequest:
		return "BAD_REQUEST"
	case KindTimeout:
		return "TIMEOUT"
	case KindSkipped:
		return "SKIPPED"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

// HTTPStatus maps the error kind onto the HTTP status used by the public API.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindTimeout, KindSkipped:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrNotFound reports a channel or agent that does not exist on this node.
func ErrNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what}
}

// ErrBusy reports a channel whose receiver side is already held by another
// consumer.
func ErrBusy(what string) *Error {
	return &Error{Kind: KindBusy, Message: what}
}

// ErrBadRequest reports malformed or unacceptable input.
func ErrBadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// ErrTimeout reports a blocking write that could not complete within secs
// seconds.
func ErrTimeout(secs int) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("write timed out after %ds", secs), Secs: secs}
}

// ErrSkipped marks batch entries that were not attempted because an earlier
// message on the same channel timed out.
func ErrSkipped() *Error {
	return &Error{Kind: KindSkipped, Message: "skipped after earlier timeout"}
}

// AsError unwraps err into the protocol error envelope, synthesizing an
// internal error for foreign error values.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}

// IsKind reports whether err is a protocol error of the given kind.
func IsKind(err error, k Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == k
}

// ErrorBody is the JSON error envelope written by the HTTP APIs.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Body returns the serializable envelope for the error.
func (e *Error) Body() ErrorBody {
	return ErrorBody{Code: e.Code(), Message: e.Message}
}
