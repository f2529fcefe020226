package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies a model-call failure into a stable, client-visible bucket.
type Code string

const (
	CodeOverloaded     Code = "overloaded"
	CodeRateLimited    Code = "rate_limited"
	CodeAuth           Code = "auth"
	CodeInvalidRequest Code = "invalid_request"
	CodeServerError    Code = "server_error"
	CodeGeneric        Code = "generic"
)

// ModelError wraps a failed call to the hosted model with its classification.
type ModelError struct {
	Code    Code
	Status  int
	Message string
	Err     error
}

func (e *ModelError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("model call failed (%s): %v", e.Code, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// humanMessages maps each code to the message surfaced to clients.
var humanMessages = map[Code]string{
	CodeOverloaded:     "The model is overloaded right now. Please try again shortly.",
	CodeRateLimited:    "Rate limit reached. Please wait a moment before retrying.",
	CodeAuth:           "Model authentication failed. Check the configured API key.",
	CodeInvalidRequest: "The request to the model was rejected as invalid.",
	CodeServerError:    "The model provider returned an internal error.",
	CodeGeneric:        "The model call failed unexpectedly.",
}

// ClassifyModelStatus maps an HTTP status from the model provider to a code.
func ClassifyModelStatus(status int) Code {
	switch {
	case status == 529:
		return CodeOverloaded
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusBadRequest:
		return CodeInvalidRequest
	case status >= 500:
		return CodeServerError
	default:
		return CodeGeneric
	}
}

// NewModelError builds a classified model error from an HTTP status and cause.
func NewModelError(status int, err error) *ModelError {
	code := ClassifyModelStatus(status)
	return &ModelError{
		Code:    code,
		Status:  status,
		Message: humanMessages[code],
		Err:     err,
	}
}

// WrapModelError classifies an arbitrary transport error as generic unless it
// already carries a classification.
func WrapModelError(err error) *ModelError {
	var me *ModelError
	if stderrors.As(err, &me) {
		return me
	}
	return &ModelError{
		Code:    CodeGeneric,
		Message: humanMessages[CodeGeneric],
		Err:     err,
	}
}

// IsCancellation reports whether err stems from user-initiated cancellation.
// Cancellation is not an error for user-visible purposes.
func IsCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled)
}
