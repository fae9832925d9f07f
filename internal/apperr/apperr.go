package apperr

import (
	"fmt"
	"strings"
)

// Category is the closed failure taxonomy shown to users and used for retry decisions.
type Category string

const (
	Network        Category = "network"
	Validation     Category = "validation"
	Authentication Category = "authentication"
	Authorization  Category = "authorization"
	NotFound       Category = "not_found"
	Conflict       Category = "conflict"
	Server         Category = "server"
	Unknown        Category = "unknown"
)

var categories = []Category{Network, Validation, Authentication, Authorization, NotFound, Conflict, Server, Unknown}

// Categories returns every category in the taxonomy.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// Valid reports whether c belongs to the taxonomy.
func (c Category) Valid() bool {
	for _, k := range categories {
		if k == c {
			return true
		}
	}
	return false
}

// AppError is the structured, displayable form of any failure.
// Original keeps the raw input for diagnostics and is never shown to the user.
type AppError struct {
	Category    Category
	Message     string
	Suggestion  string
	Original    any
	RateLimited bool
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the original failure when it was an error value.
func (e *AppError) Unwrap() error {
	if err, ok := e.Original.(error); ok {
		return err
	}
	return nil
}

// StatusError is the normalized shape of a failed backend or transport call.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Hint    string
}

func (e *StatusError) Error() string {
	var b strings.Builder
	if e.Status > 0 {
		fmt.Fprintf(&b, "status %d", e.Status)
	}
	if e.Code != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "(%s)", e.Code)
	}
	if e.Message != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}
	if b.Len() == 0 {
		return "request failed"
	}
	return b.String()
}

// StatusCode returns the HTTP-like status carried by the error.
func (e *StatusError) StatusCode() int {
	return e.Status
}

// NetworkError builds a StatusError carrying the dedicated network fault code.
func NetworkError(msg string) *StatusError {
	return &StatusError{Code: CodeNetwork, Message: msg}
}

// CodeNetwork marks transport level failures regardless of their message wording.
const CodeNetwork = "NETWORK_ERROR"

type copyText struct {
	message    string
	suggestion string
}

var copies = map[Category]copyText{
	Network: {
		message:    "We couldn't reach the server.",
		suggestion: "Check your internet connection and try again.",
	},
	Validation: {
		message:    "Some of the information you entered isn't valid.",
		suggestion: "Review the highlighted fields and try again.",
	},
	Authentication: {
		message:    "We couldn't sign you in.",
		suggestion: "Check your email and password, or confirm your email address before signing in.",
	},
	Authorization: {
		message:    "You don't have permission to do that.",
		suggestion: "Make sure you're signed in to the right account, or contact support if this seems wrong.",
	},
	NotFound: {
		message:    "We couldn't find what you were looking for.",
		suggestion: "It may have been removed. Refresh and try again.",
	},
	Conflict: {
		message:    "This already exists or was changed by someone else.",
		suggestion: "Refresh to see the latest version before trying again.",
	},
	Server: {
		message:    "Something went wrong on our side.",
		suggestion: "Please try again in a few moments.",
	},
	Unknown: {
		message:    "Something unexpected happened.",
		suggestion: "Please try again. If the problem continues, restart the app.",
	},
}

var rateLimitedCopy = copyText{
	message:    "You're doing that too often.",
	suggestion: "Wait a moment and try again.",
}

// New wraps err as category c with that category's user-facing copy. Use it
// when the category is known up front and must not be inferred from the text.
func New(c Category, err error) *AppError {
	return newAppError(c, err)
}

func newAppError(c Category, raw any) *AppError {
	t := copies[c]
	return &AppError{Category: c, Message: t.message, Suggestion: t.suggestion, Original: raw}
}
