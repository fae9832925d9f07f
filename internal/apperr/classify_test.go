package apperr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type weird struct{ A, B int }

type brokenError struct{ msg *string }

func (b *brokenError) Error() string { return *b.msg }

func TestClassifyIsTotal(t *testing.T) {
	var nilStatus *StatusError
	inputs := []any{
		nil,
		map[string]any{},
		"",
		"boom",
		0,
		-1,
		3.5,
		math.NaN(),
		true,
		[]int{1, 2},
		weird{1, 2},
		&weird{},
		nilStatus,
		errors.New(""),
		&brokenError{},
		[]byte("not json"),
		map[string]any{"message": nil, "status": "abc"},
		map[string]any{"error": map[string]any{"message": 42}},
	}
	for _, in := range inputs {
		t.Run(fmt.Sprintf("%T/%v", in, in), func(t *testing.T) {
			var got *AppError
			require.NotPanics(t, func() { got = Classify(in) })
			require.NotNil(t, got)
			assert.True(t, got.Category.Valid(), "category %q", got.Category)
			assert.NotEmpty(t, got.Message)
			assert.NotEmpty(t, got.Suggestion)
			for _, tok := range []string{"null", "undefined", "NaN", "panic", "goroutine"} {
				assert.NotContains(t, got.Message, tok)
				assert.NotContains(t, got.Suggestion, tok)
			}
		})
	}
}

func TestClassifyKeepsOriginal(t *testing.T) {
	got := Classify(nil)
	assert.Nil(t, got.Original)
	assert.Equal(t, Unknown, got.Category)

	raw := map[string]any{"message": "network error", "code": "NETWORK_ERROR"}
	got = Classify(raw)
	assert.Equal(t, raw, got.Original)

	err := errors.New("duplicate key")
	got = Classify(err)
	assert.Same(t, err, got.Original)
	assert.ErrorIs(t, got, err)
}

func TestClassifyCategories(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want Category
	}{
		{"network code", map[string]any{"message": "network error", "code": "NETWORK_ERROR"}, Network},
		{"fetch failure", errors.New("TypeError: Failed to fetch"), Network},
		{"timeout string", "request timeout", Network},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, Network},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), Network},
		{"grpc unavailable", grpcstatus.Error(codes.Unavailable, "transport is closing"), Network},
		{"status 401", &StatusError{Status: 401, Message: "JWT invalid"}, Authentication},
		{"invalid login", map[string]any{"message": "Invalid login credentials"}, Authentication},
		{"email not confirmed", errors.New("Email not confirmed"), Authentication},
		{"user not found beats not found", "User not found", Authentication},
		{"status 403", map[string]any{"status": 403.0}, Authorization},
		{"rls", &StatusError{Message: "new row violates row-level security policy"}, Authorization},
		{"forbidden phrase", "Forbidden", Authorization},
		{"status 404", &StatusError{Status: 404}, NotFound},
		{"postgrest no rows", map[string]any{"code": "PGRST116", "message": "JSON object requested, multiple (or no) rows returned"}, NotFound},
		{"not found phrase", "request not found", NotFound},
		{"status 409", map[string]any{"statusCode": 409}, Conflict},
		{"unique violation", &StatusError{Code: "23505", Message: "duplicate key value violates unique constraint"}, Conflict},
		{"already exists", "User already exists", Conflict},
		{"status 503", &StatusError{Status: 503}, Server},
		{"internal phrase", "internal error", Server},
		{"grpc internal", grpcstatus.Error(codes.Internal, "boom"), Server},
		{"status 429", map[string]any{"status": 429}, Network},
		{"rate limit phrase", "Rate limit exceeded", Network},
		{"validation phrase", map[string]any{"message": "validation failed", "status": 400}, Validation},
		{"required field", "title is required", Validation},
		{"status 422", &StatusError{Status: 422}, Validation},
		{"number as status", 500, Server},
		{"unknown", "something odd", Unknown},
		{"empty map", map[string]any{}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.raw).Category)
		})
	}
}

func TestClassifyOrderNetworkFirst(t *testing.T) {
	// A network fault reported with a 500 still counts as network.
	got := Classify(&StatusError{Status: 500, Code: CodeNetwork, Message: "upstream connection reset"})
	assert.Equal(t, Network, got.Category)

	// Auth status outranks a not-found phrase.
	got = Classify(map[string]any{"status": 401, "message": "session not found"})
	assert.Equal(t, Authentication, got.Category)
}

func TestClassifyRateLimited(t *testing.T) {
	got := Classify(&StatusError{Status: 429, Message: "Too Many Requests"})
	assert.Equal(t, Network, got.Category)
	assert.True(t, got.RateLimited)
	assert.Contains(t, strings.ToLower(got.Suggestion), "wait")

	got = Classify(&StatusError{Status: 503})
	assert.False(t, got.RateLimited)
}

func TestClassifyDeterministic(t *testing.T) {
	inputs := []any{
		nil, "network error", map[string]any{"status": 409}, errors.New("forbidden"), 404,
	}
	for _, in := range inputs {
		first := Classify(in)
		for i := 0; i < 10; i++ {
			again := Classify(in)
			assert.Equal(t, first.Category, again.Category)
			assert.Equal(t, first.Message, again.Message)
		}
	}
}

func TestClassifyAppErrorPassthrough(t *testing.T) {
	inner := Classify(&StatusError{Status: 409})
	wrapped := fmt.Errorf("create request: %w", inner)

	got := Classify(wrapped)
	assert.Equal(t, Conflict, got.Category)
	assert.Same(t, wrapped, got.Original)
}

func TestCategoryValid(t *testing.T) {
	for _, c := range Categories() {
		assert.True(t, c.Valid())
	}
	assert.False(t, Category("rate_limit").Valid())
	assert.Len(t, Categories(), 8)
}

func TestStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "status 404 (PGRST116): no rows", (&StatusError{Status: 404, Code: "PGRST116", Message: "no rows"}).Error())
	assert.Equal(t, "request failed", (&StatusError{}).Error())
	assert.Equal(t, "(NETWORK_ERROR): dial failed", NetworkError("dial failed").Error())
}
