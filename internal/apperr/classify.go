package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Phrase lists reflect the wording observed from the backend and its auth service.
// They are best-effort and need extending when that wording changes.
var (
	networkPhrases   = []string{"fetch", "network", "timeout", "timed out", "connection", "econnrefused", "econnreset", "offline", "no route to host"}
	networkCodes     = []string{CodeNetwork, "ECONNREFUSED", "ECONNRESET", "ETIMEDOUT", "ENOTFOUND", "TIMEOUT", "ECONNABORTED"}
	authPhrases      = []string{"invalid login credentials", "email not confirmed", "user not found", "jwt expired", "invalid refresh token"}
	forbiddenPhrases = []string{"permission", "unauthorized", "forbidden", "row-level security"}
	notFoundPhrases  = []string{"not found"}
	notFoundCodes    = []string{"PGRST116"}
	conflictPhrases  = []string{"conflict", "duplicate", "already exists"}
	conflictCodes    = []string{"23505"}
	serverPhrases    = []string{"server", "internal", "unavailable"}
	rateLimitPhrases = []string{"rate limit exceeded", "rate limit", "too many requests"}
	validPhrases     = []string{"validation", "required field", "is required", "invalid format", "invalid input"}
	validationCodes  = []string{"23502", "23514", "22P02"}
)

// signal is what the heuristics look at, extracted from any raw failure shape.
type signal struct {
	message string
	status  int
	code    string
	network bool
}

// Classify maps any raw failure value to an AppError. It is pure and total:
// nil, malformed and unexpected inputs all yield a valid AppError.
func Classify(raw any) (out *AppError) {
	defer func() {
		if r := recover(); r != nil {
			out = newAppError(Unknown, raw)
		}
	}()

	var prev *AppError
	if errors.As(asError(raw), &prev) && prev != nil && prev.Category.Valid() {
		out = &AppError{
			Category:    prev.Category,
			Message:     prev.Message,
			Suggestion:  prev.Suggestion,
			Original:    raw,
			RateLimited: prev.RateLimited,
		}
		if out.Message == "" || out.Suggestion == "" {
			t := copies[out.Category]
			out.Message, out.Suggestion = t.message, t.suggestion
		}
		return out
	}

	s := extract(raw)
	c, rateLimited := categorize(s)
	out = newAppError(c, raw)
	if rateLimited {
		out.RateLimited = true
		out.Message, out.Suggestion = rateLimitedCopy.message, rateLimitedCopy.suggestion
	}
	return out
}

// categorize applies the ordered rules; the first match wins.
func categorize(s signal) (Category, bool) {
	switch {
	case s.network || containsAny(s.message, networkPhrases) || codeIn(s.code, networkCodes) ||
		strings.Contains(s.code, "NETWORK") || strings.Contains(s.code, "TIMEOUT"):
		return Network, false
	case s.status == 401 || containsAny(s.message, authPhrases):
		return Authentication, false
	case s.status == 403 || containsAny(s.message, forbiddenPhrases):
		return Authorization, false
	case s.status == 404 || containsAny(s.message, notFoundPhrases) || codeIn(s.code, notFoundCodes):
		return NotFound, false
	case s.status == 409 || containsAny(s.message, conflictPhrases) || codeIn(s.code, conflictCodes):
		return Conflict, false
	case (s.status >= 500 && s.status <= 599) || containsAny(s.message, serverPhrases):
		return Server, false
	case s.status == 429 || containsAny(s.message, rateLimitPhrases):
		return Network, true
	case s.status == 400 || s.status == 422 || containsAny(s.message, validPhrases) || codeIn(s.code, validationCodes):
		return Validation, false
	default:
		return Unknown, false
	}
}

func extract(raw any) signal {
	switch v := raw.(type) {
	case nil:
		return signal{}
	case string:
		return signal{message: strings.ToLower(v)}
	case *StatusError:
		if v == nil {
			return signal{}
		}
		return fromStatusError(v)
	case map[string]any:
		return fromMap(v)
	case error:
		return fromError(v)
	case fmt.Stringer:
		return signal{message: strings.ToLower(v.String())}
	case []byte:
		var m map[string]any
		if json.Unmarshal(v, &m) == nil {
			return fromMap(m)
		}
		return signal{message: strings.ToLower(string(v))}
	default:
		if n, ok := toInt(v); ok {
			return signal{status: n}
		}
		return signal{}
	}
}

func fromStatusError(e *StatusError) signal {
	return signal{
		message: strings.ToLower(e.Message + " " + e.Hint),
		status:  e.Status,
		code:    strings.ToUpper(e.Code),
	}
}

func fromError(err error) signal {
	s := signal{message: strings.ToLower(err.Error())}

	var se *StatusError
	if errors.As(err, &se) && se != nil {
		inner := fromStatusError(se)
		s.status, s.code = inner.status, inner.code
	} else {
		var sc interface{ StatusCode() int }
		if errors.As(err, &sc) {
			s.status = sc.StatusCode()
		}
	}

	if st, ok := grpcstatus.FromError(err); ok {
		s.message = strings.ToLower(st.Message())
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			s.network = true
		case codes.Unauthenticated:
			s.status = 401
		case codes.PermissionDenied:
			s.status = 403
		case codes.NotFound:
			s.status = 404
		case codes.AlreadyExists, codes.Aborted:
			s.status = 409
		case codes.InvalidArgument, codes.FailedPrecondition:
			s.status = 400
		case codes.ResourceExhausted:
			s.status = 429
		case codes.Internal, codes.DataLoss:
			s.status = 500
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		s.network = true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.network = true
	}
	return s
}

func fromMap(m map[string]any) signal {
	var s signal
	for _, k := range []string{"message", "msg", "error_description", "error"} {
		if msg := stringField(m[k]); msg != "" {
			s.message = strings.ToLower(msg)
			break
		}
	}
	if nested, ok := m["error"].(map[string]any); ok && s.message == "" {
		inner := fromMap(nested)
		s.message, s.status, s.code = inner.message, inner.status, inner.code
	}
	if hint := stringField(m["hint"]); hint != "" {
		s.message = strings.TrimSpace(s.message + " " + strings.ToLower(hint))
	}
	for _, k := range []string{"status", "statusCode", "status_code"} {
		if n, ok := toInt(m[k]); ok {
			s.status = n
			break
		}
	}
	switch code := m["code"].(type) {
	case string:
		s.code = strings.ToUpper(code)
	default:
		if n, ok := toInt(code); ok && s.status == 0 && n >= 100 && n <= 599 {
			s.status = n
		}
	}
	return s
}

func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return ""
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func asError(raw any) error {
	if err, ok := raw.(error); ok {
		return err
	}
	return nil
}

func containsAny(s string, phrases []string) bool {
	if s == "" {
		return false
	}
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func codeIn(code string, set []string) bool {
	if code == "" {
		return false
	}
	for _, c := range set {
		if code == c {
			return true
		}
	}
	return false
}
