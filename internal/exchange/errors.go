package exchange

import (
	"errors"
	"strings"

	"github.com/ashureev/agentrelay/internal/agent"
)

var (
	// ErrTimeout means the exchange budget elapsed before any response text.
	ErrTimeout = errors.New("exchange timed out")

	// ErrStreamFatal matches every *FatalError.
	ErrStreamFatal = errors.New("agent stream failed")
)

// FatalError aborts an exchange. Cause is the transport error or the
// in-band error message reported by the agent.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return ErrStreamFatal.Error() + ": " + e.Cause.Error()
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Is reports ErrStreamFatal as a match.
func (e *FatalError) Is(target error) bool { return target == ErrStreamFatal }

func fatal(err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Cause: err}
}

// IsResumeRejection reports whether err says the resume target was refused.
func IsResumeRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, agent.ErrResumeRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "session") && !strings.Contains(msg, "resume") && !strings.Contains(msg, "conversation") {
		return false
	}
	for _, marker := range []string{"not found", "invalid", "expired"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// CategorizeFailure buckets a failed tool's output by substring match.
func CategorizeFailure(output string) Category {
	msg := strings.ToLower(output)
	switch {
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return CategoryRateLimit
	case containsAny(msg, "permission", "denied", "forbidden", "unauthorized", "403"):
		return CategoryPermission
	case containsAny(msg, "not found", "no such file", "enoent", "does not exist", "404"):
		return CategoryNotFound
	default:
		return CategoryToolError
	}
}

func failureNotice(category Category, output string) string {
	const limit = 300
	detail := strings.TrimSpace(output)
	if r := []rune(detail); len(r) > limit {
		detail = string(r[:limit]) + "..."
	}
	var head string
	switch category {
	case CategoryRateLimit:
		head = "A tool hit a rate limit. Try again in a moment."
	case CategoryPermission:
		head = "A tool was denied permission."
	case CategoryNotFound:
		head = "A tool could not find what it was looking for."
	default:
		head = "A tool failed."
	}
	if detail == "" {
		return head
	}
	return head + "\n" + detail
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
