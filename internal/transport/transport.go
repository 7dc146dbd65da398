// Package transport sends broadcast content to one recipient through the
// chat platform.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Platform limits on message text, counted in characters.
const (
	MaxTextLength    = 4096
	MaxCaptionLength = 1024
)

// Transport delivers content to a single recipient and returns the
// platform's message id. Failures are returned as *SendError when the
// platform answered, or as the underlying error when it could not be reached.
type Transport interface {
	Send(ctx context.Context, recipientID int64, content Content) (string, error)
}

// Content is one fully composed message.
type Content struct {
	Text      string
	ParseMode string
	Media     *Media
	Buttons   [][]Button
}

// Media is an attachment the platform can fetch. Source is either an
// http(s) URL or a platform file id.
type Media struct {
	Type   string
	Source string
}

// Button is one inline keyboard button.
type Button struct {
	Text string
	URL  string
	Data string
}

// SendError is a platform-level rejection.
type SendError struct {
	Code        int
	Description string
	// RetryAfter is set when the platform asked us to slow down.
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Code == 0 {
		return e.Description
	}
	return fmt.Sprintf("telegram: %s (%d)", e.Description, e.Code)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether err means the platform itself is
// unhealthy (no answer or a 5xx) rather than this recipient being
// unreachable. Only these errors count against the circuit breaker.
func IsInfrastructure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Code == 0 || se.Code >= 500
	}
	return true
}
