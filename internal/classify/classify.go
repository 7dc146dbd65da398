// Package classify maps a transport error to a delivery outcome.
package classify

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/pnptv/herald/internal/circuitbreaker"
	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/transport"
)

// Kind is the classified result of one send attempt. Values match the
// delivery record statuses in the db package.
type Kind string

const (
	Sent        Kind = db.DeliverySent
	Throttled   Kind = db.DeliveryThrottled
	Blocked     Kind = db.DeliveryBlocked
	Deactivated Kind = db.DeliveryDeactivated
	NotFound    Kind = db.DeliveryNotFound
	Transient   Kind = db.DeliveryTransient
	Unknown     Kind = db.DeliveryUnknown
)

// Retryable reports whether a later attempt might succeed.
func (k Kind) Retryable() bool {
	switch k {
	case Throttled, Transient, Unknown:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

// Outcome is what the classifier decided about one send.
type Outcome struct {
	Kind        Kind
	RetryAfter  time.Duration
	Code        int
	Description string
}

// Classifier turns a send error into an Outcome. A nil error is Sent.
type Classifier interface {
	Classify(err error) Outcome
}

// Rule matches an error by status code, by a substring of its lowercased
// description, or both. A rule with both lists needs a match in each.
type Rule struct {
	Kind     Kind
	Codes    []int
	Contains []string
}

func (r Rule) matches(code int, text string) bool {
	if len(r.Codes) == 0 && len(r.Contains) == 0 {
		return false
	}
	if len(r.Codes) > 0 && !slices.Contains(r.Codes, code) {
		return false
	}
	if len(r.Contains) > 0 && !containsAny(text, r.Contains) {
		return false
	}
	return true
}

// DefaultRules is the rule table for the Telegram Bot API, checked in order.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: Throttled, Codes: []int{429}},
		{Kind: Throttled, Contains: []string{"too many requests", "retry after"}},
		{Kind: Blocked, Contains: []string{"bot was blocked", "blocked by the user", "bot was kicked"}},
		{Kind: Deactivated, Contains: []string{"user is deactivated"}},
		{Kind: NotFound, Contains: []string{"chat not found", "user not found", "peer_id_invalid"}},
		{Kind: Blocked, Codes: []int{403}},
		{Kind: Transient, Codes: []int{500, 502, 503, 504}},
		{Kind: Transient, Contains: []string{"timeout", "connection reset", "connection refused", "eof", "bad gateway"}},
	}
}

// RuleClassifier applies an ordered rule table. Errors that match no rule
// are Unknown.
type RuleClassifier struct {
	rules []Rule
}

// New returns a classifier over rules. With no rules it uses DefaultRules.
func New(rules ...Rule) *RuleClassifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &RuleClassifier{rules: rules}
}

// With returns a classifier that checks extra before the existing rules.
func (c *RuleClassifier) With(extra ...Rule) *RuleClassifier {
	rules := make([]Rule, 0, len(extra)+len(c.rules))
	rules = append(rules, extra...)
	rules = append(rules, c.rules...)
	return &RuleClassifier{rules: rules}
}

func (c *RuleClassifier) Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Sent}
	}

	out := Outcome{Kind: Unknown, Description: err.Error()}

	var se *transport.SendError
	if errors.As(err, &se) {
		out.Code = se.Code
		out.Description = se.Description
		out.RetryAfter = se.RetryAfter
	}
	if out.Code == 0 && isNetwork(err) {
		out.Kind = Transient
		return out
	}

	text := strings.ToLower(out.Description + " " + err.Error())
	for _, r := range c.rules {
		if r.matches(out.Code, text) {
			out.Kind = r.Kind
			return out
		}
	}

	if se != nil && se.RetryAfter > 0 {
		out.Kind = Throttled
	}
	return out
}

// isNetwork covers failures where the request never got an answer.
func isNetwork(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func containsAny(text string, needles []string) bool {
	return slices.ContainsFunc(needles, func(n string) bool {
		return strings.Contains(text, n)
	})
}
