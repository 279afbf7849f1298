package event

import (
	"regexp"
	"strings"

	"github.com/agentstation/eventhub/pkg/errors"
)

// Only topic=value is supported. Value characters are word characters and
// -,./*@+ ; quotes around the value are optional.
var expressionPattern = regexp.MustCompile(`^topic[ ]?=[ '"]?([\w,./*@+-]+)['"]?$`)

// Subscription is a parsed subscription expression.
type Subscription struct {
	Expression string
	Topic      string
}

// ParseSubscription validates expr and extracts its topic. Surrounding
// whitespace is ignored. Anything but topic=value returns a *errors.FormatError.
func ParseSubscription(expr string) (Subscription, error) {
	m := expressionPattern.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return Subscription{}, errors.NewFormatError(expr)
	}
	return Subscription{Expression: expr, Topic: m[1]}, nil
}

// Matches reports whether topic is exactly the subscribed topic. Wildcard
// characters in the expression are literal.
func (s Subscription) Matches(topic string) bool {
	return topic != "" && topic == s.Topic
}
