package recovery

import (
	"errors"
	"strings"

	"github.com/vietddude/maestro/internal/core/domain"
)

// Rule maps any of its substrings to an error kind.
type Rule struct {
	Kind     domain.ErrorKind
	Contains []string
}

// DefaultRules is the ordered rule list. The first matching rule wins, so
// "connection timeout" is an api_timeout and not a network_error.
var DefaultRules = []Rule{
	{Kind: domain.ErrorKindAPITimeout, Contains: []string{"timeout"}},
	{Kind: domain.ErrorKindAPIRateLimit, Contains: []string{"rate", "too many requests"}},
	{Kind: domain.ErrorKindNetwork, Contains: []string{"network", "connection"}},
	{Kind: domain.ErrorKindAuthentication, Contains: []string{"authentication", "unauthorized"}},
	{Kind: domain.ErrorKindFormatValidation, Contains: []string{"format", "validation"}},
	{Kind: domain.ErrorKindQualityCheck, Contains: []string{"quality", "standard"}},
	{Kind: domain.ErrorKindCharacterInconsistency, Contains: []string{"character", "consistency"}},
	{Kind: domain.ErrorKindContextCorruption, Contains: []string{"context", "memory"}},
}

// KindError carries an explicit error kind, bypassing substring rules.
type KindError struct {
	Kind domain.ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind tags err with an explicit kind.
func WithKind(kind domain.ErrorKind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// Classifier maps raw failures to error kinds.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier using rules in order. Nil means DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Classify determines the error kind for err.
func (c *Classifier) Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindUnknown
	}

	var ke *KindError
	if errors.As(err, &ke) && ke.Kind.IsValid() {
		return ke.Kind
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range c.rules {
		for _, needle := range rule.Contains {
			if strings.Contains(msg, needle) {
				return rule.Kind
			}
		}
	}
	return domain.ErrorKindUnknown
}
