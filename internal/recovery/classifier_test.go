package recovery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/vietddude/maestro/internal/core/domain"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		err    error
		expect domain.ErrorKind
	}{
		// one per rule, in rule order
		{errors.New("request Timeout after 30s"), domain.ErrorKindAPITimeout},
		{errors.New("rate limited (429)"), domain.ErrorKindAPIRateLimit},
		{errors.New("429 Too Many Requests"), domain.ErrorKindAPIRateLimit},
		{errors.New("network is unreachable"), domain.ErrorKindNetwork},
		{errors.New("connection reset by peer"), domain.ErrorKindNetwork},
		{errors.New("Authentication failed"), domain.ErrorKindAuthentication},
		{errors.New("401 Unauthorized"), domain.ErrorKindAuthentication},
		{errors.New("unexpected output format"), domain.ErrorKindFormatValidation},
		{errors.New("schema validation error"), domain.ErrorKindFormatValidation},
		{errors.New("quality too low"), domain.ErrorKindQualityCheck},
		{errors.New("does not meet editorial standard"), domain.ErrorKindQualityCheck},
		{errors.New("character Mara was renamed"), domain.ErrorKindCharacterInconsistency},
		{errors.New("plot consistency broken"), domain.ErrorKindCharacterInconsistency},
		{errors.New("context window exceeded"), domain.ErrorKindContextCorruption},
		{errors.New("out of memory"), domain.ErrorKindContextCorruption},
		{errors.New("something odd happened"), domain.ErrorKindUnknown},

		// overlapping messages resolve to the earliest rule
		{errors.New("connection timeout"), domain.ErrorKindAPITimeout},
		{errors.New("network rate exceeded"), domain.ErrorKindAPIRateLimit},
		{errors.New("unauthorized connection"), domain.ErrorKindNetwork},
		{errors.New("validation of character sheet"), domain.ErrorKindFormatValidation},
		{errors.New("quality of context"), domain.ErrorKindQualityCheck},

		// wrapped errors are inspected by message
		{fmt.Errorf("call writer: %w", errors.New("i/o timeout")), domain.ErrorKindAPITimeout},

		// explicit kinds win over the message
		{WithKind(domain.ErrorKindMemoryOverflow, errors.New("timeout")), domain.ErrorKindMemoryOverflow},
		{fmt.Errorf("wrap: %w", WithKind(domain.ErrorKindAPIInvalidResponse, errors.New("bad json"))), domain.ErrorKindAPIInvalidResponse},
	}

	for _, tt := range tests {
		if got := c.Classify(tt.err); got != tt.expect {
			t.Errorf("Classify(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := NewClassifier(nil).Classify(nil); got != domain.ErrorKindUnknown {
		t.Errorf("Classify(nil) = %v, want unknown_error", got)
	}
}

func TestClassify_CustomRules(t *testing.T) {
	c := NewClassifier([]Rule{
		{Kind: domain.ErrorKindMemoryOverflow, Contains: []string{"token limit"}},
	})

	if got := c.Classify(errors.New("Token limit reached")); got != domain.ErrorKindMemoryOverflow {
		t.Errorf("got %v, want memory_overflow", got)
	}
	if got := c.Classify(errors.New("timeout")); got != domain.ErrorKindUnknown {
		t.Errorf("custom rules replace the defaults, got %v", got)
	}
}
