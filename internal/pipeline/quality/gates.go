package quality

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vietddude/maestro/internal/core/domain"
)

// DefaultMinimumQuality is the score an output needs to pass minimum_quality.
const DefaultMinimumQuality = 60

// FormatConsistency checks that the content envelope matches its kind.
func FormatConsistency() Gate {
	return NewGate(GateFormatConsistency, func(o domain.StageOutput, _ domain.ProjectContext) domain.QualityCheck {
		var issues, suggestions []string

		switch o.Content.Kind {
		case domain.ContentText:
			if strings.TrimSpace(o.Content.Body) == "" {
				issues = append(issues, "text output is empty")
			}
		case domain.ContentStructured:
			if !json.Valid([]byte(o.Content.Body)) {
				issues = append(issues, "structured output is not valid JSON")
				suggestions = append(suggestions, "ask the worker to return a single JSON object")
			}
		case domain.ContentFile:
			if o.Content.URI == "" {
				issues = append(issues, "file output has no URI")
			}
		default:
			issues = append(issues, fmt.Sprintf("unknown content kind %q", o.Content.Kind))
		}

		if !o.Valid {
			issues = append(issues, "output was marked invalid by its producer")
		}

		return domain.QualityCheck{
			Passed:      len(issues) == 0,
			Score:       max(0, 100-50*float64(len(issues))),
			Issues:      issues,
			Suggestions: suggestions,
		}
	})
}

// MinimumQuality checks the output's own quality score against a floor.
func MinimumQuality(floor float64) Gate {
	if floor <= 0 {
		floor = DefaultMinimumQuality
	}
	return NewGate(GateMinimumQuality, func(o domain.StageOutput, _ domain.ProjectContext) domain.QualityCheck {
		check := domain.QualityCheck{
			Passed: o.QualityScore >= floor,
			Score:  o.QualityScore,
		}
		if !check.Passed {
			check.Issues = []string{fmt.Sprintf("quality score %.1f is below %.1f", o.QualityScore, floor)}
			check.Suggestions = []string{"revise the draft before resubmitting"}
		}
		return check
	})
}

// CharacterConsistency rejects outputs that redefine a character already
// recorded in the project context.
func CharacterConsistency() Gate {
	return NewGate(GateCharacterConsistency, func(o domain.StageOutput, pc domain.ProjectContext) domain.QualityCheck {
		var issues []string
		for name, desc := range o.Declares.Characters {
			known, ok := pc.Characters[name]
			if ok && !strings.EqualFold(strings.TrimSpace(known), strings.TrimSpace(desc)) {
				issues = append(issues, fmt.Sprintf("character %q contradicts its earlier description", name))
			}
		}

		check := domain.QualityCheck{
			Passed: len(issues) == 0,
			Score:  max(0, 100-25*float64(len(issues))),
			Issues: issues,
		}
		if len(issues) > 0 {
			check.Suggestions = []string{"reuse the character descriptions from the project context"}
		}
		return check
	})
}

// LengthFloor requires text outputs to contain at least minWords words.
func LengthFloor(minWords int) Gate {
	return NewGate(GateLengthFloor, func(o domain.StageOutput, _ domain.ProjectContext) domain.QualityCheck {
		if o.Content.Kind != domain.ContentText {
			return domain.QualityCheck{Passed: true, Score: 100}
		}
		words := len(strings.Fields(o.Content.Body))
		if words >= minWords {
			return domain.QualityCheck{Passed: true, Score: 100}
		}
		return domain.QualityCheck{
			Passed:      false,
			Score:       100 * float64(words) / float64(minWords),
			Issues:      []string{fmt.Sprintf("%d words, expected at least %d", words, minWords)},
			Suggestions: []string{"expand the draft"},
		}
	})
}

// DefaultMinimumWords is the word floor used by length_floor.
const DefaultMinimumWords = 150

// NewDefaultRegistry returns a registry with every built-in gate registered
// and character_consistency bound to script writers.
func NewDefaultRegistry(minQuality float64, minWords int) *Registry {
	if minWords <= 0 {
		minWords = DefaultMinimumWords
	}
	r := NewRegistry(minQuality)
	r.Register(CharacterConsistency())
	r.Register(LengthFloor(minWords))
	r.BindWorker("script_writer", domain.GateBinding{Name: GateCharacterConsistency, Required: true})
	return r
}
