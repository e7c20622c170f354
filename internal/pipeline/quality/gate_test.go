package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/maestro/internal/core/domain"
)

func textOutput(body string, score float64) domain.StageOutput {
	return domain.StageOutput{
		Content:      domain.Content{Kind: domain.ContentText, Body: body},
		Valid:        true,
		QualityScore: score,
	}
}

func TestFormatConsistency(t *testing.T) {
	gate := FormatConsistency()
	pc := domain.NewProjectContext(nil)

	tests := []struct {
		name   string
		output domain.StageOutput
		passed bool
	}{
		{"text with body", textOutput("a draft", 80), true},
		{"empty text", textOutput("   ", 80), false},
		{"valid json", domain.StageOutput{Content: domain.Content{Kind: domain.ContentStructured, Body: `{"a":1}`}, Valid: true}, true},
		{"broken json", domain.StageOutput{Content: domain.Content{Kind: domain.ContentStructured, Body: `{"a":`}, Valid: true}, false},
		{"file without uri", domain.StageOutput{Content: domain.Content{Kind: domain.ContentFile}, Valid: true}, false},
		{"unknown kind", domain.StageOutput{Content: domain.Content{Kind: "video"}, Valid: true}, false},
		{"marked invalid", domain.StageOutput{Content: domain.Content{Kind: domain.ContentText, Body: "x"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := gate.Validate(tt.output, pc)
			assert.Equal(t, tt.passed, check.Passed)
			assert.Equal(t, GateFormatConsistency, check.Gate)
			if !tt.passed {
				assert.NotEmpty(t, check.Issues)
				assert.Less(t, check.Score, 100.0)
			}
		})
	}
}

func TestMinimumQuality(t *testing.T) {
	gate := MinimumQuality(70)
	pc := domain.NewProjectContext(nil)

	assert.True(t, gate.Validate(textOutput("x", 70), pc).Passed)

	check := gate.Validate(textOutput("x", 69.5), pc)
	assert.False(t, check.Passed)
	assert.Equal(t, 69.5, check.Score)
	assert.Len(t, check.Issues, 1)
}

func TestCharacterConsistency(t *testing.T) {
	gate := CharacterConsistency()
	pc := domain.NewProjectContext(nil)
	pc.Characters["Mara"] = "a retired pilot"

	out := textOutput("scene", 90)
	out.Declares.Characters = map[string]string{"Mara": "A retired pilot ", "Ivo": "her nephew"}
	assert.True(t, gate.Validate(out, pc).Passed, "matching and new characters pass")

	out.Declares.Characters = map[string]string{"Mara": "a young chef"}
	check := gate.Validate(out, pc)
	assert.False(t, check.Passed)
	assert.Contains(t, check.Issues[0], "Mara")
}

func TestLengthFloor(t *testing.T) {
	gate := LengthFloor(4)
	pc := domain.NewProjectContext(nil)

	assert.True(t, gate.Validate(textOutput("one two three four", 80), pc).Passed)

	check := gate.Validate(textOutput("one two", 80), pc)
	assert.False(t, check.Passed)
	assert.Equal(t, 50.0, check.Score)
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(60)
	r.Register(LengthFloor(10))
	r.Register(CharacterConsistency())
	r.BindWorker("script_writer", domain.GateBinding{Name: GateCharacterConsistency, Required: true})

	bindings, err := r.Resolve("script_writer", []domain.GateBinding{
		{Name: GateLengthFloor, Required: false},
		{Name: GateMinimumQuality, Required: false},
	})
	require.NoError(t, err)

	names := make([]string, len(bindings))
	for i, b := range bindings {
		names[i] = b.Name
	}
	assert.Equal(t, []string{GateFormatConsistency, GateMinimumQuality, GateCharacterConsistency, GateLengthFloor}, names)
	assert.False(t, bindings[1].Required, "stage binding overrides the universal required flag")

	_, err = r.Resolve("writer", []domain.GateBinding{{Name: "nope"}})
	assert.ErrorIs(t, err, ErrUnknownGate)
}

func TestRegistry_Evaluate(t *testing.T) {
	r := NewRegistry(60)
	r.Register(LengthFloor(5))
	pc := domain.NewProjectContext(nil)

	bindings := []domain.GateBinding{
		{Name: GateFormatConsistency, Required: true},
		{Name: GateMinimumQuality, Required: true},
		{Name: GateLengthFloor, Required: false},
	}

	t.Run("optional failure does not block", func(t *testing.T) {
		eval, err := r.Evaluate(bindings, textOutput("short draft", 80), pc, nil)
		require.NoError(t, err)
		assert.True(t, eval.Passed)
		assert.Empty(t, eval.Blocking)
		assert.Len(t, eval.Issues, 1)
		assert.Contains(t, eval.Issues[0], GateLengthFloor)
		assert.NotEmpty(t, eval.Suggestions)
	})

	t.Run("required failure blocks", func(t *testing.T) {
		eval, err := r.Evaluate(bindings, textOutput("one two three four five", 10), pc, nil)
		require.NoError(t, err)
		assert.False(t, eval.Passed)
		assert.Equal(t, []string{GateMinimumQuality}, eval.Blocking)
	})

	t.Run("caller check is required", func(t *testing.T) {
		caller := &domain.QualityCheck{Passed: false, Score: 20, Issues: []string{"tone is off"}}
		eval, err := r.Evaluate(bindings, textOutput("one two three four five", 90), pc, caller)
		require.NoError(t, err)
		assert.False(t, eval.Passed)
		assert.Equal(t, []string{callerGate}, eval.Blocking)
		assert.Contains(t, eval.Issues, "caller: tone is off")
		assert.InDelta(t, (100.0+90+100+20)/4, eval.Score, 0.001)
	})
}
