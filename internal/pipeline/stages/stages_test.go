package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/maestro/internal/core/domain"
)

func TestCatalog_BuiltinsAreValid(t *testing.T) {
	c := NewCatalog(false)
	formats := c.Formats()
	require.Len(t, formats, 4)
	for _, f := range formats {
		assert.NoError(t, f.Validate(), f.ID)
	}
}

func TestCatalog_UnknownFormat(t *testing.T) {
	_, _, err := NewCatalog(false).Build("opera", nil)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	f, stages, err := NewCatalog(true).Build("opera", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFormat, f.ID)
	assert.Len(t, stages, 4)
}

func TestCatalog_Build(t *testing.T) {
	f, stages, err := NewCatalog(false).Build("video_script", nil)
	require.NoError(t, err)
	assert.Equal(t, "video_script", f.ID)

	require.Len(t, stages, 3)
	for _, s := range stages {
		assert.Equal(t, domain.StageStatusNotStarted, s.Status)
	}
	assert.Equal(t, []string{"concept"}, stages[1].Requires)
}

func TestCatalog_BuildFiltersWorkers(t *testing.T) {
	_, stages, err := NewCatalog(false).Build("article", []string{WorkerWriter, WorkerEditor})
	require.NoError(t, err)

	require.Len(t, stages, 2)
	assert.Equal(t, "draft", stages[0].Name)
	assert.Empty(t, stages[0].Requires, "requirement on a dropped stage is pruned")
	assert.Equal(t, []string{"draft"}, stages[1].Requires)

	_, _, err = NewCatalog(false).Build("article", []string{"illustrator"})
	assert.ErrorIs(t, err, ErrNoEligibleStages)
}

func TestCatalog_Register(t *testing.T) {
	c := NewCatalog(false)

	err := c.Register(Format{ID: "haiku", Stages: []Definition{{Name: "verse", Worker: WorkerWriter}}})
	require.NoError(t, err)
	_, err = c.Lookup("haiku")
	assert.NoError(t, err)

	tests := []struct {
		name string
		f    Format
	}{
		{"missing id", Format{Stages: []Definition{{Name: "a", Worker: "w"}}}},
		{"no stages", Format{ID: "x"}},
		{"missing worker", Format{ID: "x", Stages: []Definition{{Name: "a"}}}},
		{"duplicate stage", Format{ID: "x", Stages: []Definition{{Name: "a", Worker: "w"}, {Name: "a", Worker: "w"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.Register(tt.f), ErrInvalidFormat)
		})
	}
}
