package stages

import (
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
)

// Worker identities used by the built-in formats.
const (
	WorkerStrategist   = "strategist"
	WorkerResearcher   = "researcher"
	WorkerWriter       = "writer"
	WorkerScriptWriter = "script_writer"
	WorkerEditor       = "editor"
	WorkerCopywriter   = "copywriter"
)

func builtinFormats() []Format {
	return []Format{
		{
			ID:          "article",
			Description: "Long-form article: brief, research, draft, edit",
			Stages: []Definition{
				{Name: "brief", Worker: WorkerStrategist, EstimatedDuration: 20 * time.Minute},
				{Name: "research", Worker: WorkerResearcher, Requires: []string{"brief"}, EstimatedDuration: 30 * time.Minute},
				{
					Name:              "draft",
					Worker:            WorkerWriter,
					Requires:          []string{"research"},
					Gates:             []domain.GateBinding{{Name: "length_floor", Required: false}},
					EstimatedDuration: 45 * time.Minute,
				},
				{Name: "edit", Worker: WorkerEditor, Requires: []string{"draft"}, EstimatedDuration: 20 * time.Minute},
			},
		},
		{
			ID:          "video_script",
			Description: "Short video: concept, script, review",
			Stages: []Definition{
				{Name: "concept", Worker: WorkerStrategist, EstimatedDuration: 20 * time.Minute},
				{Name: "script", Worker: WorkerScriptWriter, Requires: []string{"concept"}, EstimatedDuration: time.Hour},
				{Name: "review", Worker: WorkerEditor, Requires: []string{"script"}, EstimatedDuration: 20 * time.Minute},
			},
		},
		{
			ID:          "podcast",
			Description: "Podcast episode: outline, script, polish",
			Stages: []Definition{
				{Name: "outline", Worker: WorkerStrategist, EstimatedDuration: 15 * time.Minute},
				{Name: "script", Worker: WorkerScriptWriter, Requires: []string{"outline"}, EstimatedDuration: 45 * time.Minute},
				{Name: "polish", Worker: WorkerEditor, Requires: []string{"script"}, EstimatedDuration: 15 * time.Minute},
			},
		},
		{
			ID:          "social_campaign",
			Description: "Social campaign: strategy, copy",
			Stages: []Definition{
				{Name: "strategy", Worker: WorkerStrategist, EstimatedDuration: 15 * time.Minute},
				{Name: "copy", Worker: WorkerCopywriter, Requires: []string{"strategy"}, EstimatedDuration: 20 * time.Minute},
			},
		},
	}
}
