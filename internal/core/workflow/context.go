package workflow

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vietddude/maestro/internal/core/domain"
)

const defaultSummaryLimit = 4000

// applyDeclarations folds an accepted output into the project context.
// Existing registry entries and decisions are never rewritten.
func applyDeclarations(
	pc *domain.ProjectContext,
	stage *domain.Stage,
	out domain.StageOutput,
	now time.Time,
	summaryLimit int,
) {
	if pc.Characters == nil {
		pc.Characters = make(map[string]string)
	}
	if pc.Themes == nil {
		pc.Themes = make(map[string]string)
	}
	for name, desc := range out.Declares.Characters {
		if _, ok := pc.Characters[name]; !ok {
			pc.Characters[name] = desc
		}
	}
	for name, desc := range out.Declares.Themes {
		if _, ok := pc.Themes[name]; !ok {
			pc.Themes[name] = desc
		}
	}

	decision := strings.TrimSpace(out.Declares.Decision)
	if decision == "" {
		decision = fmt.Sprintf("%s completed by %s", stage.Name, stage.Worker)
	}
	pc.KeyDecisions = append(pc.KeyDecisions, domain.KeyDecision{
		ID:      uuid.New().String(),
		Stage:   stage.Name,
		Worker:  stage.Worker,
		Summary: decision,
		At:      now,
	})

	if tone := strings.TrimSpace(out.Declares.Tone); tone != "" {
		pc.ToneSummary = rollingAppend(pc.ToneSummary, stage.Name+": "+tone, "; ", summaryLimit)
	}
	if summary := strings.TrimSpace(out.Declares.Summary); summary != "" {
		pc.Summary = rollingAppend(pc.Summary, "["+stage.Name+"] "+summary, "\n", summaryLimit)
	}
}

// rollingAppend appends entry and keeps at most limit bytes from the tail.
func rollingAppend(s, entry, sep string, limit int) string {
	if s != "" {
		s += sep
	}
	s += entry
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
