package domain

import "time"

// KeyDecision is one entry of the project's decision log.
type KeyDecision struct {
	ID      string    `json:"id"`
	Stage   string    `json:"stage"`
	Worker  string    `json:"worker"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// ProjectContext is the append-only memory shared by every stage of a workflow.
type ProjectContext struct {
	KeyDecisions    []KeyDecision     `json:"key_decisions"`
	Characters      map[string]string `json:"characters"`
	Themes          map[string]string `json:"themes"`
	ToneSummary     string            `json:"tone_summary"`
	UserPreferences []string          `json:"user_preferences"`
	Summary         string            `json:"summary"`
}

// NewProjectContext returns an empty context seeded with user preferences.
func NewProjectContext(preferences []string) ProjectContext {
	return ProjectContext{
		KeyDecisions:    []KeyDecision{},
		Characters:      make(map[string]string),
		Themes:          make(map[string]string),
		UserPreferences: cloneStrings(preferences),
	}
}

// Clone returns a deep copy of the context.
func (c ProjectContext) Clone() ProjectContext {
	out := c
	if c.KeyDecisions != nil {
		out.KeyDecisions = make([]KeyDecision, len(c.KeyDecisions))
		copy(out.KeyDecisions, c.KeyDecisions)
	}
	out.Characters = cloneMap(c.Characters)
	out.Themes = cloneMap(c.Themes)
	out.UserPreferences = cloneStrings(c.UserPreferences)
	return out
}
