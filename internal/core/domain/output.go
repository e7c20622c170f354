package domain

import "time"

// ContentKind tags the opaque payload of a StageOutput.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentStructured ContentKind = "structured"
	ContentFile       ContentKind = "file"
)

// Content is the artifact produced by a worker. The engine never interprets Body.
type Content struct {
	Kind ContentKind `json:"kind"`
	Body string      `json:"body,omitempty"`
	URI  string      `json:"uri,omitempty"`
}

// Declarations are the entities and decisions an output introduces into
// the shared project context.
type Declarations struct {
	Characters map[string]string `json:"characters,omitempty"`
	Themes     map[string]string `json:"themes,omitempty"`
	Decision   string            `json:"decision,omitempty"`
	Tone       string            `json:"tone,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Provides   []string          `json:"provides,omitempty"`
}

// StageOutput is an immutable record of one artifact produced by a stage.
type StageOutput struct {
	ID           string       `json:"id"`
	Stage        string       `json:"stage"`
	Worker       string       `json:"worker"`
	Content      Content      `json:"content"`
	Valid        bool         `json:"valid"`
	QualityScore float64      `json:"quality_score"`
	Declares     Declarations `json:"declares"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (o StageOutput) clone() StageOutput {
	c := o
	c.Declares.Characters = cloneMap(o.Declares.Characters)
	c.Declares.Themes = cloneMap(o.Declares.Themes)
	c.Declares.Provides = cloneStrings(o.Declares.Provides)
	return c
}

// QualityCheck is the transient verdict of one quality gate.
type QualityCheck struct {
	Gate        string   `json:"gate,omitempty"`
	Passed      bool     `json:"passed"`
	Score       float64  `json:"score"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}
