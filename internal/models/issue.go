package models

import "time"

// IssueState represents where an issue sits in the workflow state machine.
type IssueState string

const (
	IssueStatePending    IssueState = "pending"
	IssueStateOpen       IssueState = "open"
	IssueStateInProgress IssueState = "in_progress"
	IssueStateDone       IssueState = "done"
	IssueStateRevert     IssueState = "revert"
	IssueStateClosed     IssueState = "closed"
)

// Valid reports whether s is one of the defined states.
func (s IssueState) Valid() bool {
	switch s {
	case IssueStatePending, IssueStateOpen, IssueStateInProgress,
		IssueStateDone, IssueStateRevert, IssueStateClosed:
		return true
	}
	return false
}

// IssueType represents the kind of work an issue calls for.
type IssueType string

const (
	IssueTypeBugfix        IssueType = "bugfix"
	IssueTypeFeature       IssueType = "feature"
	IssueTypeDocumentation IssueType = "documentation"
)

// Valid reports whether t is a defined type. The empty string is allowed
// (type is optional until a worker or the classifier sets it).
func (t IssueType) Valid() bool {
	switch t {
	case "", IssueTypeBugfix, IssueTypeFeature, IssueTypeDocumentation:
		return true
	}
	return false
}

// IssueEffort represents the estimated effort to resolve an issue.
type IssueEffort string

const (
	IssueEffortLow      IssueEffort = "low"
	IssueEffortMedium   IssueEffort = "medium"
	IssueEffortHigh     IssueEffort = "high"
	IssueEffortCritical IssueEffort = "critical"
)

// Valid reports whether e is a defined effort. The empty string is allowed.
func (e IssueEffort) Valid() bool {
	switch e {
	case "", IssueEffortLow, IssueEffortMedium, IssueEffortHigh, IssueEffortCritical:
		return true
	}
	return false
}

// Issue is a deduplicated log entry progressing through the workflow.
// Identity is a ULID, stable across all state transitions; merges delete the
// source issue and leave a DuplicateEdge behind.
type Issue struct {
	ID            string
	ApplicationID string
	Timestamp     time.Time
	Message       string
	Context       Context
	Screenshots   []string
	State         IssueState
	ReopenCount   int

	// Issue-management fields, optional until set by workers or the classifier.
	Plan      string
	Type      IssueType
	Effort    IssueEffort
	LLMOutput string

	// Completion fields, set when the issue reaches done.
	LLMMessage string
	GitCommit  string
	Statistics Context

	RevertReason string

	StartedAt   *time.Time
	CompletedAt *time.Time
	ReopenedAt  *time.Time
	RevertedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Embedding is nil while the issue is pending; EmbeddingModel names the
	// provider model that produced it.
	Embedding      []float32
	EmbeddingModel string
}

// ExactKey returns the equality key used for exact-duplicate detection:
// the message, concatenated with context.message when present.
func (i *Issue) ExactKey() string {
	return ExactKey(i.Message, i.Context)
}

// ExactKey builds the exact-duplicate key for a message and its context.
func ExactKey(message string, ctx Context) string {
	if ctx != nil {
		if cm, ok := ctx["message"].(string); ok && cm != "" {
			return message + "\n" + cm
		}
	}
	return message
}
