package api

import (
	"time"

	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
)

// Wire types live here so the models stay tag-free. Issue JSON uses
// camelCase names throughout.

type issueJSON struct {
	ID            string         `json:"id"`
	ApplicationID string         `json:"applicationId"`
	Timestamp     time.Time      `json:"timestamp"`
	Message       string         `json:"message"`
	Context       models.Context `json:"context,omitempty"`
	Screenshots   []string       `json:"screenshots,omitempty"`
	State         string         `json:"state"`
	ReopenCount   int            `json:"reopenCount"`

	Plan      string `json:"plan,omitempty"`
	Type      string `json:"type,omitempty"`
	Effort    string `json:"effort,omitempty"`
	LLMOutput string `json:"llmOutput,omitempty"`

	LLMMessage string         `json:"llmMessage,omitempty"`
	GitCommit  string         `json:"gitCommit,omitempty"`
	Statistics models.Context `json:"statistics,omitempty"`

	RevertReason string `json:"revertReason,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ReopenedAt  *time.Time `json:"reopenedAt,omitempty"`
	RevertedAt  *time.Time `json:"revertedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	HasEmbedding   bool   `json:"hasEmbedding"`
	EmbeddingModel string `json:"embeddingModel,omitempty"`
}

func renderIssue(issue *models.Issue) issueJSON {
	return issueJSON{
		ID:             issue.ID,
		ApplicationID:  issue.ApplicationID,
		Timestamp:      issue.Timestamp,
		Message:        issue.Message,
		Context:        issue.Context,
		Screenshots:    issue.Screenshots,
		State:          string(issue.State),
		ReopenCount:    issue.ReopenCount,
		Plan:           issue.Plan,
		Type:           string(issue.Type),
		Effort:         string(issue.Effort),
		LLMOutput:      issue.LLMOutput,
		LLMMessage:     issue.LLMMessage,
		GitCommit:      issue.GitCommit,
		Statistics:     issue.Statistics,
		RevertReason:   issue.RevertReason,
		StartedAt:      issue.StartedAt,
		CompletedAt:    issue.CompletedAt,
		ReopenedAt:     issue.ReopenedAt,
		RevertedAt:     issue.RevertedAt,
		CreatedAt:      issue.CreatedAt,
		UpdatedAt:      issue.UpdatedAt,
		HasEmbedding:   issue.Embedding != nil,
		EmbeddingModel: issue.EmbeddingModel,
	}
}

func renderIssues(issues []*models.Issue) []issueJSON {
	out := make([]issueJSON, len(issues))
	for i, issue := range issues {
		out[i] = renderIssue(issue)
	}
	return out
}

type patternJSON struct {
	ID            int64     `json:"id"`
	Pattern       string    `json:"pattern"`
	Type          string    `json:"type"`
	ApplicationID string    `json:"applicationId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func renderPattern(p *models.BlacklistPattern) patternJSON {
	return patternJSON{
		ID:            p.ID,
		Pattern:       p.Pattern,
		Type:          string(p.Type),
		ApplicationID: p.ApplicationID,
		Reason:        p.Reason,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func renderPatterns(patterns []*models.BlacklistPattern) []patternJSON {
	out := make([]patternJSON, len(patterns))
	for i, p := range patterns {
		out[i] = renderPattern(p)
	}
	return out
}

type edgeJSON struct {
	ID              int64     `json:"id"`
	OriginalLogID   string    `json:"originalLogId"`
	DuplicateLogID  string    `json:"duplicateLogId"`
	SimilarityScore float64   `json:"similarityScore"`
	DetectedAt      time.Time `json:"detectedAt"`
}

func renderEdges(edges []*models.DuplicateEdge) []edgeJSON {
	out := make([]edgeJSON, len(edges))
	for i, e := range edges {
		out[i] = edgeJSON{
			ID:              e.ID,
			OriginalLogID:   e.OriginalLogID,
			DuplicateLogID:  e.DuplicateLogID,
			SimilarityScore: e.SimilarityScore,
			DetectedAt:      e.DetectedAt,
		}
	}
	return out
}

type similarJSON struct {
	Issue      issueJSON `json:"issue"`
	Similarity float64   `json:"similarity"`
}

func renderSimilar(similar []store.SimilarIssue) []similarJSON {
	out := make([]similarJSON, len(similar))
	for i, s := range similar {
		out[i] = similarJSON{Issue: renderIssue(s.Issue), Similarity: s.Similarity}
	}
	return out
}
