// Package health scores an application's issue hygiene for the status CLI.
package health

import (
	"time"

	"github.com/logsink/logsink/internal/models"
)

// Score represents the computed hygiene of one application's backlog.
type Score struct {
	ApplicationID string

	Total           int
	BacklogPressure int // 0-25
	ReopenChurn     int // 0-25
	PendingDrain    int // 0-20
	ResolutionRatio int // 0-20
	ActivityRecency int // 0-10
}

// Scorer computes hygiene scores for applications.
type Scorer struct{}

// NewScorer returns a new health Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score computes a hygiene score (0-100) from the application's issues.
func (s *Scorer) Score(applicationID string, issues []*models.Issue) *Score {
	h := &Score{ApplicationID: applicationID}

	// Backlog pressure (25 pts) - fewer open/revert issues relative to total
	h.BacklogPressure = scoreBacklog(issues, 25)

	// Reopen churn (25 pts) - issues that keep coming back drag the score
	h.ReopenChurn = scoreChurn(issues, 25)

	// Pending drain (20 pts) - a growing pending queue means the embedding
	// worker is behind or failing
	h.PendingDrain = scorePending(issues, 20)

	// Resolution ratio (20 pts) - share of issues that reached done/closed
	h.ResolutionRatio = scoreResolution(issues, 20)

	// Activity recency (10 pts) - recent admissions mean the app is wired up
	h.ActivityRecency = scoreRecency(latestTimestamp(issues), 10)

	h.Total = h.BacklogPressure + h.ReopenChurn + h.PendingDrain +
		h.ResolutionRatio + h.ActivityRecency
	return h
}

func scoreBacklog(issues []*models.Issue, maxPoints int) int {
	if len(issues) == 0 {
		return maxPoints
	}
	open := 0
	for _, i := range issues {
		switch i.State {
		case models.IssueStateOpen, models.IssueStateRevert, models.IssueStateInProgress:
			open++
		}
	}
	ratio := float64(open) / float64(len(issues))
	return int(float64(maxPoints) * (1 - ratio*0.8))
}

func scoreChurn(issues []*models.Issue, maxPoints int) int {
	if len(issues) == 0 {
		return maxPoints
	}
	reopens := 0
	for _, i := range issues {
		reopens += i.ReopenCount
	}
	avg := float64(reopens) / float64(len(issues))
	switch {
	case avg < 0.5:
		return maxPoints
	case avg < 1:
		return int(float64(maxPoints) * 0.8)
	case avg < 2:
		return int(float64(maxPoints) * 0.6)
	case avg < 4:
		return int(float64(maxPoints) * 0.3)
	default:
		return int(float64(maxPoints) * 0.1)
	}
}

func scorePending(issues []*models.Issue, maxPoints int) int {
	pending := 0
	for _, i := range issues {
		if i.State == models.IssueStatePending {
			pending++
		}
	}
	switch {
	case pending == 0:
		return maxPoints
	case pending <= 5:
		return int(float64(maxPoints) * 0.7)
	case pending <= 20:
		return int(float64(maxPoints) * 0.4)
	default:
		return int(float64(maxPoints) * 0.1)
	}
}

func scoreResolution(issues []*models.Issue, maxPoints int) int {
	if len(issues) == 0 {
		return maxPoints
	}
	resolved := 0
	for _, i := range issues {
		if i.State == models.IssueStateDone || i.State == models.IssueStateClosed {
			resolved++
		}
	}
	ratio := float64(resolved) / float64(len(issues))
	return int(float64(maxPoints) * ratio)
}

// scoreRecency converts time since the last admission to points.
func scoreRecency(t time.Time, maxPoints int) int {
	if t.IsZero() {
		return 0
	}
	days := int(time.Since(t).Hours() / 24)
	switch {
	case days <= 1:
		return maxPoints
	case days <= 7:
		return int(float64(maxPoints) * 0.75)
	case days <= 30:
		return int(float64(maxPoints) * 0.4)
	default:
		return int(float64(maxPoints) * 0.1)
	}
}

func latestTimestamp(issues []*models.Issue) time.Time {
	var latest time.Time
	for _, i := range issues {
		if i.Timestamp.After(latest) {
			latest = i.Timestamp
		}
	}
	return latest
}
