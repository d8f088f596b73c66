package models

import "time"

// DuplicateEdge records that a duplicate log was folded into an original
// issue. Edges are append-only history; the duplicate side usually refers to
// an issue deleted by the merge that recorded the edge.
type DuplicateEdge struct {
	ID              int64
	OriginalLogID   string
	DuplicateLogID  string
	SimilarityScore float64
	DetectedAt      time.Time
}
