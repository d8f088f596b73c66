package models

import "time"

// PatternType selects how a blacklist pattern matches messages.
type PatternType string

const (
	PatternTypeExact     PatternType = "exact"
	PatternTypeSubstring PatternType = "substring"
	PatternTypeRegex     PatternType = "regex"
)

// Valid reports whether t is a defined pattern type.
func (t PatternType) Valid() bool {
	switch t {
	case PatternTypeExact, PatternTypeSubstring, PatternTypeRegex:
		return true
	}
	return false
}

// BlacklistPattern blocks admissions whose message matches it.
// An empty ApplicationID makes the pattern global.
type BlacklistPattern struct {
	ID            int64
	Pattern       string
	Type          PatternType
	ApplicationID string
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Global reports whether the pattern applies to every application.
func (p *BlacklistPattern) Global() bool {
	return p.ApplicationID == ""
}
