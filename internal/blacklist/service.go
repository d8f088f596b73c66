package blacklist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/logsink/logsink/internal/models"
	"github.com/logsink/logsink/internal/store"
)

// IssueCloser applies the close transition, including its side effects
// (screenshot deletion). The lifecycle engine satisfies it.
type IssueCloser interface {
	Close(ctx context.Context, id string) (*models.Issue, error)
}

// Service owns blacklist mutations. Every write goes through here so the
// cache is refreshed in the same call, and so the auto-close policy runs
// where the pattern changed.
type Service struct {
	store     store.Store
	cache     *Cache
	autoClose bool
	closer    IssueCloser
	logger    zerolog.Logger
}

// NewService wires the blacklist. closer may be nil, which disables the
// auto-close policy regardless of autoClose.
func NewService(st store.Store, cache *Cache, autoClose bool, closer IssueCloser, logger zerolog.Logger) *Service {
	return &Service{store: st, cache: cache, autoClose: autoClose, closer: closer, logger: logger}
}

// Cache exposes the underlying cache for read paths (admission, probes).
func (s *Service) Cache() *Cache {
	return s.cache
}

// Check matches a message against the current snapshot.
func (s *Service) Check(ctx context.Context, applicationID, message string) (*models.BlacklistPattern, error) {
	return s.cache.Match(ctx, applicationID, message)
}

func validatePattern(p *models.BlacklistPattern) error {
	if p.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("invalid pattern type: %s", p.Type)
	}
	return nil
}

// Add creates a pattern, refreshes the cache, and applies the auto-close
// policy for application-scoped patterns.
func (s *Service) Add(ctx context.Context, p *models.BlacklistPattern) error {
	if err := validatePattern(p); err != nil {
		return err
	}
	if err := s.store.CreateBlacklistPattern(ctx, p); err != nil {
		return err
	}
	s.refresh(ctx)
	s.applyAutoClose(ctx, p)
	return nil
}

// Update rewrites a pattern, refreshes the cache, and re-applies auto-close.
func (s *Service) Update(ctx context.Context, p *models.BlacklistPattern) error {
	if err := validatePattern(p); err != nil {
		return err
	}
	if err := s.store.UpdateBlacklistPattern(ctx, p); err != nil {
		return err
	}
	s.refresh(ctx)
	s.applyAutoClose(ctx, p)
	return nil
}

// Remove deletes a pattern by id and refreshes the cache.
func (s *Service) Remove(ctx context.Context, id int64) error {
	if err := s.store.DeleteBlacklistPattern(ctx, id); err != nil {
		return err
	}
	s.refresh(ctx)
	return nil
}

// Clear deletes all patterns, or all patterns of one application.
func (s *Service) Clear(ctx context.Context, applicationID string) (int64, error) {
	n, err := s.store.ClearBlacklist(ctx, applicationID)
	if err != nil {
		return 0, err
	}
	s.refresh(ctx)
	return n, nil
}

// Get returns a single pattern by id.
func (s *Service) Get(ctx context.Context, id int64) (*models.BlacklistPattern, error) {
	return s.store.GetBlacklistPattern(ctx, id)
}

// List returns stored patterns, optionally restricted to one application.
func (s *Service) List(ctx context.Context, applicationID string) ([]*models.BlacklistPattern, error) {
	return s.store.ListBlacklistPatterns(ctx, applicationID)
}

// Refresh forces a cache rebuild.
func (s *Service) Refresh(ctx context.Context) error {
	return s.cache.Refresh(ctx)
}

func (s *Service) refresh(ctx context.Context) {
	if err := s.cache.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("blacklist cache refresh after mutation failed")
	}
}

// applyAutoClose closes existing issues whose message matches a freshly added
// or updated pattern. Closing goes through the lifecycle engine so the close
// effects apply, screenshot removal in particular. Global patterns are
// excluded: scanning every issue in every application on each global mutation
// is unbounded work, so the policy is scoped per application.
func (s *Service) applyAutoClose(ctx context.Context, p *models.BlacklistPattern) {
	if !s.autoClose || s.closer == nil || p.Global() {
		return
	}

	cp := compilePattern(p, s.logger)
	issues, err := s.store.ListIssues(ctx, store.IssueFilter{
		ApplicationID: p.ApplicationID,
		States: []models.IssueState{
			models.IssueStatePending,
			models.IssueStateOpen,
			models.IssueStateInProgress,
			models.IssueStateDone,
			models.IssueStateRevert,
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("application_id", p.ApplicationID).
			Msg("auto-close scan failed")
		return
	}

	closed := 0
	for _, issue := range issues {
		if !cp.matches(issue.Message) {
			continue
		}
		if _, err := s.closer.Close(ctx, issue.ID); err != nil {
			s.logger.Warn().Err(err).Str("issue_id", issue.ID).
				Msg("auto-close transition failed")
			continue
		}
		closed++
	}
	if closed > 0 {
		s.logger.Info().
			Int("closed", closed).
			Str("application_id", p.ApplicationID).
			Str("pattern", p.Pattern).
			Msg("auto-closed blacklisted issues")
	}
}

// Statistics summarizes the stored patterns and cache freshness.
type Statistics struct {
	TotalPatterns       int            `json:"totalPatterns"`
	GlobalPatterns      int            `json:"globalPatterns"`
	ApplicationPatterns int            `json:"applicationPatterns"`
	ByType              map[string]int `json:"byType"`
	CacheRefreshedAt    time.Time      `json:"cacheRefreshedAt"`
}

func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	patterns, err := s.store.ListBlacklistPatterns(ctx, "")
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		ByType:           map[string]int{},
		CacheRefreshedAt: s.cache.LastRefresh(),
	}
	for _, p := range patterns {
		stats.TotalPatterns++
		if p.Global() {
			stats.GlobalPatterns++
		} else {
			stats.ApplicationPatterns++
		}
		stats.ByType[string(p.Type)]++
	}
	return stats, nil
}
