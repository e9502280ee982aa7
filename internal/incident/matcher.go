// Package incident implements known-error classification and the
// open-incident-per-(Upload,stage) bookkeeping the pipeline executor
// reports failures into.
package incident

import (
	"context"
	"fmt"
	"sort"

	"batchops/internal/domain"
)

// Matcher checks a stage failure message against the catalogued
// KnownError signatures, in priority order (earliest created first).
type Matcher struct {
	repo domain.KnownErrorRepo
}

// NewMatcher builds a Matcher backed by repo.
func NewMatcher(repo domain.KnownErrorRepo) *Matcher {
	return &Matcher{repo: repo}
}

// Match returns the highest-priority KnownError whose pattern matches msg,
// or nil if none do.
func (m *Matcher) Match(ctx context.Context, msg string) (*domain.KnownError, error) {
	known, err := m.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list known errors: %w", err)
	}

	sort.SliceStable(known, func(i, j int) bool { return known[i].CreatedAt.Before(known[j].CreatedAt) })

	for _, ke := range known {
		if ke.Matches(msg) {
			return ke, nil
		}
	}
	return nil, nil
}
