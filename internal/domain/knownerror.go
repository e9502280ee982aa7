package domain

import (
	"context"
	"regexp"
	"time"
)

// KnownError is a catalogued failure signature the matcher checks incoming
// stage failures against before falling back to a manual, unclassified
// incident. Its Severity/Category/CorrectiveAction/RootCause are the
// suggested classification an Incident inherits on a match.
type KnownError struct {
	ID               string
	Name             string
	Pattern          string // regular expression matched against the failure message
	Description      string
	Severity         Severity
	Category         FailureCategory
	CorrectiveAction string
	RootCause        string
	AutoRetry        bool
	MaxAutoRetries   int
	CreatedAt        time.Time

	compiled *regexp.Regexp
}

// Compile parses Pattern into a usable regexp, caching the result on the
// value. Callers must call Compile once after loading a KnownError from
// storage and before calling Matches.
func (k *KnownError) Compile() error {
	re, err := regexp.Compile(k.Pattern)
	if err != nil {
		return err
	}
	k.compiled = re
	return nil
}

// Matches reports whether msg satisfies this KnownError's pattern.
func (k *KnownError) Matches(msg string) bool {
	if k.compiled == nil {
		if err := k.Compile(); err != nil {
			return false
		}
	}
	return k.compiled.MatchString(msg)
}

// KnownErrorRepo persists the catalog of KnownError signatures.
type KnownErrorRepo interface {
	Create(ctx context.Context, ke *KnownError) error
	Get(ctx context.Context, id string) (*KnownError, error)
	List(ctx context.Context) ([]*KnownError, error)
}
