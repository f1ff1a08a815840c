// Package eligibility decides whether an asset should be migrated or
// optimized right now. Migration, optimization, the background queue and the
// diagnostics endpoint all go through the same Filter so they never disagree.
//
// The filter is pure: it only looks at the WorkItem snapshot it is given and
// at its injected clock. Callers must build snapshots from fresh facts.
package eligibility

import (
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-media/config"
	"github.com/Yulian302/lfusys-services-media/models"
)

type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonMissingFile     Reason = "missing_file"
	ReasonEmptyFile       Reason = "empty_file"
	ReasonUnreadable      Reason = "unreadable"
	ReasonUnsupportedMime Reason = "unsupported_mime"
	ReasonTooLarge        Reason = "too_large"
	ReasonTooSmall        Reason = "too_small"
	ReasonAlreadyMigrated Reason = "already_migrated"
	ReasonRemote          Reason = "remote"
	ReasonCooldown        Reason = "cooldown"
	ReasonQueued          Reason = "queued"
)

func (r Reason) String() string { return string(r) }

type Decision struct {
	Eligible bool   `json:"eligible"`
	Reason   Reason `json:"reason"`
}

func eligible() Decision          { return Decision{Eligible: true, Reason: ReasonOK} }
func reject(r Reason) Decision    { return Decision{Reason: r} }
func (d Decision) String() string { return d.Reason.String() }

type Rules struct {
	MigrationMimeTypes []string
	MaxMigrationSize   int64

	OptimizationMimeTypes []string
	// MinOptimizationSize is exclusive: files of exactly this size are not
	// worth optimizing.
	MinOptimizationSize int64
	// MaxOptimizationSize is inclusive.
	MaxOptimizationSize  int64
	OptimizationCooldown time.Duration
}

func RulesFromConfig(c config.EligibilityConfig) Rules {
	return Rules{
		MigrationMimeTypes:    c.MigrationMimeTypes,
		MaxMigrationSize:      c.MaxMigrationSize,
		OptimizationMimeTypes: c.OptimizationMimeTypes,
		MinOptimizationSize:   c.MinOptimizationSize,
		MaxOptimizationSize:   c.MaxOptimizationSize,
		OptimizationCooldown:  c.OptimizationCooldown,
	}
}

type Filter struct {
	rules         Rules
	migrationMime map[string]struct{}
	rasterMime    map[string]struct{}
	now           func() time.Time
}

func NewFilter(rules Rules) *Filter {
	return NewFilterWithClock(rules, time.Now)
}

func NewFilterWithClock(rules Rules, now func() time.Time) *Filter {
	return &Filter{
		rules:         rules,
		migrationMime: toSet(rules.MigrationMimeTypes),
		rasterMime:    toSet(rules.OptimizationMimeTypes),
		now:           now,
	}
}

func (f *Filter) Rules() Rules { return f.rules }

// Check dispatches to the predicate for kind.
func (f *Filter) Check(kind models.SessionKind, item models.WorkItem) (Decision, error) {
	switch kind {
	case models.KindMigration:
		return f.MigrationEligible(item), nil
	case models.KindOptimization:
		return f.OptimizationEligible(item), nil
	}
	return Decision{}, fmt.Errorf("eligibility: unknown kind %q", kind)
}

func (f *Filter) MigrationEligible(item models.WorkItem) Decision {
	if d, ok := checkFile(item); !ok {
		return d
	}
	if item.Migrated {
		return reject(ReasonAlreadyMigrated)
	}
	if _, ok := f.migrationMime[item.MimeType]; !ok {
		return reject(ReasonUnsupportedMime)
	}
	if item.Size > f.rules.MaxMigrationSize {
		return reject(ReasonTooLarge)
	}
	return eligible()
}

func (f *Filter) OptimizationEligible(item models.WorkItem) Decision {
	if d, ok := checkFile(item); !ok {
		return d
	}
	if item.Remote {
		return reject(ReasonRemote)
	}
	if _, ok := f.rasterMime[item.MimeType]; !ok {
		return reject(ReasonUnsupportedMime)
	}
	if item.Size <= f.rules.MinOptimizationSize {
		return reject(ReasonTooSmall)
	}
	if item.Size > f.rules.MaxOptimizationSize {
		return reject(ReasonTooLarge)
	}
	if item.LastOptimizedAt != nil && f.now().Sub(*item.LastOptimizedAt) < f.rules.OptimizationCooldown {
		return reject(ReasonCooldown)
	}
	if item.Queued {
		return reject(ReasonQueued)
	}
	return eligible()
}

func checkFile(item models.WorkItem) (Decision, bool) {
	switch {
	case !item.Exists:
		return reject(ReasonMissingFile), false
	case item.Size <= 0:
		return reject(ReasonEmptyFile), false
	case !item.Readable:
		return reject(ReasonUnreadable), false
	}
	return Decision{}, true
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
