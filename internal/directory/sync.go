package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/dirgate/dirgate/internal/directory")

// SyncEngine reconciles the local user mirror with the directory's current
// membership. A pass is a full enumeration, not an incremental diff, so it
// is safe to re-run at any time: local state converges to whatever the
// directory holds without depending on change notifications.
type SyncEngine struct {
	configs     ConfigStore
	users       UserStore
	runs        SyncRunStore
	provisioner AccountProvisioner
	logger      *zap.Logger

	// openerFor builds the session opener for a configuration. Swapped
	// out in tests.
	openerFor func(cfg *Config) SessionOpener
	now       func() time.Time
}

// NewSyncEngine creates a reconciliation engine. provisioner may be nil when
// local accounts are managed elsewhere.
func NewSyncEngine(configs ConfigStore, users UserStore, runs SyncRunStore, provisioner AccountProvisioner, timeout time.Duration, logger *zap.Logger) *SyncEngine {
	e := &SyncEngine{
		configs:     configs,
		users:       users,
		runs:        runs,
		provisioner: provisioner,
		logger:      logger.With(zap.String("component", "directory-sync")),
		now:         time.Now,
	}
	e.openerFor = func(cfg *Config) SessionOpener {
		return NewConnManager(cfg, timeout, logger)
	}
	return e
}

// Run executes one reconciliation pass against the active configuration.
// The returned stats are meaningful even on error: they count whatever the
// pass managed before failing.
func (e *SyncEngine) Run(ctx context.Context) (*SyncStats, error) {
	ctx, span := tracer.Start(ctx, "directory.sync")
	defer span.End()

	stats := &SyncStats{}

	cfg, err := e.configs.GetActive(ctx)
	if err != nil {
		return stats, err
	}
	if !cfg.SyncEnabled {
		return stats, ErrSyncDisabled
	}
	span.SetAttributes(attribute.String("directory.config_id", cfg.ID))

	start := e.now()
	log := e.logger.With(zap.String("config_id", cfg.ID), zap.String("config", cfg.Name))

	runID, err := e.runs.BeginRun(ctx, cfg.ID)
	if err != nil {
		log.Warn("Failed to record sync run start", zap.Error(err))
	}
	if err := e.configs.SetSyncStatus(ctx, cfg.ID, SyncStatusRunning, nil, ""); err != nil {
		log.Warn("Failed to mark sync as running", zap.Error(err))
	}

	entries, err := e.enumerate(cfg)
	if err != nil {
		// An unreachable directory is not an empty directory. Abort
		// before the staleness pass so an outage cannot deactivate
		// the entire mirror.
		return stats, e.finish(ctx, log, cfg.ID, runID, stats, start,
			fmt.Errorf("directory enumeration failed: %w", err))
	}
	stats.Found = len(entries)

	mapping := cfg.Mapping.withDefaults()
	observed := make([]string, 0, len(entries))
	for _, entry := range entries {
		profile := MapEntry(entry, mapping)
		// The entry exists in the directory whether or not the store
		// accepts it, so it counts as observed either way.
		observed = append(observed, profile.DN)

		user, created, err := e.users.UpsertUser(ctx, cfg.ID, profile)
		if err != nil {
			stats.Errors++
			log.Warn("Failed to upsert directory user",
				zap.String("dn", profile.DN),
				zap.Error(err))
			continue
		}
		if created {
			stats.Created++
			if cfg.AutoProvision && e.provisioner != nil {
				if err := e.provisioner.Provision(ctx, user); err != nil {
					stats.Errors++
					log.Warn("Failed to provision local account",
						zap.String("dn", profile.DN),
						zap.Error(err))
				}
			}
		} else {
			stats.Updated++
		}
	}

	marked, err := e.users.MarkStale(ctx, cfg.ID, observed)
	if err != nil {
		return stats, e.finish(ctx, log, cfg.ID, runID, stats, start,
			fmt.Errorf("staleness pass failed: %w", err))
	}
	stats.Deactivated = int(marked)

	return stats, e.finish(ctx, log, cfg.ID, runID, stats, start, nil)
}

// enumerate pulls every matching entry under the search base in pages. The
// session is released as soon as the listing completes; store writes never
// hold a directory connection.
func (e *SyncEngine) enumerate(cfg *Config) ([]*ldap.Entry, error) {
	var entries []*ldap.Entry
	opener := e.openerFor(cfg)
	err := opener.WithSession("", "", func(s Session) error {
		req := ldap.NewSearchRequest(
			cfg.BaseDN,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			buildEnumerationFilter(cfg),
			cfg.Mapping.attributeList(),
			nil,
		)
		res, err := s.SearchWithPaging(req, cfg.EffectivePageSize())
		if err != nil {
			return err
		}
		entries = res.Entries
		return nil
	})
	return entries, err
}

// finish records the terminal state of a pass on the config row, in the run
// history, and in the metrics, then hands runErr back to the caller.
func (e *SyncEngine) finish(ctx context.Context, log *zap.Logger, configID, runID string, stats *SyncStats, start time.Time, runErr error) error {
	elapsed := e.now().Sub(start)
	syncDuration.Observe(elapsed.Seconds())
	syncChanges.WithLabelValues("created").Add(float64(stats.Created))
	syncChanges.WithLabelValues("updated").Add(float64(stats.Updated))
	syncChanges.WithLabelValues("deactivated").Add(float64(stats.Deactivated))

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int("directory.sync.found", stats.Found),
		attribute.Int("directory.sync.created", stats.Created),
		attribute.Int("directory.sync.updated", stats.Updated),
		attribute.Int("directory.sync.deactivated", stats.Deactivated),
		attribute.Int("directory.sync.errors", stats.Errors),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	if runErr != nil {
		if err := e.configs.SetSyncStatus(ctx, configID, SyncStatusError, nil, runErr.Error()); err != nil {
			log.Warn("Failed to record sync error status", zap.Error(err))
		}
		if runID != "" {
			if err := e.runs.FinishRun(ctx, runID, SyncStatusError, stats, runErr.Error()); err != nil {
				log.Warn("Failed to close sync run record", zap.Error(err))
			}
		}
		syncRuns.WithLabelValues(SyncStatusError).Inc()
		log.Error("Directory sync failed",
			zap.Int("found", stats.Found),
			zap.Int("errors", stats.Errors),
			zap.Duration("elapsed", elapsed),
			zap.Error(runErr))
		return runErr
	}

	completedAt := e.now()
	if err := e.configs.SetSyncStatus(ctx, configID, SyncStatusCompleted, &completedAt, ""); err != nil {
		log.Warn("Failed to record sync completion", zap.Error(err))
	}
	if runID != "" {
		if err := e.runs.FinishRun(ctx, runID, SyncStatusCompleted, stats, ""); err != nil {
			log.Warn("Failed to close sync run record", zap.Error(err))
		}
	}
	syncRuns.WithLabelValues(SyncStatusCompleted).Inc()
	log.Info("Directory sync completed",
		zap.Int("found", stats.Found),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("deactivated", stats.Deactivated),
		zap.Int("errors", stats.Errors),
		zap.Duration("elapsed", elapsed))
	return nil
}
