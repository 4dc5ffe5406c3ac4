package services

import (
	"context"
	"database/sql"
	"errors"

	"modelviewer/models"

	"github.com/rs/zerolog"
)

// Recorder fans job updates out to Postgres and the Redis status hash.
// Either store may be nil. Failures are logged, never returned: losing a
// progress row must not fail a translation.
type Recorder struct {
	db     *DatabaseService
	cache  *StatusCache
	logger zerolog.Logger
}

func NewRecorder(db *DatabaseService, cache *StatusCache, logger zerolog.Logger) *Recorder {
	return &Recorder{db: db, cache: cache, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, job models.ConversionJob) {
	if r == nil {
		return
	}
	if r.cache != nil {
		if err := r.cache.Publish(ctx, job); err != nil {
			r.logger.Warn().Err(err).Str("urn", job.ModelID).Msg("failed to publish status")
		}
	}
	if r.db != nil {
		if err := r.db.UpsertJob(ctx, job); err != nil {
			r.logger.Warn().Err(err).Str("urn", job.ModelID).Msg("failed to store status")
		}
	}
}

func (r *Recorder) RecordError(ctx context.Context, urn string, err error) {
	if r == nil || err == nil {
		return
	}
	if r.cache != nil {
		if cerr := r.cache.PublishError(ctx, urn, terminalState(err), err.Error()); cerr != nil {
			r.logger.Warn().Err(cerr).Str("urn", urn).Msg("failed to publish error")
		}
	}
	if r.db != nil {
		if derr := r.db.UpdateTranslationError(ctx, urn, err.Error()); derr != nil {
			r.logger.Warn().Err(derr).Str("urn", urn).Msg("failed to store error")
		}
	}
}

// terminalState maps the error that ended a job to the state it is
// reported in. A timeout stays distinct so callers can offer a retry.
func terminalState(err error) models.JobState {
	if errors.Is(err, models.ErrTimedOut) {
		return models.JobTimedOut
	}
	return models.JobFailed
}

func (r *Recorder) RecordRetry(ctx context.Context, urn string) {
	if r == nil || r.db == nil {
		return
	}
	if err := r.db.IncrementRetryCount(ctx, urn); err != nil {
		r.logger.Warn().Err(err).Str("urn", urn).Msg("failed to count retry")
	}
}

// Get returns the latest known state of a translation. The Redis hash is
// read first; once it has expired the Postgres row answers instead.
func (r *Recorder) Get(ctx context.Context, urn string) (models.ConversionJob, bool, error) {
	if r.cache != nil {
		job, ok, err := r.cache.Get(ctx, urn)
		if err != nil {
			r.logger.Warn().Err(err).Str("urn", urn).Msg("status cache lookup failed")
		} else if ok {
			return job, true, nil
		}
	}
	if r.db == nil {
		return models.ConversionJob{}, false, nil
	}
	job, err := r.db.GetJob(ctx, urn)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversionJob{}, false, nil
	}
	if err != nil {
		return models.ConversionJob{}, false, err
	}
	return job, true, nil
}
