package services

import (
	"context"
	"errors"
	"time"

	"modelviewer/metrics"
	"modelviewer/models"

	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 30
)

// StatusChecker is the read side of the translation API.
type StatusChecker interface {
	Check(ctx context.Context, urn string) (models.TranslationStatus, error)
}

// ProgressFunc receives the job after every polling iteration.
type ProgressFunc func(job models.ConversionJob, err error)

// StatusPoller waits for a translation to reach a terminal state.
type StatusPoller struct {
	checker StatusChecker
	logger  zerolog.Logger
	after   func(time.Duration) <-chan time.Time
}

func NewStatusPoller(checker StatusChecker, logger zerolog.Logger) *StatusPoller {
	return &StatusPoller{
		checker: checker,
		logger:  logger,
		after:   time.After,
	}
}

// Poll checks the job status up to maxAttempts times, sleeping interval
// before each check. It returns as soon as the job is Ready or Failed and
// returns TimedOut when the attempts run out. Transport errors count as an
// attempt and polling continues. Cancelling ctx stops the loop, including
// a pending sleep, and returns ctx.Err().
func (p *StatusPoller) Poll(ctx context.Context, job *models.ConversionJob, interval time.Duration, maxAttempts int, onProgress ProgressFunc) (*models.ConversionJob, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}

	job.State = models.JobPolling
	job.Attempt = 0
	job.MaxAttempts = maxAttempts

	for job.Attempt < maxAttempts {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-p.after(interval):
		}

		job.Attempt++
		st, err := p.checker.Check(ctx, job.ModelID)
		if err != nil {
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
			metrics.IncPollAttempt("transport_error")
			p.logger.Warn().Err(err).
				Str("urn", job.ModelID).
				Int("attempt", job.Attempt).
				Int("max_attempts", maxAttempts).
				Msg("status check failed, will retry")
			if job.Message == "" {
				job.Message = "Waiting for translation service"
			}
			notify(onProgress, *job, err)
			continue
		}

		job.Observe(st)
		if job.Message == "" {
			job.Message = "Processing model"
		}
		if job.Stage == "" {
			job.Stage = "processing"
		}

		switch st.State {
		case models.JobReady:
			metrics.IncPollAttempt("ready")
			job.State = models.JobReady
			job.Progress = 100
			notify(onProgress, *job, nil)
			return job, nil
		case models.JobFailed:
			metrics.IncPollAttempt("failed")
			job.State = models.JobFailed
			notify(onProgress, *job, nil)
			msg := st.Message
			if msg == "" {
				msg = "translation service reported failure"
			}
			return job, models.NewStageError("polling", models.ErrConversionFailed, msg, nil)
		default:
			metrics.IncPollAttempt("pending")
		}

		p.logger.Debug().
			Str("urn", job.ModelID).
			Int("attempt", job.Attempt).
			Int("progress", job.Progress).
			Str("stage", job.Stage).
			Msg(job.Message)
		notify(onProgress, *job, nil)
	}

	job.State = models.JobTimedOut
	return job, models.NewStageError("polling", models.ErrTimedOut,
		"translation did not finish within "+(time.Duration(maxAttempts)*interval).String(), nil)
}

func notify(fn ProgressFunc, job models.ConversionJob, err error) {
	if fn != nil {
		fn(job, err)
	}
}

// IsTransport reports whether err came from the transport layer rather
// than from the translation service itself.
func IsTransport(err error) bool {
	return errors.Is(err, models.ErrTransport)
}
