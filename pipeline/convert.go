package pipeline

import (
	"context"
	"errors"
	"time"

	"modelviewer/metrics"
	"modelviewer/models"
	"modelviewer/services"

	"github.com/rs/zerolog"
)

// errSuperseded means the caller rejected a state change, usually because
// the session was torn down while a stage was in flight.
var errSuperseded = errors.New("session superseded")

// Translator is the translation API as the pipeline uses it.
type Translator interface {
	Check(ctx context.Context, urn string) (models.TranslationStatus, error)
	Trigger(ctx context.Context, urn, targetFormat string) error
	Token(ctx context.Context) (models.AccessToken, error)
}

type Poller interface {
	Poll(ctx context.Context, job *models.ConversionJob, interval time.Duration, maxAttempts int, onProgress services.ProgressFunc) (*models.ConversionJob, error)
}

type Options struct {
	TargetFormat string
	PollInterval time.Duration
	MaxAttempts  int
}

func (o Options) withDefaults() Options {
	if o.TargetFormat == "" {
		o.TargetFormat = "svf"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = services.DefaultPollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = services.DefaultPollMaxAttempts
	}
	return o
}

// ConvertHooks let the caller follow the conversion. Enter is asked before
// each state change and may refuse it, which stops the conversion.
type ConvertHooks struct {
	Enter    func(models.SessionState) bool
	Progress services.ProgressFunc
}

// Converter drives a translation job to Ready: check, trigger at most
// once when the model is not ready, then poll.
type Converter struct {
	translator Translator
	poller     Poller
	opts       Options
	logger     zerolog.Logger
}

func NewConverter(t Translator, p Poller, opts Options, logger zerolog.Logger) *Converter {
	return &Converter{translator: t, poller: p, opts: opts.withDefaults(), logger: logger}
}

func (c *Converter) EnsureReady(ctx context.Context, job *models.ConversionJob, hooks ConvertHooks) error {
	enter := hooks.Enter
	if enter == nil {
		enter = func(models.SessionState) bool { return true }
	}

	job.State = models.JobChecking
	start := time.Now()
	st, err := c.translator.Check(ctx, job.ModelID)
	metrics.ObserveStage("checking_status", time.Since(start), err == nil)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		// A failed check is treated as "not ready"; the trigger and the
		// poll loop that follow will surface a persistent outage.
		c.logger.Warn().Err(err).Str("urn", job.ModelID).Msg("status check failed, assuming model is not ready")
	} else {
		job.Observe(st)
		if hooks.Progress != nil {
			hooks.Progress(*job, nil)
		}
	}

	if err == nil && st.State == models.JobReady {
		job.State = models.JobReady
		job.Progress = 100
		return nil
	}

	job.State = models.JobNotReady
	if !enter(models.SessionTriggering) {
		return errSuperseded
	}
	job.State = models.JobTriggering
	job.Attempt = 0
	start = time.Now()
	err = c.translator.Trigger(ctx, job.ModelID, c.opts.TargetFormat)
	metrics.ObserveStage("triggering", time.Since(start), err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job.State = models.JobFailed
		return err
	}
	c.logger.Info().Str("urn", job.ModelID).Str("format", c.opts.TargetFormat).Msg("translation triggered")

	if !enter(models.SessionPolling) {
		return errSuperseded
	}
	start = time.Now()
	_, err = c.poller.Poll(ctx, job, c.opts.PollInterval, c.opts.MaxAttempts, hooks.Progress)
	metrics.ObserveStage("polling", time.Since(start), err == nil)
	return err
}
