package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"modelviewer/config"
	"modelviewer/metrics"
	"modelviewer/models"
	"modelviewer/pipeline"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var errObjectMissing = errors.New("source object not found in storage")

// Converter drives one model to Ready.
type Converter interface {
	EnsureReady(ctx context.Context, job *models.ConversionJob, hooks pipeline.ConvertHooks) error
}

// ObjectStore confirms that the uploaded source file is still there.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
}

type JobRecorder interface {
	Record(ctx context.Context, job models.ConversionJob)
	RecordError(ctx context.Context, urn string, err error)
	RecordRetry(ctx context.Context, urn string)
}

// Pool drains the pending translation queue so that uploads get
// translated before anyone opens them in the viewer.
type Pool struct {
	config      *config.Config
	redisClient *redis.Client
	converter   Converter
	objects     ObjectStore
	recorder    JobRecorder
	logger      zerolog.Logger

	now          func() time.Time
	backoff      func(retry int) time.Duration
	blockTimeout time.Duration
}

func NewPool(cfg *config.Config, redisClient *redis.Client, converter Converter, objects ObjectStore, recorder JobRecorder, logger zerolog.Logger) *Pool {
	return &Pool{
		config:       cfg,
		redisClient:  redisClient,
		converter:    converter,
		objects:      objects,
		recorder:     recorder,
		logger:       logger,
		now:          time.Now,
		backoff:      retryDelay,
		blockTimeout: 30 * time.Second,
	}
}

// Enqueue pushes a translation request onto the pending queue.
func (p *Pool) Enqueue(ctx context.Context, req models.TranslationRequest) (models.TranslationRequest, error) {
	if req.URN == "" {
		return req, errors.New("translation request has no urn")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = p.config.MaxRetries
	}
	now := p.now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.EnqueuedAt = now

	payload, err := json.Marshal(req)
	if err != nil {
		return req, fmt.Errorf("failed to encode translation request: %w", err)
	}
	if err := p.redisClient.LPush(ctx, p.config.PendingQueue, payload).Err(); err != nil {
		return req, fmt.Errorf("failed to enqueue translation request: %w", err)
	}
	p.logger.Info().Str("request_id", req.RequestID).Str("urn", req.URN).Msg("translation request queued")
	return req, nil
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log := p.logger.With().Int("worker", workerID).Logger()
	log.Info().Msg("starting")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		default:
			// Atomic pop from pending and push to processing
			result, err := p.redisClient.BRPopLPush(
				ctx,
				p.config.PendingQueue,
				p.config.ProcessingQueue,
				p.blockTimeout,
			).Result()

			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error().Err(err).Msg("redis error")
				sleep(ctx, 5*time.Second)
				continue
			}

			var req models.TranslationRequest
			if err := json.Unmarshal([]byte(result), &req); err != nil {
				log.Error().Err(err).Msg("failed to parse translation request")
				p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, result)
				continue
			}

			p.processJob(ctx, log, &req, result)
		}
	}
}

// jobTimeout bounds one attempt: the whole poll window plus the check and
// trigger round trips.
func (p *Pool) jobTimeout() time.Duration {
	return time.Duration(p.config.PollMaxAttempts)*p.config.PollInterval + 3*p.config.RequestTimeout
}

func (p *Pool) processJob(ctx context.Context, log zerolog.Logger, req *models.TranslationRequest, raw string) {
	log = log.With().Str("request_id", req.RequestID).Str("urn", req.URN).Logger()
	log.Info().Int("retry", req.RetryCount).Msg("processing translation")

	timeoutCtx, cancel := context.WithTimeout(ctx, p.jobTimeout())
	defer cancel()
	startTime := p.now()

	if req.ObjectKey != "" && p.objects != nil {
		ok, err := p.objects.Exists(timeoutCtx, req.ObjectKey)
		if err != nil {
			p.handleJobFailure(ctx, log, req, raw, fmt.Errorf("storage lookup failed: %w", err))
			return
		}
		if !ok {
			p.handleJobFailure(ctx, log, req, raw, fmt.Errorf("%w: %s", errObjectMissing, req.ObjectKey))
			return
		}
	}

	job := models.NewConversionJob(req.URN, p.config.PollMaxAttempts)
	err := p.converter.EnsureReady(timeoutCtx, job, pipeline.ConvertHooks{
		Progress: func(j models.ConversionJob, _ error) {
			p.recorder.Record(ctx, j)
		},
	})
	p.recorder.Record(ctx, *job)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the recovery loop picks the job up again.
			return
		}
		p.handleJobFailure(ctx, log, req, raw, err)
		return
	}

	p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
	metrics.IncJob("completed")
	log.Info().Dur("took", p.now().Sub(startTime)).Msg("translation ready")
}

// permanent reports whether retrying cannot help.
func permanent(err error) bool {
	return errors.Is(err, models.ErrConversionFailed) || errors.Is(err, errObjectMissing)
}

func retryDelay(retry int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(retry))) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

func (p *Pool) handleJobFailure(ctx context.Context, log zerolog.Logger, req *models.TranslationRequest, raw string, jobErr error) {
	log.Warn().Err(jobErr).Msg("translation attempt failed")

	p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
	p.recorder.RecordRetry(ctx, req.URN)

	if !permanent(jobErr) && req.RetryCount < req.MaxRetries {
		req.RetryCount++
		req.EnqueuedAt = p.now()
		payload, _ := json.Marshal(req)
		delay := p.backoff(req.RetryCount)

		metrics.IncJob("retried")
		time.AfterFunc(delay, func() {
			if err := p.redisClient.LPush(context.Background(), p.config.PendingQueue, payload).Err(); err != nil {
				log.Error().Err(err).Msg("failed to requeue translation")
				return
			}
			log.Info().Int("retry", req.RetryCount).Int("max_retries", req.MaxRetries).Dur("delay", delay).Msg("scheduled retry")
		})
		return
	}

	p.redisClient.LPush(ctx, p.config.FailedQueue, raw)
	p.recorder.RecordError(ctx, req.URN, jobErr)
	metrics.IncJob("failed")
	log.Error().Err(jobErr).Int("retries", req.RetryCount).Msg("translation moved to failed queue")
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	interval := p.config.StaleAfter
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := p.logger.With().Str("component", "recovery").Logger()
	log.Info().Dur("stale_after", interval).Msg("starting stale job recovery loop")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		case <-ticker.C:
			p.recoverStaleJobs(ctx, log)
		}
	}
}

func (p *Pool) recoverStaleJobs(ctx context.Context, log zerolog.Logger) int {
	raws, err := p.redisClient.LRange(ctx, p.config.ProcessingQueue, 0, -1).Result()
	if err != nil {
		log.Error().Err(err).Msg("failed to read processing queue")
		return 0
	}

	recovered := 0
	for _, raw := range raws {
		var req models.TranslationRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			continue
		}
		since := req.EnqueuedAt
		if since.IsZero() {
			since = req.CreatedAt
		}
		if p.now().Sub(since) <= p.config.StaleAfter {
			continue
		}

		p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
		if req.RetryCount < req.MaxRetries {
			req.RetryCount++
			req.EnqueuedAt = p.now()
			payload, _ := json.Marshal(req)
			p.redisClient.LPush(ctx, p.config.PendingQueue, payload)
			p.recorder.RecordRetry(ctx, req.URN)
			recovered++
			continue
		}
		p.redisClient.LPush(ctx, p.config.FailedQueue, raw)
		p.recorder.RecordError(ctx, req.URN, models.NewStageError("polling", models.ErrTimedOut,
			"job exceeded "+p.config.StaleAfter.String()+" in processing", nil))
		metrics.IncJob("failed")
	}

	if recovered > 0 {
		log.Info().Int("recovered", recovered).Msg("recovered stale jobs")
	}
	return recovered
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
