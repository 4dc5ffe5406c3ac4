// Package pipeline sequences a viewer session: make sure the model is
// translated, fetch a token, bring up the viewer and load the document.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"modelviewer/logging"
	"modelviewer/metrics"
	"modelviewer/models"
	"modelviewer/viewer"

	"github.com/rs/zerolog"
)

var ErrTornDown = errors.New("viewer session has been torn down")

// Bootstrapper is the viewer side of the pipeline.
type Bootstrapper interface {
	EnsureSDKLoaded(ctx context.Context) error
	CreateViewer(ctx context.Context, s *viewer.Session, token models.AccessToken) (viewer.Viewer, error)
	LoadDocument(ctx context.Context, v viewer.Viewer, urn string) error
	Dispose(s *viewer.Session) error
}

// Recorder receives job updates for persistence. It may be nil.
type Recorder interface {
	Record(ctx context.Context, job models.ConversionJob)
	RecordError(ctx context.Context, urn string, err error)
}

type Callbacks struct {
	OnStatus func(models.Status)
	OnError  func(error)
	OnLoad   func(models.ViewerSession)
}

// transitions lists every legal state change. Failed and TimedOut are
// reachable from any non-terminal state and are handled separately.
var transitions = map[models.SessionState][]models.SessionState{
	models.SessionIdle:            {models.SessionCheckingStatus},
	models.SessionCheckingStatus:  {models.SessionFetchingToken, models.SessionTriggering},
	models.SessionTriggering:      {models.SessionPolling},
	models.SessionPolling:         {models.SessionFetchingToken},
	models.SessionFetchingToken:   {models.SessionBootstrapping},
	models.SessionBootstrapping:   {models.SessionLoadingDocument},
	models.SessionLoadingDocument: {models.SessionComplete},
	// retry after a terminal failure, or a new model after completion
	models.SessionFailed:   {models.SessionCheckingStatus},
	models.SessionTimedOut: {models.SessionCheckingStatus},
	models.SessionComplete: {models.SessionCheckingStatus},
}

func allowed(from, to models.SessionState) bool {
	if (to == models.SessionFailed || to == models.SessionTimedOut) && !from.Terminal() && from != models.SessionIdle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Orchestrator runs the pipeline for one hosting container. At most one
// pipeline is in flight at a time and the container owns at most one
// viewer.
type Orchestrator struct {
	container  string
	converter  *Converter
	translator Translator
	boot       Bootstrapper
	recorder   Recorder
	callbacks  Callbacks
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	state    models.SessionState
	gen      uint64
	urn      string
	job      models.ConversionJob
	session  *viewer.Session
	status   models.Status
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
	tornDown bool
}

func NewOrchestrator(container string, conv *Converter, t Translator, boot Bootstrapper, rec Recorder, cb Callbacks, logger zerolog.Logger) *Orchestrator {
	done := make(chan struct{})
	close(done)
	return &Orchestrator{
		container:  container,
		converter:  conv,
		translator: t,
		boot:       boot,
		recorder:   rec,
		callbacks:  cb,
		logger:     logger.With().Str("container", container).Logger(),
		now:        time.Now,
		state:      models.SessionIdle,
		done:       done,
	}
}

// State returns the current state, the last status report and the error
// that ended the last run, if any.
func (o *Orchestrator) State() (models.SessionState, models.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.status, o.lastErr
}

func (o *Orchestrator) URN() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.urn
}

// Start begins a session for urn. It returns immediately; progress is
// reported through the callbacks. Calling Start while a run is in flight,
// or after a completed run for the same urn whose viewer is still live,
// does nothing.
func (o *Orchestrator) Start(ctx context.Context, urn string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.tornDown {
		return ErrTornDown
	}
	if o.state != models.SessionIdle && !o.state.Terminal() {
		o.logger.Debug().Str("urn", urn).Str("state", string(o.state)).Msg("session already running, ignoring start")
		return nil
	}
	if o.state == models.SessionComplete {
		if _, live := o.session.Handle(); live && o.urn == urn {
			return nil
		}
		// A different model replaces the one on screen.
		if err := o.boot.Dispose(o.session); err != nil {
			return err
		}
		o.session = nil
	}

	if o.session == nil || o.urn != urn {
		if o.session != nil {
			if err := o.boot.Dispose(o.session); err != nil {
				return err
			}
		}
		o.session = viewer.NewSession(urn, o.container)
	}
	if !allowed(o.state, models.SessionCheckingStatus) {
		return errors.New("cannot start from state " + string(o.state))
	}

	o.urn = urn
	o.job = *models.NewConversionJob(urn, 0)
	o.lastErr = nil
	o.state = models.SessionCheckingStatus
	o.gen++

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(runCtx, o.gen, urn, o.session, o.done)
	return nil
}

// Wait blocks until the current run ends or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) (models.SessionState, error) {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.lastErr
}

// Teardown ends the session: polling stops, late results from stages in
// flight are dropped and the viewer is finished. A viewer still being
// built is finished by the run once construction settles.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	if o.tornDown {
		o.mu.Unlock()
		return
	}
	o.tornDown = true
	o.gen++
	if o.cancel != nil {
		o.cancel()
	}
	session := o.session
	o.mu.Unlock()

	if session == nil {
		return
	}
	if err := o.boot.Dispose(session); err != nil && !errors.Is(err, viewer.ErrDisposeWhileInitializing) {
		o.logger.Warn().Err(err).Msg("failed to dispose viewer")
	}
}

// transition moves a running pipeline to its next state. Start and fail
// also write o.state under the same lock, after checking allowed.
func (o *Orchestrator) transition(gen uint64, to models.SessionState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || !allowed(o.state, to) {
		return false
	}
	o.logger.Debug().Str("urn", o.urn).Str("from", string(o.state)).Str("to", string(to)).Msg("transition")
	o.state = to
	return true
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen == o.gen
}

func (o *Orchestrator) emit(gen uint64, stage string, progress int, message string) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	st := models.Status{State: o.state, Stage: stage, Progress: progress, Message: message, At: o.now()}
	o.status = st
	cb := o.callbacks.OnStatus
	o.mu.Unlock()

	if cb != nil {
		cb(st)
	}
}

// Job returns the conversion job of the current run.
func (o *Orchestrator) Job() models.ConversionJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job
}

func (o *Orchestrator) record(ctx context.Context, gen uint64, job models.ConversionJob) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.job = job
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.Record(ctx, job)
	}
}

// fail ends the run in Failed or TimedOut and reports err once.
func (o *Orchestrator) fail(gen uint64, err error) {
	to := models.SessionFailed
	if errors.Is(err, models.ErrTimedOut) {
		to = models.SessionTimedOut
	}

	o.mu.Lock()
	if gen != o.gen || !allowed(o.state, to) {
		o.mu.Unlock()
		return
	}
	o.state = to
	o.lastErr = err
	o.status = models.Status{State: to, Stage: o.status.Stage, Progress: o.status.Progress, Message: err.Error(), At: o.now()}
	urn := o.urn
	st := o.status
	onStatus, onError := o.callbacks.OnStatus, o.callbacks.OnError
	o.mu.Unlock()

	metrics.IncSession(string(to))
	o.logger.Error().Err(err).Str("urn", urn).Str("state", string(to)).Msg("viewer session ended")
	if o.recorder != nil {
		o.recorder.RecordError(context.Background(), urn, err)
	}
	if onStatus != nil {
		onStatus(st)
	}
	if onError != nil {
		onError(err)
	}
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, urn string, session *viewer.Session, done chan struct{}) {
	defer close(done)
	log := o.logger.With().Str("urn", urn).Logger()

	o.emit(gen, "checking", 0, "Checking model status...")
	job := models.NewConversionJob(urn, 0)

	err := o.converter.EnsureReady(ctx, job, ConvertHooks{
		Enter: func(s models.SessionState) bool {
			if !o.transition(gen, s) {
				return false
			}
			switch s {
			case models.SessionTriggering:
				o.emit(gen, "triggering", job.Progress, "Model not ready, processing...")
			case models.SessionPolling:
				o.emit(gen, "processing", 0, "Processing model...")
			}
			return true
		},
		Progress: func(j models.ConversionJob, perr error) {
			o.record(ctx, gen, j)
			msg, stage := j.Message, j.Stage
			if perr != nil && msg == "" {
				msg = "Waiting for translation service"
			}
			if stage == "" {
				stage = "checking"
			}
			o.emit(gen, stage, j.Progress, msg)
		},
	})
	o.record(ctx, gen, *job)
	if err != nil {
		if !o.current(gen) || errors.Is(err, errSuperseded) || ctx.Err() != nil {
			log.Debug().Err(err).Msg("session stopped during conversion")
			return
		}
		o.fail(gen, err)
		return
	}

	if !o.transition(gen, models.SessionFetchingToken) {
		return
	}
	o.emit(gen, "token", 100, "Model ready!")
	start := time.Now()
	token, err := o.translator.Token(ctx)
	metrics.ObserveStage("fetching_token", time.Since(start), err == nil)
	if err != nil {
		o.fail(gen, err)
		return
	}
	log.Debug().Str("token", logging.Redact(token.Token)).Time("expires_at", token.ExpiresAt).Msg("access token fetched")

	if !o.transition(gen, models.SessionBootstrapping) {
		return
	}
	o.emit(gen, "bootstrapping", 100, "Initializing viewer...")
	start = time.Now()
	if err := o.boot.EnsureSDKLoaded(ctx); err != nil {
		metrics.ObserveStage("bootstrapping", time.Since(start), false)
		o.fail(gen, err)
		return
	}
	v, err := o.boot.CreateViewer(ctx, session, token)
	metrics.ObserveStage("bootstrapping", time.Since(start), err == nil)
	if err != nil {
		o.fail(gen, err)
		return
	}
	if !o.current(gen) {
		// Torn down while the viewer was being built.
		if derr := o.boot.Dispose(session); derr != nil {
			log.Warn().Err(derr).Msg("failed to dispose viewer after teardown")
		}
		return
	}

	if !o.transition(gen, models.SessionLoadingDocument) {
		return
	}
	o.emit(gen, "loading", 100, "Loading 3D model...")
	start = time.Now()
	err = o.boot.LoadDocument(ctx, v, urn)
	metrics.ObserveStage("loading_document", time.Since(start), err == nil)
	if err != nil {
		o.fail(gen, err)
		return
	}

	if !o.transition(gen, models.SessionComplete) {
		return
	}
	metrics.IncSession(string(models.SessionComplete))
	o.emit(gen, "complete", 100, "Model loaded")
	log.Info().Msg("model loaded in viewer")

	o.mu.Lock()
	cb := o.callbacks.OnLoad
	stillCurrent := gen == o.gen
	o.mu.Unlock()
	if cb != nil && stillCurrent {
		cb(session.Info())
	}
}
