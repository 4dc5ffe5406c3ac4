package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"modelviewer/models"
	"modelviewer/viewer"
)

const testURN = "dXJuOmFkc2sub2JqZWN0czpvcy5vYmplY3Q6YnVja2V0L3BhcnQuc3RlcA"

// fakeTranslator answers Check from a script; the last entry repeats.
type fakeTranslator struct {
	mu       sync.Mutex
	statuses []models.TranslationStatus
	errs     []error
	checks   int

	triggerErr   error
	triggerDelay time.Duration
	triggers     atomic.Int32

	token    models.AccessToken
	tokenErr error
	tokens   atomic.Int32
}

func (f *fakeTranslator) Check(ctx context.Context, urn string) (models.TranslationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.checks
	f.checks++
	if i < len(f.errs) && f.errs[i] != nil {
		return models.TranslationStatus{State: models.JobUnknown}, f.errs[i]
	}
	if len(f.statuses) == 0 {
		return models.TranslationStatus{State: models.JobNotReady}, nil
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeTranslator) Checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *fakeTranslator) Trigger(ctx context.Context, urn, targetFormat string) error {
	f.triggers.Add(1)
	if f.triggerDelay > 0 {
		select {
		case <-time.After(f.triggerDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.triggerErr
}

func (f *fakeTranslator) Token(ctx context.Context) (models.AccessToken, error) {
	f.tokens.Add(1)
	if f.tokenErr != nil {
		return models.AccessToken{}, f.tokenErr
	}
	if f.token.Token == "" {
		return models.AccessToken{Token: "tok", ExpiresIn: 3600, ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	return f.token, nil
}

func ready() models.TranslationStatus {
	return models.TranslationStatus{State: models.JobReady, Raw: "success", Progress: 100}
}

func pending(p int) models.TranslationStatus {
	return models.TranslationStatus{State: models.JobNotReady, Raw: "inprogress", Progress: p, Stage: "processing"}
}

type fakeNode struct{}

func (fakeNode) GUID() string { return "geom-1" }
func (fakeNode) Role() string { return "3d" }
func (fakeNode) Name() string { return "part" }

type fakeDoc struct{ empty bool }

func (d fakeDoc) DefaultGeometry() (viewer.Node, bool) {
	if d.empty {
		return nil, false
	}
	return fakeNode{}, true
}

type fakeViewer struct {
	mu       sync.Mutex
	calls    []string
	finishes int
}

func (v *fakeViewer) record(c string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, c)
	if c == "finish" {
		v.finishes++
	}
}

func (v *fakeViewer) Start() int {
	v.record("start")
	return 0
}

func (v *fakeViewer) LoadDocumentNode(context.Context, viewer.Document, viewer.Node) error {
	v.record("loadNode")
	return nil
}

func (v *fakeViewer) FitToView() { v.record("fit") }
func (v *fakeViewer) Finish()    { v.record("finish") }

func (v *fakeViewer) Finishes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.finishes
}

type fakeRuntime struct {
	initDelay time.Duration
	emptyDoc  bool

	built   atomic.Int32
	mu      sync.Mutex
	viewers []*fakeViewer
}

func (r *fakeRuntime) Initialize(opts viewer.InitOptions, onReady func(error)) {
	go func() {
		time.Sleep(r.initDelay)
		onReady(nil)
	}()
}

func (r *fakeRuntime) NewViewer(container string, opts viewer.Options) (viewer.Viewer, error) {
	r.built.Add(1)
	v := &fakeViewer{}
	r.mu.Lock()
	r.viewers = append(r.viewers, v)
	r.mu.Unlock()
	return v, nil
}

func (r *fakeRuntime) LoadDocument(fullURN string, onSuccess func(viewer.Document), onError func(error)) {
	go onSuccess(fakeDoc{empty: r.emptyDoc})
}

func (r *fakeRuntime) Viewers() []*fakeViewer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeViewer(nil), r.viewers...)
}

type fakeHost struct {
	rt      *fakeRuntime
	mu      sync.Mutex
	loaded  bool
	scripts atomic.Int32
}

func (h *fakeHost) EntryPoint() (viewer.Runtime, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loaded {
		return nil, false
	}
	return h.rt, true
}

func (h *fakeHost) InjectStylesheet(context.Context, string) error { return nil }

func (h *fakeHost) InjectScript(context.Context, string) error {
	h.scripts.Add(1)
	time.Sleep(5 * time.Millisecond)
	h.mu.Lock()
	h.loaded = true
	h.mu.Unlock()
	return nil
}

// eventLog collects callback output in order.
type eventLog struct {
	mu       sync.Mutex
	statuses []models.Status
	errs     []error
	loads    []models.ViewerSession
}

func (l *eventLog) callbacks() Callbacks {
	return Callbacks{
		OnStatus: func(s models.Status) {
			l.mu.Lock()
			l.statuses = append(l.statuses, s)
			l.mu.Unlock()
		},
		OnError: func(err error) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		},
		OnLoad: func(s models.ViewerSession) {
			l.mu.Lock()
			l.loads = append(l.loads, s)
			l.mu.Unlock()
		},
	}
}

func (l *eventLog) states() []models.SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.SessionState
	for _, s := range l.statuses {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (l *eventLog) counts() (statuses, errs, loads int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.statuses), len(l.errs), len(l.loads)
}

type recordingRecorder struct {
	mu     sync.Mutex
	jobs   []models.ConversionJob
	errors []error
}

func (r *recordingRecorder) Record(_ context.Context, job models.ConversionJob) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
}

func (r *recordingRecorder) RecordError(_ context.Context, _ string, err error) {
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
}
