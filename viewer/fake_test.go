package viewer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type fakeNode struct{ guid, role string }

func (n fakeNode) GUID() string { return n.guid }
func (n fakeNode) Role() string { return n.role }
func (n fakeNode) Name() string { return n.guid }

type fakeDoc struct{ node Node }

func (d fakeDoc) DefaultGeometry() (Node, bool) { return d.node, d.node != nil }

type fakeViewer struct {
	startCode int
	loadErr   error

	mu     sync.Mutex
	calls  []string
	loaded Node
}

func (v *fakeViewer) record(c string) {
	v.mu.Lock()
	v.calls = append(v.calls, c)
	v.mu.Unlock()
}

func (v *fakeViewer) Start() int {
	v.record("start")
	return v.startCode
}

func (v *fakeViewer) LoadDocumentNode(_ context.Context, _ Document, n Node) error {
	v.record("loadNode")
	v.loaded = n
	return v.loadErr
}

func (v *fakeViewer) FitToView() { v.record("fit") }
func (v *fakeViewer) Finish()    { v.record("finish") }

func (v *fakeViewer) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

type fakeRuntime struct {
	initDelay time.Duration
	initErr   error
	startCode int
	doc       Document
	docErr    error

	viewersBuilt atomic.Int32
	lastURN      atomic.Value
	lastViewer   atomic.Pointer[fakeViewer]
}

func (r *fakeRuntime) Initialize(opts InitOptions, onReady func(error)) {
	go func() {
		time.Sleep(r.initDelay)
		onReady(r.initErr)
	}()
}

func (r *fakeRuntime) NewViewer(container string, opts Options) (Viewer, error) {
	if container == "" {
		return nil, errors.New("no container")
	}
	r.viewersBuilt.Add(1)
	v := &fakeViewer{startCode: r.startCode}
	r.lastViewer.Store(v)
	return v, nil
}

func (r *fakeRuntime) LoadDocument(fullURN string, onSuccess func(Document), onError func(error)) {
	r.lastURN.Store(fullURN)
	go func() {
		if r.docErr != nil {
			onError(r.docErr)
			return
		}
		onSuccess(r.doc)
	}()
}

type fakeHost struct {
	rt          *fakeRuntime
	scriptDelay time.Duration
	scriptErr   error

	mu      sync.Mutex
	loaded  bool
	scripts atomic.Int32
	styles  atomic.Int32
}

func (h *fakeHost) EntryPoint() (Runtime, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loaded {
		return nil, false
	}
	return h.rt, true
}

func (h *fakeHost) InjectStylesheet(context.Context, string) error {
	h.styles.Add(1)
	return nil
}

func (h *fakeHost) InjectScript(context.Context, string) error {
	h.scripts.Add(1)
	time.Sleep(h.scriptDelay)
	if h.scriptErr != nil {
		return h.scriptErr
	}
	h.mu.Lock()
	h.loaded = true
	h.mu.Unlock()
	return nil
}
