package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// HeadlessHost runs the viewer SDK contract without a browser. Asset
// injection fetches the bundle URLs to prove they are reachable, and
// documents are resolved from the model derivative manifest endpoint.
type HeadlessHost struct {
	client       *http.Client
	manifestBase string

	mu       sync.Mutex
	injected map[string]int
	runtime  *HeadlessRuntime
}

func NewHeadlessHost(client *http.Client, manifestBase string) *HeadlessHost {
	if client == nil {
		client = http.DefaultClient
	}
	return &HeadlessHost{
		client:       client,
		manifestBase: strings.TrimRight(manifestBase, "/"),
		injected:     make(map[string]int),
	}
}

func (h *HeadlessHost) EntryPoint() (Runtime, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runtime == nil {
		return nil, false
	}
	return h.runtime, true
}

func (h *HeadlessHost) InjectStylesheet(ctx context.Context, url string) error {
	return h.inject(ctx, url)
}

// InjectScript fetches the SDK script and registers its global entry point.
func (h *HeadlessHost) InjectScript(ctx context.Context, url string) error {
	if err := h.inject(ctx, url); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runtime == nil {
		h.runtime = &HeadlessRuntime{client: h.client, manifestBase: h.manifestBase}
	}
	return nil
}

// Injections reports how many times url has been injected.
func (h *HeadlessHost) Injections(url string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.injected[url]
}

func (h *HeadlessHost) inject(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create asset request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("asset request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("asset %s returned status %d", url, resp.StatusCode)
	}

	h.mu.Lock()
	h.injected[url]++
	h.mu.Unlock()
	return nil
}

// HeadlessRuntime is the entry point registered by HeadlessHost.
type HeadlessRuntime struct {
	client       *http.Client
	manifestBase string

	mu    sync.Mutex
	token string
}

func (r *HeadlessRuntime) Initialize(opts InitOptions, onReady func(error)) {
	go func() {
		if opts.AccessToken == "" {
			onReady(errors.New("missing access token"))
			return
		}
		r.mu.Lock()
		r.token = opts.AccessToken
		r.mu.Unlock()
		onReady(nil)
	}()
}

func (r *HeadlessRuntime) NewViewer(container string, opts Options) (Viewer, error) {
	return &HeadlessViewer{container: container, options: opts}, nil
}

func (r *HeadlessRuntime) LoadDocument(fullURN string, onSuccess func(Document), onError func(error)) {
	r.mu.Lock()
	token := r.token
	r.mu.Unlock()

	go func() {
		doc, err := r.fetchManifest(context.Background(), strings.TrimPrefix(fullURN, "urn:"), token)
		if err != nil {
			onError(err)
			return
		}
		onSuccess(doc)
	}()
}

func (r *HeadlessRuntime) fetchManifest(ctx context.Context, urn, token string) (*Manifest, error) {
	url := fmt.Sprintf("%s/%s/manifest", r.manifestBase, urn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &LoadError{Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &LoadError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &LoadError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, &LoadError{Message: "malformed manifest: " + err.Error()}
	}
	return &m, nil
}

// Manifest is the subset of a model derivative manifest the viewer needs.
type Manifest struct {
	URN         string         `json:"urn"`
	Status      string         `json:"status"`
	Progress    string         `json:"progress"`
	Derivatives []ManifestNode `json:"derivatives"`
}

type ManifestNode struct {
	NodeGUID   string         `json:"guid"`
	NodeName   string         `json:"name"`
	Type       string         `json:"type"`
	NodeRole   string         `json:"role"`
	OutputType string         `json:"outputType"`
	Status     string         `json:"status"`
	Children   []ManifestNode `json:"children"`
}

func (n *ManifestNode) GUID() string { return n.NodeGUID }
func (n *ManifestNode) Role() string { return n.NodeRole }
func (n *ManifestNode) Name() string { return n.NodeName }

// DefaultGeometry picks the first 3D geometry node, falling back to the
// first 2D sheet.
func (m *Manifest) DefaultGeometry() (Node, bool) {
	for _, role := range []string{"3d", "2d"} {
		for i := range m.Derivatives {
			if n := findGeometry(&m.Derivatives[i], role); n != nil {
				return n, true
			}
		}
	}
	return nil, false
}

func findGeometry(n *ManifestNode, role string) *ManifestNode {
	if n.Type == "geometry" && n.NodeRole == role {
		return n
	}
	for i := range n.Children {
		if found := findGeometry(&n.Children[i], role); found != nil {
			return found
		}
	}
	return nil
}

// HeadlessViewer records what a real viewer would have rendered.
type HeadlessViewer struct {
	container string
	options   Options

	mu       sync.Mutex
	started  bool
	loaded   Node
	fitted   bool
	finished bool
}

// Start returns 1 when there is no container to attach to.
func (v *HeadlessViewer) Start() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.container == "" {
		return 1
	}
	v.started = true
	return 0
}

func (v *HeadlessViewer) LoadDocumentNode(ctx context.Context, doc Document, node Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.started || v.finished {
		return errors.New("viewer is not running")
	}
	v.loaded = node
	return nil
}

func (v *HeadlessViewer) FitToView() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded != nil {
		v.fitted = true
	}
}

func (v *HeadlessViewer) Finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finished = true
	v.started = false
}

// Snapshot reports the loaded node guid and whether the camera was fitted.
func (v *HeadlessViewer) Snapshot() (node string, fitted, finished bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded != nil {
		node = v.loaded.GUID()
	}
	return node, v.fitted, v.finished
}
