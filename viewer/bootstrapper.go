package viewer

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"modelviewer/metrics"
	"modelviewer/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrAlreadyInitializing      = errors.New("viewer initialization already in progress")
	ErrDisposeWhileInitializing = errors.New("cannot dispose viewer while it is initializing")
	ErrSessionDisposed          = errors.New("viewer session already disposed")
)

type sessionState int

const (
	sessionIdle sessionState = iota
	sessionInitializing
	sessionLive
	sessionDisposed
)

// Session is one mount of the viewer on a container. It owns at most one
// Viewer for its whole lifetime.
type Session struct {
	mu     sync.Mutex
	state  sessionState
	handle Viewer
	info   models.ViewerSession
}

func NewSession(urn, container string) *Session {
	return &Session{info: models.ViewerSession{URN: urn, Container: container}}
}

func (s *Session) Info() models.ViewerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Handle returns the live viewer, if any.
func (s *Session) Handle() (Viewer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.handle != nil
}

func (s *Session) Initializing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == sessionInitializing
}

type Config struct {
	ScriptURL     string
	StylesheetURL string
	Env           string
	API           string
	ViewerOptions Options
}

// Bootstrapper loads the SDK and manages viewer lifecycles. One
// Bootstrapper is shared by every session in the process.
type Bootstrapper struct {
	host   AssetHost
	cfg    Config
	group  singleflight.Group
	logger zerolog.Logger
}

func NewBootstrapper(host AssetHost, cfg Config, logger zerolog.Logger) *Bootstrapper {
	if cfg.Env == "" {
		cfg.Env = "AutodeskProduction"
	}
	if cfg.API == "" {
		cfg.API = "derivativeV2"
	}
	if cfg.ViewerOptions.Theme == "" {
		cfg.ViewerOptions.Theme = "light-theme"
	}
	return &Bootstrapper{host: host, cfg: cfg, logger: logger}
}

// EnsureSDKLoaded injects the SDK stylesheet and script unless the SDK
// entry point is already present. Concurrent callers share one load; a
// failed load may be retried by a later call.
func (b *Bootstrapper) EnsureSDKLoaded(ctx context.Context) error {
	if _, ok := b.host.EntryPoint(); ok {
		return nil
	}

	// The load is shared, so one caller going away must not abort it.
	loadCtx := context.WithoutCancel(ctx)
	ch := b.group.DoChan("sdk", func() (interface{}, error) {
		if _, ok := b.host.EntryPoint(); ok {
			return nil, nil
		}
		start := time.Now()

		if b.cfg.StylesheetURL != "" {
			if err := b.host.InjectStylesheet(loadCtx, b.cfg.StylesheetURL); err != nil {
				return nil, models.NewStageError("bootstrapping", models.ErrSDKLoad, "failed to load viewer stylesheet", err)
			}
		}
		if err := b.host.InjectScript(loadCtx, b.cfg.ScriptURL); err != nil {
			return nil, models.NewStageError("bootstrapping", models.ErrSDKLoad, "failed to load viewer script", err)
		}
		if _, ok := b.host.EntryPoint(); !ok {
			return nil, models.NewStageError("bootstrapping", models.ErrSDKLoad, "viewer script loaded without an entry point", nil)
		}

		metrics.IncSDKLoad()
		b.logger.Info().Dur("took", time.Since(start)).Str("script", b.cfg.ScriptURL).Msg("viewer sdk loaded")
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateViewer returns the session's viewer, building it on first use.
// A session that already has a viewer gets it back unchanged; a session
// whose first build is still running gets ErrAlreadyInitializing and must
// not start another.
func (b *Bootstrapper) CreateViewer(ctx context.Context, s *Session, token models.AccessToken) (Viewer, error) {
	s.mu.Lock()
	switch {
	case s.handle != nil:
		h := s.handle
		s.mu.Unlock()
		return h, nil
	case s.state == sessionInitializing:
		s.mu.Unlock()
		return nil, ErrAlreadyInitializing
	case s.state == sessionDisposed:
		s.mu.Unlock()
		return nil, ErrSessionDisposed
	}
	s.state = sessionInitializing
	s.mu.Unlock()

	v, err := b.buildViewer(ctx, s.info.Container, token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = sessionIdle
		return nil, err
	}
	s.handle = v
	s.state = sessionLive
	s.info.AccessToken = token.Token
	s.info.ExpiresAt = token.ExpiresAt
	return v, nil
}

func (b *Bootstrapper) buildViewer(ctx context.Context, container string, token models.AccessToken) (Viewer, error) {
	if token.Token == "" {
		return nil, models.NewStageError("bootstrapping", models.ErrAuth, "viewer needs a non-empty access token", nil)
	}
	rt, ok := b.host.EntryPoint()
	if !ok {
		return nil, models.NewStageError("bootstrapping", models.ErrSDKLoad, "viewer sdk is not loaded", nil)
	}

	ready := newFuture[struct{}]()
	rt.Initialize(InitOptions{Env: b.cfg.Env, API: b.cfg.API, AccessToken: token.Token}, func(err error) {
		if err != nil {
			ready.Reject(err)
			return
		}
		ready.Resolve(struct{}{})
	})
	if _, err := ready.Await(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, models.NewStageError("bootstrapping", models.ErrViewerStart, "sdk initialization failed", err)
	}

	v, err := rt.NewViewer(container, b.cfg.ViewerOptions)
	if err != nil {
		return nil, models.NewStageError("bootstrapping", models.ErrViewerStart, "failed to construct viewer", err)
	}
	if code := v.Start(); code != 0 {
		v.Finish()
		return nil, models.NewStageError("bootstrapping", models.ErrViewerStart, startCodeMessage(code), nil)
	}
	return v, nil
}

func startCodeMessage(code int) string {
	switch code {
	case 1:
		return "viewer start failed: no webgl support (code 1)"
	case 2:
		return "viewer start failed: webgl unavailable (code 2)"
	default:
		return "viewer start failed with code " + strconv.Itoa(code)
	}
}

// LoadDocument resolves the document for urn, loads its default geometry
// into v and fits the camera to it.
func (b *Bootstrapper) LoadDocument(ctx context.Context, v Viewer, urn string) error {
	if err := ValidateURN(urn); err != nil {
		return models.NewStageError("loading_document", models.ErrDocumentLoad, "invalid URN", err)
	}
	rt, ok := b.host.EntryPoint()
	if !ok {
		return models.NewStageError("loading_document", models.ErrSDKLoad, "viewer sdk is not loaded", nil)
	}

	fullURN := FullURN(urn)
	pending := newFuture[Document]()
	rt.LoadDocument(fullURN, pending.Resolve, pending.Reject)

	doc, err := pending.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return models.NewStageError("loading_document", models.ErrDocumentLoad, describeLoadError(err), err)
	}
	if doc == nil {
		return models.NewStageError("loading_document", models.ErrDocumentLoad, "document structure is invalid", nil)
	}

	node, ok := doc.DefaultGeometry()
	if !ok || node == nil {
		return models.NewStageError("loading_document", models.ErrNoViewables, "no viewables found in "+fullURN, nil)
	}

	if err := v.LoadDocumentNode(ctx, doc, node); err != nil {
		return models.NewStageError("loading_document", models.ErrDocumentLoad, "failed to load model into viewer", err)
	}
	v.FitToView()
	b.logger.Debug().Str("urn", urn).Str("node", node.GUID()).Str("role", node.Role()).Msg("document loaded")
	return nil
}

func describeLoadError(err error) string {
	var le *LoadError
	if errors.As(err, &le) {
		switch le.Code {
		case http.StatusNotFound:
			return "model not found, it may still need translation"
		case http.StatusForbidden, http.StatusUnauthorized:
			return "access denied, check model permissions"
		}
	}
	return "failed to load document"
}

// Dispose finishes the session's viewer. It is a no-op when there is no
// viewer and refuses while the viewer is being built.
func (b *Bootstrapper) Dispose(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == sessionInitializing {
		return ErrDisposeWhileInitializing
	}
	if s.handle == nil {
		return nil
	}
	s.handle.Finish()
	s.handle = nil
	s.state = sessionDisposed
	return nil
}

// FullURN adds the "urn:" prefix the SDK expects.
func FullURN(urn string) string {
	if strings.HasPrefix(urn, "urn:") {
		return urn
	}
	return "urn:" + urn
}

// ValidateURN checks that urn is a URL-safe base64 encoded object id,
// which is how the translation service addresses models. Standard base64
// is refused since '/' and '+' cannot travel in a path segment.
func ValidateURN(urn string) error {
	raw := strings.TrimPrefix(urn, "urn:")
	if raw == "" {
		return errors.New("urn is empty")
	}
	if strings.ContainsAny(raw, "+/") {
		return errors.New("urn must be url-safe base64 encoded")
	}
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding} {
		if _, err := enc.DecodeString(raw); err == nil {
			return nil
		}
	}
	return errors.New("urn must be base64 encoded")
}
