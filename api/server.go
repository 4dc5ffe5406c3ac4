// Package api exposes uploads, translation status and viewer sessions
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"modelviewer/models"
	"modelviewer/pipeline"
	"modelviewer/services"
	"modelviewer/viewer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxUploadSize = 200 << 20

type Sessions interface {
	Open(ctx context.Context, urn, container string) (*pipeline.Orchestrator, error)
	Get(container string) (*pipeline.Orchestrator, bool)
	Close(ctx context.Context, container string) error
}

type Storage interface {
	ObjectKey(fileName string) string
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

type URNConverter interface {
	ConvertToURN(ctx context.Context, fileURL string) (string, error)
}

type Queue interface {
	Enqueue(ctx context.Context, req models.TranslationRequest) (models.TranslationRequest, error)
}

type StatusReader interface {
	Get(ctx context.Context, urn string) (models.ConversionJob, bool, error)
}

// Server holds the HTTP handlers. Any dependency may be nil, in which
// case the routes that need it answer 503.
type Server struct {
	sessions  Sessions
	storage   Storage
	converter URNConverter
	queue     Queue
	statuses  StatusReader
	log       zerolog.Logger
}

func NewServer(sessions Sessions, storage Storage, converter URNConverter, queue Queue, statuses StatusReader, logger zerolog.Logger) *Server {
	return &Server{
		sessions:  sessions,
		storage:   storage,
		converter: converter,
		queue:     queue,
		statuses:  statuses,
		log:       logger,
	}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/uploads", s.handleUpload)
		r.Get("/translations/{urn}", s.handleTranslationStatus)
		r.Post("/sessions", s.handleOpenSession)
		r.Get("/sessions/{container}", s.handleGetSession)
		r.Delete("/sessions/{container}", s.handleCloseSession)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

type uploadResponse struct {
	URN       string `json:"urn"`
	ObjectKey string `json:"objectKey"`
	FileURL   string `json:"fileUrl"`
	RequestID string `json:"requestId"`
}

// handleUpload stores a STEP file, registers it with the translation
// service and queues the translation.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil || s.converter == nil || s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".step" && ext != ".stp" {
		writeError(w, http.StatusBadRequest, "only .step and .stp files are accepted")
		return
	}

	ctx := r.Context()
	key := s.storage.ObjectKey(header.Filename)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/step"
	}
	fileURL, err := s.storage.Upload(ctx, key, file, contentType)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("upload failed")
		writeError(w, http.StatusBadGateway, "failed to store file")
		return
	}

	urn, err := s.converter.ConvertToURN(ctx, fileURL)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("step registration failed")
		writeError(w, http.StatusBadGateway, "failed to register file for translation")
		return
	}

	req, err := s.queue.Enqueue(ctx, models.TranslationRequest{URN: urn, ObjectKey: key, FileName: header.Filename})
	if err != nil {
		s.log.Error().Err(err).Str("urn", urn).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to queue translation")
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{URN: urn, ObjectKey: key, FileURL: fileURL, RequestID: req.RequestID})
}

func (s *Server) handleTranslationStatus(w http.ResponseWriter, r *http.Request) {
	if s.statuses == nil {
		writeError(w, http.StatusServiceUnavailable, "status store is not configured")
		return
	}
	urn := chi.URLParam(r, "urn")
	job, ok, err := s.statuses.Get(r.Context(), urn)
	if err != nil {
		s.log.Error().Err(err).Str("urn", urn).Msg("status lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no translation recorded for this urn")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type openSessionRequest struct {
	URN       string `json:"urn"`
	Container string `json:"container"`
}

type sessionResponse struct {
	Container string               `json:"container"`
	URN       string               `json:"urn"`
	State     models.SessionState  `json:"state"`
	Status    models.Status        `json:"status"`
	Job       models.ConversionJob `json:"job"`
	Error     string               `json:"error,omitempty"`
}

func describe(container string, o *pipeline.Orchestrator) sessionResponse {
	state, status, err := o.State()
	resp := sessionResponse{
		Container: container,
		URN:       o.URN(),
		State:     state,
		Status:    status,
		Job:       o.Job(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "viewer sessions are not configured")
		return
	}
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Container == "" {
		writeError(w, http.StatusBadRequest, "container is required")
		return
	}
	if err := viewer.ValidateURN(req.URN); err != nil {
		writeError(w, http.StatusBadRequest, "invalid urn: "+err.Error())
		return
	}

	o, err := s.sessions.Open(r.Context(), req.URN, req.Container)
	switch {
	case errors.Is(err, services.ErrLockHeld), errors.Is(err, pipeline.ErrTornDown):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Str("container", req.Container).Msg("failed to open session")
		writeError(w, http.StatusInternalServerError, "failed to open session")
		return
	}
	writeJSON(w, http.StatusAccepted, describe(req.Container, o))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "viewer sessions are not configured")
		return
	}
	container := chi.URLParam(r, "container")
	o, ok := s.sessions.Get(container)
	if !ok {
		writeError(w, http.StatusNotFound, pipeline.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, describe(container, o))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "viewer sessions are not configured")
		return
	}
	container := chi.URLParam(r, "container")
	if err := s.sessions.Close(r.Context(), container); err != nil {
		if errors.Is(err, pipeline.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
