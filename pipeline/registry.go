package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"modelviewer/services"

	"github.com/rs/zerolog"
)

var ErrSessionNotFound = errors.New("viewer session not found")

// Lock claims a container across processes. services.SessionLock
// implements it on Redis.
type Lock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
	Unlock(ctx context.Context, key, token string) error
}

// Factory builds the orchestrator for a container.
type Factory func(container string) *Orchestrator

type entry struct {
	orch  *Orchestrator
	token string
	stop  context.CancelFunc
}

// Registry keeps one Orchestrator per container so that a container never
// hosts more than one viewer.
type Registry struct {
	factory Factory
	lock    Lock
	lockTTL time.Duration
	logger  zerolog.Logger

	claimMu  sync.Mutex
	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry returns a registry. lock may be nil for a single process.
func NewRegistry(factory Factory, lock Lock, lockTTL time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		factory:  factory,
		lock:     lock,
		lockTTL:  lockTTL,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
}

// Open starts (or re-starts) the session on container for urn and returns
// its orchestrator.
func (r *Registry) Open(ctx context.Context, urn, container string) (*Orchestrator, error) {
	if container == "" {
		return nil, errors.New("container is required")
	}

	e, err := r.entry(ctx, container)
	if err != nil {
		return nil, err
	}
	if err := e.orch.Start(ctx, urn); err != nil {
		return nil, err
	}
	return e.orch, nil
}

// entry returns the container's entry, claiming the container first when
// this process does not hold it yet. Claims are serialized on claimMu so
// the lock round trip never runs under r.mu.
func (r *Registry) entry(ctx context.Context, container string) (*entry, error) {
	if e, ok := r.existing(container); ok {
		return e, nil
	}

	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	if e, ok := r.existing(container); ok {
		return e, nil
	}

	e := &entry{}
	if r.lock != nil {
		token, err := r.lock.TryLock(ctx, container, r.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to claim container %s: %w", container, err)
		}
		e.token = token
	}
	e.orch = r.factory(container)
	if e.token != "" && r.lockTTL > 0 {
		keepCtx, stop := context.WithCancel(context.Background())
		e.stop = stop
		go r.keepAlive(keepCtx, container, e)
	}

	r.mu.Lock()
	r.sessions[container] = e
	r.mu.Unlock()

	r.logger.Info().Str("container", container).Msg("viewer session opened")
	return e, nil
}

func (r *Registry) existing(container string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[container]
	return e, ok
}

// keepAlive refreshes the container lock every third of its TTL while the
// entry lives. A lost lock tears the session down.
func (r *Registry) keepAlive(ctx context.Context, container string, e *entry) {
	every := r.lockTTL / 3
	if every <= 0 {
		every = r.lockTTL
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := r.lock.Refresh(ctx, container, e.token, r.lockTTL)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, services.ErrLockHeld):
			r.logger.Error().Str("container", container).Msg("container lock lost, closing viewer session")
			e.orch.Teardown()
			r.mu.Lock()
			if r.sessions[container] == e {
				delete(r.sessions, container)
			}
			r.mu.Unlock()
			return
		default:
			r.logger.Warn().Err(err).Str("container", container).Msg("failed to refresh container lock")
		}
	}
}

func (r *Registry) release(ctx context.Context, container, token string) {
	if err := r.lock.Unlock(ctx, container, token); err != nil {
		r.logger.Warn().Err(err).Str("container", container).Msg("failed to release container lock")
	}
}

func (r *Registry) Get(container string) (*Orchestrator, bool) {
	e, ok := r.existing(container)
	if !ok {
		return nil, false
	}
	return e.orch, true
}

// Close tears the session down and releases its container.
func (r *Registry) Close(ctx context.Context, container string) error {
	r.mu.Lock()
	e, ok := r.sessions[container]
	delete(r.sessions, container)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	if e.stop != nil {
		e.stop()
	}
	e.orch.Teardown()
	if r.lock != nil && e.token != "" {
		r.release(ctx, container, e.token)
	}
	r.logger.Info().Str("container", container).Msg("viewer session closed")
	return nil
}

// CloseAll tears down every session. Used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	containers := make([]string, 0, len(r.sessions))
	for c := range r.sessions {
		containers = append(containers, c)
	}
	r.mu.Unlock()

	for _, c := range containers {
		_ = r.Close(ctx, c)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
