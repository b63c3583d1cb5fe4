package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/session-gateway/instrumentation"
	"github.com/giantswarm/session-gateway/storage"
)

const backendName = "memory"

type entry struct {
	doc       []byte
	expiresAt time.Time
}

// Store is an in-memory storage.KeySetCache.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
	logger          *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.KeySetCache = (*Store)(nil)

// New creates a store with a one minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		entries:         make(map[string]entry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage metrics and spans
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(result string, err error)) {
	s.mu.RLock()
	inst, tracer := s.instrumentation, s.tracer
	s.mu.RUnlock()

	if inst == nil {
		return ctx, func(string, error) {}
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "storage."+operation, trace.WithAttributes(
		attribute.String(instrumentation.AttrStorageBackend, backendName),
		attribute.String(instrumentation.AttrStorageOperation, operation),
	))
	return ctx, func(result string, err error) {
		defer span.End()
		inst.Metrics().RecordStorageOperation(ctx, backendName, operation, result,
			float64(time.Since(start).Microseconds())/1000)
		if err != nil {
			instrumentation.RecordError(span, err)
			return
		}
		instrumentation.SetSpanSuccess(span)
	}
}

// Get returns a copy of the cached document.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	_, done := s.observe(ctx, "get")

	s.mu.RLock()
	e, ok := s.entries[key]
	now := s.now()
	s.mu.RUnlock()

	if !ok || !now.Before(e.expiresAt) {
		done("miss", nil)
		return nil, storage.ErrNotFound
	}

	done("hit", nil)
	return append([]byte(nil), e.doc...), nil
}

// Set stores a copy of doc for ttl.
func (s *Store) Set(ctx context.Context, key string, doc []byte, ttl time.Duration) error {
	_, done := s.observe(ctx, "set")

	if err := storage.ValidateEntry(key, doc, ttl); err != nil {
		done("error", err)
		return err
	}

	s.mu.Lock()
	s.entries[key] = entry{
		doc:       append([]byte(nil), doc...),
		expiresAt: s.now().Add(ttl),
	}
	s.mu.Unlock()

	done("ok", nil)
	return nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	_, done := s.observe(ctx, "delete")

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	done("ok", nil)
	return nil
}

// Len returns the number of entries, including expired ones not yet cleaned up
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired key sets", "count", cleaned)
	}
	return cleaned
}
