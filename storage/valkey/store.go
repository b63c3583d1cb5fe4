package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/session-gateway/instrumentation"
	"github.com/giantswarm/session-gateway/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "session-gateway:"

	backendName = "valkey"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey key set cache.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "session-gateway:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.KeySetCache. Documents are stored as plain
// strings under {prefix}jwks:{issuer} with a server-side TTL.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.KeySetCache = (*Store)(nil)

// New connects to Valkey and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey key set cache",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey key set cache connection closed")
}

// SetInstrumentation enables storage metrics and spans. Call before serving traffic.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

func (s *Store) keySetKey(key string) string {
	return s.prefix + "jwks:" + key
}

func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(result string, err error)) {
	if s.instrumentation == nil {
		return ctx, func(string, error) {}
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "storage."+operation, trace.WithAttributes(
		attribute.String(instrumentation.AttrStorageBackend, backendName),
		attribute.String(instrumentation.AttrStorageOperation, operation),
	))
	return ctx, func(result string, err error) {
		defer span.End()
		s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result,
			float64(time.Since(start).Microseconds())/1000)
		if err != nil {
			instrumentation.RecordError(span, err)
			return
		}
		instrumentation.SetSpanSuccess(span)
	}
}

// Get returns the cached document or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, done := s.observe(ctx, "get")

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.keySetKey(key)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			done("miss", nil)
			return nil, storage.ErrNotFound
		}
		done("error", err)
		return nil, fmt.Errorf("failed to get key set: %w", err)
	}

	done("hit", nil)
	return []byte(data), nil
}

// Set stores doc with a server-side expiry of ttl.
func (s *Store) Set(ctx context.Context, key string, doc []byte, ttl time.Duration) error {
	ctx, done := s.observe(ctx, "set")

	if err := storage.ValidateEntry(key, doc, ttl); err != nil {
		done("error", err)
		return err
	}

	cmd := s.client.B().Set().Key(s.keySetKey(key)).Value(string(doc)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		done("error", err)
		return fmt.Errorf("failed to save key set: %w", err)
	}

	s.logger.Debug("Cached key set", "key", key, "ttl", ttl)
	done("ok", nil)
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, done := s.observe(ctx, "delete")

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.keySetKey(key)).Build()).Error(); err != nil {
		done("error", err)
		return fmt.Errorf("failed to delete key set: %w", err)
	}

	done("ok", nil)
	return nil
}
