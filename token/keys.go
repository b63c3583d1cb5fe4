package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/session-gateway/instrumentation"
	"github.com/giantswarm/session-gateway/storage"
)

const (
	// DefaultKeySetTTL is how long a cached JWKS document is trusted
	DefaultKeySetTTL = 10 * time.Minute

	// DefaultMinRefreshInterval is the minimum gap between two forced refreshes
	DefaultMinRefreshInterval = time.Minute

	// DefaultFetchTimeout bounds a JWKS fetch when the HTTP client has no timeout
	DefaultFetchTimeout = 10 * time.Second

	maxKeySetSize = storage.MaxDocumentSize
)

// ErrKeySetUnavailable is returned when the JWKS endpoint cannot be reached or
// answers with something other than a key set.
var ErrKeySetUnavailable = errors.New("signing key set unavailable")

// KeySource supplies the provider's current signing keys.
type KeySource interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

// Refresher is implemented by key sources that can bypass their cache. The validator
// refreshes once when a token names a key id the cached set does not contain.
type Refresher interface {
	Refresh(ctx context.Context) (jwk.Set, error)
}

// RemoteKeySource fetches the JWKS document on every call.
type RemoteKeySource struct {
	url    string
	client *http.Client
	inst   *instrumentation.Instrumentation
}

// NewRemoteKeySource creates a key source for jwksURL. A nil client gets a
// client with DefaultFetchTimeout.
func NewRemoteKeySource(jwksURL string, client *http.Client) *RemoteKeySource {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &RemoteKeySource{url: jwksURL, client: client}
}

// SetInstrumentation enables fetch metrics and spans
func (s *RemoteKeySource) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// URL returns the JWKS endpoint
func (s *RemoteKeySource) URL() string {
	return s.url
}

// Fetch downloads the raw JWKS document.
func (s *RemoteKeySource) Fetch(ctx context.Context) (doc []byte, err error) {
	if s.inst != nil {
		start := time.Now()
		var span trace.Span
		ctx, span = s.inst.Tracer("token").Start(ctx, "token.fetch_jwks",
			trace.WithAttributes(attribute.String("jwks.url", s.url)))
		defer func() {
			s.inst.Metrics().RecordKeySetFetch(ctx, float64(time.Since(start).Milliseconds()), err)
			instrumentation.RecordError(span, err)
			if err == nil {
				instrumentation.SetSpanSuccess(span)
			}
			span.End()
		}()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: jwks endpoint returned status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	doc, err = io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	if len(doc) > maxKeySetSize {
		return nil, fmt.Errorf("%w: jwks document too large", ErrKeySetUnavailable)
	}
	return doc, nil
}

// KeySet fetches and parses the current key set.
func (s *RemoteKeySource) KeySet(ctx context.Context) (jwk.Set, error) {
	doc, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if s.inst != nil {
		s.inst.Metrics().RecordKeySetLookup(ctx, "remote")
	}
	return parseKeySet(doc)
}

func parseKeySet(doc []byte) (jwk.Set, error) {
	set, err := jwk.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse jwks: %v", ErrKeySetUnavailable, err)
	}
	return set, nil
}

// CacheConfig configures a CachingKeySource.
type CacheConfig struct {
	// Key identifies the provider in the cache. Usually the issuer URL.
	// Defaults to the JWKS URL.
	Key string

	// TTL defaults to DefaultKeySetTTL
	TTL time.Duration

	// MinRefreshInterval limits forced refreshes for unknown key ids.
	// Defaults to DefaultMinRefreshInterval.
	MinRefreshInterval time.Duration

	Logger *slog.Logger

	// Now overrides the clock, for tests
	Now func() time.Time
}

// CachingKeySource serves key sets from a storage.KeySetCache and falls back to
// the remote endpoint on a miss. Concurrent misses share one fetch.
type CachingKeySource struct {
	remote *RemoteKeySource
	cache  storage.KeySetCache
	key    string
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group

	minRefresh time.Duration
	now        func() time.Time

	mu          sync.Mutex
	lastRefresh time.Time
}

var (
	_ KeySource = (*RemoteKeySource)(nil)
	_ KeySource = (*CachingKeySource)(nil)
	_ Refresher = (*CachingKeySource)(nil)
)

// NewCachingKeySource wraps remote with cache.
func NewCachingKeySource(remote *RemoteKeySource, cache storage.KeySetCache, config CacheConfig) *CachingKeySource {
	if config.Key == "" {
		config.Key = remote.URL()
	}
	if config.TTL <= 0 {
		config.TTL = DefaultKeySetTTL
	}
	if config.MinRefreshInterval <= 0 {
		config.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CachingKeySource{
		remote:     remote,
		cache:      cache,
		key:        config.Key,
		ttl:        config.TTL,
		logger:     config.Logger,
		minRefresh: config.MinRefreshInterval,
		now:        config.Now,
	}
}

// KeySet returns the cached key set, fetching it on a miss. A cache backend error
// is logged and treated as a miss.
func (s *CachingKeySource) KeySet(ctx context.Context) (jwk.Set, error) {
	doc, err := s.cache.Get(ctx, s.key)
	switch {
	case err == nil:
		if set, perr := parseKeySet(doc); perr == nil {
			s.recordLookup(ctx, "cache")
			return set, nil
		}
		s.logger.Warn("Discarding unparsable cached key set", "key", s.key)
		if derr := s.cache.Delete(ctx, s.key); derr != nil {
			s.logger.Warn("Failed to evict cached key set", "key", s.key, "error", derr)
		}
	case !errors.Is(err, storage.ErrNotFound):
		s.logger.Warn("Key set cache read failed, fetching from provider", "key", s.key, "error", err)
	}

	return s.fetch(ctx)
}

// Refresh fetches the key set from the provider, bypassing the cache. Refreshes
// are limited to one per MinRefreshInterval; inside that window the current set is
// returned, so tokens with made-up key ids cannot drive fetches.
func (s *CachingKeySource) Refresh(ctx context.Context) (jwk.Set, error) {
	s.mu.Lock()
	now := s.now()
	if !s.lastRefresh.IsZero() && now.Sub(s.lastRefresh) < s.minRefresh {
		s.mu.Unlock()
		s.recordLookup(ctx, "refresh_throttled")
		return s.KeySet(ctx)
	}
	s.lastRefresh = now
	s.mu.Unlock()

	return s.fetch(ctx)
}

// fetch loads the key set from the provider and replaces the cached copy.
func (s *CachingKeySource) fetch(ctx context.Context) (jwk.Set, error) {
	// The shared fetch must not be cancelled by whichever caller started it;
	// the HTTP client timeout still bounds it.
	shared := context.WithoutCancel(ctx)

	v, err, _ := s.group.Do(s.key, func() (any, error) {
		doc, err := s.remote.Fetch(shared)
		if err != nil {
			return nil, err
		}
		set, err := parseKeySet(doc)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(shared, s.key, doc, s.ttl); err != nil {
			s.logger.Warn("Failed to cache key set", "key", s.key, "error", err)
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}

	s.recordLookup(ctx, "refresh")
	return v.(jwk.Set), nil
}

func (s *CachingKeySource) recordLookup(ctx context.Context, source string) {
	if inst := s.remote.inst; inst != nil {
		inst.Metrics().RecordKeySetLookup(ctx, source)
	}
}
