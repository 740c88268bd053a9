package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/representacao-comercial/offline-cache/cache"
	"github.com/representacao-comercial/offline-cache/pkg/connectivity"
	cachekey "github.com/representacao-comercial/offline-cache/pkg/cache-key"
	serializer "github.com/representacao-comercial/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultCacheName is the identifier of the current cache generation.
// Bump it whenever the deployed assets change.
const DefaultCacheName = "representacao-comercial-v1"

// DefaultManifest lists the assets stored at install time.
var DefaultManifest = []string{
	"/",
	"/static/js/bundle.js",
	"/static/css/main.css",
	"/manifest.json",
}

// ErrBadStatus is wrapped by install errors caused by a non-2xx asset response.
var ErrBadStatus = errors.New("bad response status")

type Config struct {
	// Storage for the named caches.
	Storage cache.Storage
	// Identifier of the current cache generation. DefaultCacheName if empty.
	CacheName string
	// Assets to store at install time. DefaultManifest if nil.
	Manifest []string
	// Transport used for every network access, see OriginTransport and HandlerTransport.
	Network http.RoundTripper
	// Connectivity signal. The agent considers itself always online if nil.
	Online connectivity.Signal
	// Unique identifier for the origin, used in cache keys. Defaults to "origin".
	OriginId string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Agent is an offline-first cache in front of a web application.
// Install, Fetch and Activate are independent entry points, each returning only once
// the operation has settled.
type Agent struct {
	storage   cache.Storage
	cacheName string
	manifest  []string
	network   http.RoundTripper
	online    connectivity.Signal
	keyer     cachekey.CacheKeyer
	log       zerolog.Logger
}

// New creates an agent from the config.
// Storage and Network are required.
func New(config Config) (*Agent, error) {
	if config.Storage == nil {
		return nil, errors.New("offlinecache: storage is required")
	}
	if config.Network == nil {
		return nil, errors.New("offlinecache: network transport is required")
	}

	// use global logger if not specified in config
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	a := &Agent{
		storage:   config.Storage,
		cacheName: config.CacheName,
		manifest:  config.Manifest,
		network:   config.Network,
		online:    config.Online,
		keyer:     cachekey.NewCacheKeyer(config.OriginId),
	}
	if a.cacheName == "" {
		a.cacheName = DefaultCacheName
	}
	if a.manifest == nil {
		a.manifest = DefaultManifest
	}
	if a.online == nil {
		a.online = connectivity.NewFlag(true)
	}
	if config.OriginId == "" {
		a.keyer = cachekey.NewCacheKeyer("origin")
	}

	// create a child logger and add defaults
	a.log = logger.With().
		Str("cache", a.cacheName).
		Logger()

	return a, nil
}

// CacheName returns the identifier of the current cache generation.
func (a *Agent) CacheName() string {
	return a.cacheName
}

// Manifest returns the assets stored at install time.
func (a *Agent) Manifest() []string {
	return append([]string(nil), a.manifest...)
}

// Online reports the current connectivity signal.
func (a *Agent) Online() bool {
	return a.online.Online()
}

// Install opens the current cache and stores every manifest asset in it.
// Assets are fetched concurrently. If any of them fails, the whole install fails and
// nothing is written; otherwise all of them are written.
func (a *Agent) Install(ctx context.Context) error {
	start := time.Now()
	if err := a.storage.Open(a.cacheName); err != nil {
		return fmt.Errorf("open cache %s: %w", a.cacheName, err)
	}

	entries := make([]cache.Entry, len(a.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range a.manifest {
		g.Go(func() error {
			entry, err := a.fetchAsset(gctx, asset)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("install %s: %w", a.cacheName, err)
	}

	for _, entry := range entries {
		if err := a.storage.Put(a.cacheName, entry); err != nil {
			a.log.Error().Err(err).Str("key", entry.Key).Msg("Could not write to cache")
			return fmt.Errorf("install %s: write %s: %w", a.cacheName, entry.Key, err)
		}
		a.log.Trace().Str("key", entry.Key).Msg("Cache write")
	}
	a.log.Info().
		Int("assets", len(entries)).
		Dur("took", time.Since(start)).
		Msg("Installed")
	return nil
}

func (a *Agent) fetchAsset(ctx context.Context, asset string) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
	if err != nil {
		return cache.Entry{}, err
	}
	a.log.Debug().Str("url", asset).Msg("Requesting asset")
	res, err := a.network.RoundTrip(req)
	if err != nil {
		return cache.Entry{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return cache.Entry{}, fmt.Errorf("%w: %s", ErrBadStatus, res.Status)
	}
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{
		Key:      a.keyer.GetKey(req),
		Bytes:    bts,
		StoredAt: time.Now(),
	}, nil
}

// Outcome tells which of the three ways a request was answered.
type Outcome int

const (
	// Served from a cache, without network access.
	OutcomeHit Outcome = iota
	// Fetched from the network and passed through unchanged.
	OutcomeNetwork
	// Neither cache nor network; the offline response was returned.
	OutcomeOffline
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeNetwork:
		return "network"
	case OutcomeOffline:
		return "offline"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Fetch answers a request: from any cache if a stored response matches, from the
// network if the connectivity signal says online, and with the offline response otherwise.
//
// A network failure while "online" is returned as is; it does not fall back to the
// offline response. The network response is never written to the cache.
func (a *Agent) Fetch(r *http.Request) (*http.Response, Outcome, error) {
	if res, ok := a.match(r); ok {
		return res, OutcomeHit, nil
	}
	if a.online.Online() {
		res, err := a.network.RoundTrip(r)
		return res, OutcomeNetwork, err
	}
	return OfflineResponse(r), OutcomeOffline, nil
}

// match looks the request up across all caches.
// Storage or decoding errors are logged and count as a miss.
func (a *Agent) match(r *http.Request) (*http.Response, bool) {
	if !a.keyer.Matchable(r) {
		return nil, false
	}
	key := a.keyer.GetKey(r)
	entry, ok, err := a.storage.Match(key)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
		return nil, false
	}
	a.log.Trace().Str("key", key).Msg("Cache hit")
	return res, true
}

// OfflineResponse is returned when a request can be served neither from cache nor network.
func OfflineResponse(r *http.Request) *http.Response {
	const body = "Offline"
	header := make(http.Header)
	header.Set("Content-Type", "text/plain;charset=UTF-8")
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

// ActivateResult lists what happened to each stale cache.
type ActivateResult struct {
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

// Activate deletes every cache whose identifier is not the current one.
// Deletions run concurrently and are independent: a failure is recorded and the
// remaining deletions still run. The returned error joins all failures.
func (a *Agent) Activate(ctx context.Context) (ActivateResult, error) {
	result := ActivateResult{Deleted: []string{}, Failed: []string{}}
	names, err := a.storage.Keys()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not list caches")
		return result, fmt.Errorf("list caches: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, name := range names {
		if name == a.cacheName {
			continue
		}
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = a.storage.Delete(name)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.log.Warn().Err(err).Str("stale", name).Msg("Could not delete stale cache")
				result.Failed = append(result.Failed, name)
				errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
				return nil
			}
			a.log.Debug().Str("stale", name).Msg("Deleted stale cache")
			result.Deleted = append(result.Deleted, name)
			return nil
		})
	}
	g.Wait()

	sort.Strings(result.Deleted)
	sort.Strings(result.Failed)
	a.log.Info().
		Strs("deleted", result.Deleted).
		Strs("failed", result.Failed).
		Msg("Activated")
	return result, errors.Join(errs...)
}
