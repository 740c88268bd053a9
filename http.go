package offlinecache

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ServeHTTP implements the http.Handler interface.
// It answers the request with Fetch and adds a Cache-Status header.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := a.getLogger(r)

	res, outcome, err := a.Fetch(r)

	var cacheStatus CacheStatus
	switch outcome {
	case OutcomeHit:
		cacheStatus.Hit()
	default:
		if a.keyer.Matchable(r) {
			cacheStatus.Forward(CacheStatusFwdUriMiss)
		} else {
			cacheStatus.Forward(CacheStatusFwdMethod)
		}
	}
	if outcome == OutcomeOffline {
		cacheStatus.Detail(CacheStatusDetailOffline)
	}

	if err != nil {
		// the client cannot be handed the transport error itself
		logger.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response from network")
		cacheStatus.Detail(CacheStatusDetailNetworkError)
		w.Header().Add("Cache-Status", cacheStatus.String())
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}

	if err := send(w, res, cacheStatus, logger); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

func send(w http.ResponseWriter, res *http.Response, status CacheStatus, logger *zerolog.Logger) error {
	evt := logger.Debug()
	if res.Request == nil {
		logger.Warn().Msg("Could not get request for response to client")
	} else {
		evt = evt.Str("url", res.Request.URL.String())
	}
	evt.
		Int("code", res.StatusCode).
		Str("cacheStatus", status.String()).
		Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", status.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	bytesWritten, err := io.Copy(w, res.Body)
	logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	return err
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the agent logger.
func (a *Agent) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &a.log
	}
	return logger
}

// Router returns a chi router passing every request through the agent.
// Every request is logged through hlog with the agent logger.
// It has no admin routes, see AdminRouter.
func (a *Agent) Router() chi.Router {
	r := a.newRouter()
	r.Handle("/*", a)
	return r
}

// AdminRouter returns a chi router with the agent's admin routes:
//
//	POST   /install      run Install
//	POST   /activate     run Activate
//	GET    /status       current cache, connectivity and stored entries
//	PUT    /online       force the connectivity signal online
//	DELETE /online       force the connectivity signal offline
//	POST   /online/auto  let a probing signal decide again
//
// The online routes only exist if the connectivity signal can be set, the auto route only if
// it probes. The admin routes can switch every client offline and delete caches, so they are
// meant for a separate, private listener.
func (a *Agent) AdminRouter() chi.Router {
	r := a.newRouter()
	r.Post("/install", a.handleInstall)
	r.Post("/activate", a.handleActivate)
	r.Get("/status", a.handleStatus)
	if signal, ok := a.online.(settable); ok {
		r.Put("/online", func(w http.ResponseWriter, r *http.Request) {
			signal.Set(true)
			a.getLogger(r).Info().Msg("Connectivity forced online")
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/online", func(w http.ResponseWriter, r *http.Request) {
			signal.Set(false)
			a.getLogger(r).Info().Msg("Connectivity forced offline")
			w.WriteHeader(http.StatusNoContent)
		})
	}
	if signal, ok := a.online.(automatic); ok {
		r.Post("/online/auto", func(w http.ResponseWriter, r *http.Request) {
			signal.Auto()
			a.getLogger(r).Info().Msg("Connectivity back to probing")
			w.WriteHeader(http.StatusNoContent)
		})
	}
	return r
}

func (a *Agent) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(a.log),
		hlog.RemoteAddrHandler("ip"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request")
		}),
	)
	return r
}

type settable interface {
	Set(online bool) bool
}

type automatic interface {
	Auto()
}

func (a *Agent) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := a.Install(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activateResponse struct {
	ActivateResult
	Error string `json:"error,omitempty"`
}

func (a *Agent) handleActivate(w http.ResponseWriter, r *http.Request) {
	result, err := a.Activate(r.Context())
	res := activateResponse{ActivateResult: result}
	if err != nil {
		res.Error = err.Error()
	}
	a.writeJSON(w, r, http.StatusOK, res)
}

// Status describes the agent and the content of its storage.
type Status struct {
	Cache    string              `json:"cache"`
	Online   bool                `json:"online"`
	Manifest []string            `json:"manifest"`
	Caches   map[string][]string `json:"caches"`
}

// Status lists all caches with the URLs stored in them.
func (a *Agent) Status() (Status, error) {
	status := Status{
		Cache:    a.CacheName(),
		Online:   a.Online(),
		Manifest: a.Manifest(),
		Caches:   map[string][]string{},
	}
	names, err := a.storage.Keys()
	if err != nil {
		return status, err
	}
	for _, name := range names {
		keys, err := a.storage.Entries(name)
		if err != nil {
			return status, err
		}
		urls := make([]string, 0, len(keys))
		for _, key := range keys {
			req, err := a.keyer.GetRequestFromKey(key)
			if err != nil {
				// stored for another origin
				continue
			}
			urls = append(urls, req.Method+" "+req.URL.String())
		}
		sort.Strings(urls)
		status.Caches[name] = urls
	}
	return status, nil
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Status()
	if err != nil {
		a.getLogger(r).Error().Err(err).Msg("Could not read cache status")
		http.Error(w, "Could not read cache status", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, r, http.StatusOK, status)
}

func (a *Agent) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.getLogger(r).Error().Err(err).Msg("Could not write JSON response to client")
	}
}
