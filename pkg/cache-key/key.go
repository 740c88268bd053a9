package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	originSeparator = ":"
	methodSeparator = ":"
)

type CacheKeyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin - well - origin.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// Matchable reports whether a stored response may be looked up for the request.
// Like the browser cache API, only GET requests ever match.
func (c CacheKeyer) Matchable(r *http.Request) bool {
	return r.Method == http.MethodGet
}

// GetKey returns the cache key for a request.
// The key depends on the origin, the method and the request URI (path and query).
func (c CacheKeyer) GetKey(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return c.OriginPrefix + method + methodSeparator + r.URL.RequestURI()
}

// GetRequestFromKey generates a request equal, caching-wise, to the request that resulted in the
// provided key.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return nil, fmt.Errorf("Key and origin do not match")
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	method, uri, found := strings.Cut(keyNoOrigin, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(method, uri, nil)
}
