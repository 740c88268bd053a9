package offlinecache

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"time"

	recorder "github.com/representacao-comercial/offline-cache/pkg/response-recorder"
)

// OriginTransport returns a transport sending every request to the origin.
// Only the path and query of the request URL are used.
// If host is not empty, it is used as the Host header and for TLS negotiation,
// e.g. when the origin URL is just an IP address.
// Redirects are returned to the caller, not followed.
func OriginTransport(origin url.URL, host string) http.RoundTripper {
	transport := http.DefaultTransport
	if host != "" {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	origin.Path = strings.TrimRight(origin.Path, "/")
	return &originTransport{
		origin:    origin,
		host:      host,
		transport: transport,
	}
}

type originTransport struct {
	origin    url.URL
	host      string
	transport http.RoundTripper
}

func (o *originTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	uri := o.origin.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	if o.host != "" {
		req.Host = o.host
	}

	res, err := o.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	res.Request = r
	return res, nil
}

// HandlerTransport returns a transport that answers requests in-process with the handler.
// It is how the agent is put in front of an application running in the same binary.
func HandlerTransport(h http.Handler) http.RoundTripper {
	return handlerTransport{h}
}

type handlerTransport struct {
	handler http.Handler
}

func (t handlerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := r.Context().Err(); err != nil {
		return nil, err
	}
	req := r
	// handlers expect server requests
	if r.RequestURI == "" {
		req = r.Clone(r.Context())
		req.RequestURI = r.URL.RequestURI()
		if req.Host == "" {
			req.Host = r.URL.Host
		}
	}
	if req.Body == nil {
		req.Body = http.NoBody
	}
	rec := recorder.NewResponseRecorder()
	t.handler.ServeHTTP(rec, req)
	return rec.Result(r), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
