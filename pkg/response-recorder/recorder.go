package recorder

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseRecorder is an http.ResponseWriter that keeps the response in memory,
// so that the output of an in-process handler can be handled like a response from the network.
type ResponseRecorder struct {
	b            *bytes.Buffer
	header       http.Header
	sentHeader   http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// header changes after this point are not part of the response
	t.sentHeader = t.header.Clone()
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Flush implements http.Flusher. The recorder buffers everything, so it is a no-op.
func (t *ResponseRecorder) Flush() {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
}

// StatusCode returns the status code of the response.
func (t *ResponseRecorder) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Result returns the recorded response as if it had been read from the network.
func (t *ResponseRecorder) Result(req *http.Request) *http.Response {
	header := t.sentHeader
	if !t.wroteHeaders {
		header = t.header.Clone()
	}
	status := t.StatusCode()
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(t.b.Bytes())),
		ContentLength: int64(t.b.Len()),
		Request:       req,
	}
}

// NewResponseRecorder returns a new, empty ResponseRecorder.
func NewResponseRecorder() *ResponseRecorder {
	return &ResponseRecorder{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
