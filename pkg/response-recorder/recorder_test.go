package recorder

import (
	"io"
	"net/http"
	"testing"
)

func TestImplicitStatus(t *testing.T) {
	rec := NewResponseRecorder()
	rec.Header().Set("Content-Type", "text/plain")
	rec.Write([]byte("Hello world"))

	res := rec.Result(nil)
	if res.StatusCode != http.StatusOK || res.Status != "200 OK" {
		t.Fatalf("Status is %d %q", res.StatusCode, res.Status)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if body, _ := io.ReadAll(res.Body); string(body) != "Hello world" {
		t.Fatalf("Body is %q", body)
	}
	if res.ContentLength != 11 {
		t.Fatalf("Content length is %d", res.ContentLength)
	}
}

func TestHeadersAfterWriteHeaderIgnored(t *testing.T) {
	rec := NewResponseRecorder()
	rec.WriteHeader(http.StatusNotFound)
	rec.WriteHeader(http.StatusOK)
	rec.Header().Set("X-Late", "1")

	res := rec.Result(nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if res.Header.Get("X-Late") != "" {
		t.Fatal("Late header was recorded")
	}
}

func TestNothingWritten(t *testing.T) {
	req, _ := http.NewRequest("GET", "/", nil)
	res := NewResponseRecorder().Result(req)
	if res.StatusCode != http.StatusOK || res.Request != req {
		t.Fatalf("Unexpected response %+v", res)
	}
}
