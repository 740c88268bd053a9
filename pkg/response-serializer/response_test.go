package serializer

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	_, err = ResponseToBytes(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestRoundTrip(t *testing.T) {
	res := &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("Offline")),
	}
	res.Header.Set("Content-Type", "text/plain")

	bts, err := ResponseToBytes(res)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	req, _ := http.NewRequest("GET", "/", nil)
	res2, err := BytesToResponse(bts, req)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if res2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", res2.StatusCode)
	}
	if res2.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("Header wrong %+v", res2.Header)
	}
	if res2.Request != req {
		t.Fatal("Request not set on response")
	}
	if body, _ := io.ReadAll(res2.Body); string(body) != "Offline" {
		t.Fatalf("Body is %q", body)
	}
}

func TestNilBody(t *testing.T) {
	res := &http.Response{StatusCode: http.StatusNoContent, ProtoMajor: 1, ProtoMinor: 1, Header: http.Header{}}
	bts, err := ResponseToBytes(res)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := BytesToResponse(bts, nil); err != nil {
		t.Fatal(err)
	}
}
