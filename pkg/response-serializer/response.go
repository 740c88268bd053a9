package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// BytesToResponse converts a byte slice to a http.Response.
// The given request (may be nil) is set as the request of the response.
// The whole body is held in memory, so the response can be read after b changes.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The body of res is consumed and replaced, so res can still be sent afterwards.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	body := []byte{}
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}
	// write a copy with a fully buffered body, so the content length is known
	clone := *res
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil
	buf := &bytes.Buffer{}
	err := clone.Write(buf)
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
