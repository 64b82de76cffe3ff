package utils_test

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// RecordedRequest is a request seen by FakeTransport, with its body read out
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// FakeTransport is an http.RoundTripper that answers every request with a
// canned response and records what it was asked.
type FakeTransport struct {
	StatusCode int
	Body       string
	Err        error

	mu       sync.Mutex
	requests []RecordedRequest
}

// NewFakeClient returns an http.Client backed by a FakeTransport
func NewFakeClient(statusCode int, body string) (*http.Client, *FakeTransport) {
	ft := &FakeTransport{StatusCode: statusCode, Body: body}
	return &http.Client{Transport: ft}, ft
}

func (ft *FakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := RecordedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.RawQuery,
		Header: req.Header.Clone(),
	}
	if req.Body != nil {
		rec.Body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	ft.mu.Lock()
	ft.requests = append(ft.requests, rec)
	ft.mu.Unlock()

	if ft.Err != nil {
		return nil, ft.Err
	}

	return &http.Response{
		StatusCode: ft.StatusCode,
		Status:     http.StatusText(ft.StatusCode),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(ft.Body)),
		Request:    req,
	}, nil
}

// Requests returns everything recorded so far
func (ft *FakeTransport) Requests() []RecordedRequest {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]RecordedRequest(nil), ft.requests...)
}
