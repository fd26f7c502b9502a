// Package testutil provides testing utilities for the Checko fetcher.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockCheckoResponse defines a canned response for one key.
type MockCheckoResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockRequest records one call made to the mock server.
type MockRequest struct {
	Key    string
	OGRN   string
	Source string
}

// MockChecko is a configurable mock Checko company endpoint.
//
// Without per-key overrides every key succeeds and the mock reports a per-key
// today_request_count. A key given a daily limit gets the quota error once its
// count would pass the limit. Invalid keys get HTTP 401.
type MockChecko struct {
	server *httptest.Server
	mu     sync.Mutex

	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	limits   map[string]int
	invalid  map[string]bool
	counts   map[string]int
	requests []MockRequest

	LastRequestHeader http.Header
}

// NewMockChecko creates and starts a new mock server.
func NewMockChecko() *MockChecko {
	mock := &MockChecko{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		limits:   make(map[string]int),
		invalid:  make(map[string]bool),
		counts:   make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		key := q.Get("key")

		mock.mu.Lock()
		mock.requests = append(mock.requests, MockRequest{Key: key, OGRN: q.Get("ogrn"), Source: q.Get("source")})
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[key]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockChecko) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockChecko) Close() {
	m.server.Close()
}

// Reset clears recorded requests and per-key counters.
func (m *MockChecko) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.counts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for requests made with key.
func (m *MockChecko) SetHandler(key string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[key] = handler
}

// SetResponse configures a fixed response for requests made with key.
func (m *MockChecko) SetResponse(key string, resp MockCheckoResponse) {
	m.SetHandler(key, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetDailyLimit makes key fail with the quota error after limit successful
// requests.
func (m *MockChecko) SetDailyLimit(key string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[key] = limit
}

// SetInvalidKey makes every request with key fail with HTTP 401.
func (m *MockChecko) SetInvalidKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[key] = true
}

// Requests returns a copy of all requests received so far.
func (m *MockChecko) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockChecko) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// RequestCountFor returns the number of requests made with key.
func (m *MockChecko) RequestCountFor(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Key == key {
			n++
		}
	}
	return n
}

func (m *MockChecko) defaultHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	m.mu.Lock()
	if m.invalid[key] {
		m.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"meta":{"status":"error","message":"Invalid API key"}}`))
		return
	}
	if limit, ok := m.limits[key]; ok && m.counts[key] >= limit {
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(ErrorBody("Daily limit exceeded")))
		return
	}
	m.counts[key]++
	count := m.counts[key]
	m.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(OKBody(q.Get("ogrn"), count)))
}

// OKBody returns a successful company response for ogrn.
func OKBody(ogrn string, todayRequestCount int) string {
	body := map[string]any{
		"meta": map[string]any{
			"status":              "ok",
			"today_request_count": todayRequestCount,
			"balance":             1000,
		},
		"data": map[string]any{
			"ОГРН":          ogrn,
			"НаимСокр":      fmt.Sprintf("ООО \"Компания %s\"", ogrn),
			"Статус":        map[string]any{"Наим": "Действует"},
			"ДатаРег":       "2010-05-17",
			"ЮрАдрес":       map[string]any{"АдресРФ": "г. Москва"},
			"Руковод":       []any{},
			"ОКВЭД":         map[string]any{"Код": "62.01"},
			"ТекстИсточник": "ЕГРЮЛ",
		},
	}
	b, _ := json.Marshal(body)
	return string(b)
}

// ErrorBody returns a service error response carrying message.
func ErrorBody(message string) string {
	b, _ := json.Marshal(map[string]any{
		"meta": map[string]any{
			"status":  "error",
			"message": message,
		},
	})
	return string(b)
}

// NewOKResponse creates a 200 OK company response.
func NewOKResponse(ogrn string, todayRequestCount int) MockCheckoResponse {
	return MockCheckoResponse{StatusCode: http.StatusOK, Body: OKBody(ogrn, todayRequestCount)}
}

// NewLimitResponse creates the daily quota error response.
func NewLimitResponse() MockCheckoResponse {
	return MockCheckoResponse{StatusCode: http.StatusOK, Body: ErrorBody("Daily limit exceeded")}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockCheckoResponse {
	return MockCheckoResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"meta":{"status":"error","message":"Invalid API key"}}`,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockCheckoResponse {
	return MockCheckoResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}
