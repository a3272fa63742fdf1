package uptime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPing(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/api/stats" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := New(srv.URL+"/", WithGap(time.Millisecond))
	results := m.Ping(context.Background())

	if len(results) != 3 {
		t.Fatalf("Ping() returned %d results, want 3", len(results))
	}
	for i, path := range DefaultPaths {
		if results[i].Path != path {
			t.Errorf("result %d path = %q, want %q", i, results[i].Path, path)
		}
	}
	if results[0].Err != nil || results[0].Status != http.StatusOK {
		t.Errorf("health result = %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("503 should be reported as an error")
	}
	if len(seen) != 3 || seen[2] != "/" {
		t.Errorf("server saw %v", seen)
	}
}

func TestPingUnreachable(t *testing.T) {
	m := New("http://127.0.0.1:1", WithPaths("/api/health"), WithTimeout(200*time.Millisecond))
	results := m.Ping(context.Background())
	if len(results) != 1 || results[0].Err == nil {
		t.Errorf("Ping() = %+v, want one error", results)
	}
}

func TestWaitForHealth(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := WaitForHealth(context.Background(), srv.URL, 5*time.Second); err != nil {
		t.Fatalf("WaitForHealth() error = %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	if err := WaitForHealth(context.Background(), down.URL, 300*time.Millisecond); err == nil {
		t.Error("WaitForHealth() on failing server should time out")
	}
}
