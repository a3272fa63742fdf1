// Package testutil provides shared test helpers to reduce boilerplate across unit tests.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/session"
)

// MustMarshalJSON marshals v to JSON, failing the test if marshaling fails.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// AssertErrorContains asserts that err is non-nil and its message contains substr.
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}

// Eventually polls cond every few milliseconds until it holds or timeout
// elapses, then fails the test with msg.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Never fails the test if cond becomes true within d.
func Never(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("unexpected condition: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WriteCreds writes a minimal credential directory at dir.
func WriteCreds(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("create %s: %v", dir, err)
	}
	path := filepath.Join(dir, credentials.CredsFile)
	if err := os.WriteFile(path, []byte(`{"registered":true}`), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// Bundle returns a minimal credential bundle.
func Bundle(t *testing.T) *credentials.Bundle {
	t.Helper()
	b, err := credentials.NewBundle(map[string][]byte{credentials.CredsFile: []byte(`{"registered":true}`)}, time.Now())
	if err != nil {
		t.Fatalf("NewBundle() error = %v", err)
	}
	return b
}

// PairedSession creates a session in reg and marks it completed.
func PairedSession(t *testing.T, reg *session.Registry, subject string) session.Session {
	t.Helper()
	s, err := reg.Create(subject, 0, time.Now())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	bundle := Bundle(t)
	s, err = reg.Update(s.ID, func(s *session.Session) error {
		s.Phase = session.Completed{Credentials: bundle}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	return s
}
