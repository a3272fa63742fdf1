package credentials

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store lays out credential directories on disk:
//
//	<pairing root>/<session id>/   written by the transport during a handshake
//	<sessions root>/<session id>/  read by the session's worker process
type Store struct {
	pairingRoot  string
	sessionsRoot string
}

// NewStore creates a store rooted at the two directories.
func NewStore(pairingRoot, sessionsRoot string) *Store {
	return &Store{pairingRoot: pairingRoot, sessionsRoot: sessionsRoot}
}

// SessionsRoot is the directory scanned by boot recovery.
func (s *Store) SessionsRoot() string { return s.sessionsRoot }

// EnsureLayout creates both roots.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{s.pairingRoot, s.sessionsRoot} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ValidateID rejects identifiers that could escape the store roots.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// PairingDir is the handshake credential directory for id.
func (s *Store) PairingDir(id string) string { return filepath.Join(s.pairingRoot, id) }

// SessionDir is the worker credential directory for id.
func (s *Store) SessionDir(id string) string { return filepath.Join(s.sessionsRoot, id) }

// ResetPairingDir removes any previous handshake material for id and
// returns a fresh empty directory.
func (s *Store) ResetPairingDir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	dir := s.PairingDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset pairing dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("reset pairing dir: %w", err)
	}
	return dir, nil
}

// RemovePairingDir deletes the handshake directory for id.
func (s *Store) RemovePairingDir(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return os.RemoveAll(s.PairingDir(id))
}

// Materialize replaces the worker directory of id with the bundle contents.
// The bundle is written to a sibling staging directory first so a worker
// never sees a half-written directory.
func (s *Store) Materialize(id string, b *Bundle) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	if b == nil {
		return "", ErrNoCredentials
	}
	if err := os.MkdirAll(s.sessionsRoot, 0o700); err != nil {
		return "", fmt.Errorf("materialize %s: %w", id, err)
	}
	staging, err := os.MkdirTemp(s.sessionsRoot, "."+id+"-*")
	if err != nil {
		return "", fmt.Errorf("materialize %s: %w", id, err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := b.Materialize(staging); err != nil {
		return "", err
	}
	target := s.SessionDir(id)
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("materialize %s: %w", id, err)
	}
	if err := os.Rename(staging, target); err != nil {
		return "", fmt.Errorf("materialize %s: %w", id, err)
	}
	return target, nil
}

// EnsureMaterialized returns the worker directory of id, keeping it as is
// when it already holds valid credentials: a running worker updates its
// creds in place and those updates must survive a restart. A missing or
// corrupt directory is rebuilt from b.
func (s *Store) EnsureMaterialized(id string, b *Bundle) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	dir := s.SessionDir(id)
	if ValidCredentials(dir) {
		return dir, nil
	}
	return s.Materialize(id, b)
}

// ValidCredentials reports whether dir holds a creds file with complete
// JSON.
func ValidCredentials(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, CredsFile))
	return err == nil && json.Valid(data)
}

// HasCredentials reports whether dir holds a creds file.
func HasCredentials(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, CredsFile))
	return err == nil && info.Mode().IsRegular()
}

// Load reads the worker directory of id into a bundle.
func (s *Store) Load(id string) (*Bundle, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	dir := s.SessionDir(id)
	if !HasCredentials(dir) {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, dir)
	}
	return Snapshot(dir)
}

// CredentialDir returns the directory to export for id: the worker
// directory when present, otherwise the handshake directory.
func (s *Store) CredentialDir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	for _, dir := range []string{s.SessionDir(id), s.PairingDir(id)} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoCredentials, id)
}

// Archive writes a zip of the credential directory of id to w.
func (s *Store) Archive(id string, w io.Writer) error {
	dir, err := s.CredentialDir(id)
	if err != nil {
		return err
	}
	return ArchiveDir(dir, w)
}

// ArchiveDir zips every regular file under dir with paths relative to dir.
func ArchiveDir(dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoCredentials, dir)
		}
		return fmt.Errorf("archive %s: %w", dir, err)
	}
	return zw.Close()
}
