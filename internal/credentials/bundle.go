// Package credentials manages the authentication material produced by a
// successful pairing: in-memory bundles, their on-disk layout, archives and
// off-host backups.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CredsFile is the file every credential directory must contain.
const CredsFile = "creds.json"

// ErrNoCredentials is returned when a directory or bundle lacks CredsFile.
var ErrNoCredentials = errors.New("no credentials")

// ErrCorruptCredentials is returned when CredsFile is not valid JSON, as
// left behind by a client killed mid-write.
var ErrCorruptCredentials = errors.New("corrupt credentials")

// Bundle is an immutable snapshot of a credential directory. It is
// self-contained: writing it to an empty directory is enough for a worker
// to reconnect without pairing again.
type Bundle struct {
	files      map[string][]byte
	exportedAt time.Time
}

// NewBundle builds a bundle from relative file names and contents.
func NewBundle(files map[string][]byte, exportedAt time.Time) (*Bundle, error) {
	if _, ok := files[CredsFile]; !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrNoCredentials, CredsFile)
	}
	copied := make(map[string][]byte, len(files))
	for name, data := range files {
		clean := filepath.ToSlash(filepath.Clean(name))
		if clean == "." || strings.HasPrefix(clean, "../") || filepath.IsAbs(name) {
			return nil, fmt.Errorf("invalid credential file name %q", name)
		}
		copied[clean] = append([]byte(nil), data...)
	}
	return &Bundle{files: copied, exportedAt: exportedAt}, nil
}

// Snapshot reads every regular file under dir into a bundle.
func Snapshot(dir string) (*Bundle, error) {
	files := make(map[string][]byte)
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
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", dir, err)
	}
	return NewBundle(files, time.Now())
}

// ExportedAt is when the bundle was captured.
func (b *Bundle) ExportedAt() time.Time { return b.exportedAt }

// Files returns the sorted relative file names in the bundle.
func (b *Bundle) Files() []string {
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// File returns a copy of one file's contents.
func (b *Bundle) File(name string) ([]byte, bool) {
	data, ok := b.files[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Validate checks that the creds file is complete JSON.
func (b *Bundle) Validate() error {
	if !json.Valid(b.files[CredsFile]) {
		return fmt.Errorf("%w: %s is not valid JSON", ErrCorruptCredentials, CredsFile)
	}
	return nil
}

// SessionString is the base64 form of the creds file, the portable
// single-string export handed to users.
func (b *Bundle) SessionString() string {
	return base64.StdEncoding.EncodeToString(b.files[CredsFile])
}

// Materialize writes the bundle into dir, creating it if needed.
func (b *Bundle) Materialize(dir string) error {
	for _, name := range b.Files() {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
		if err := os.WriteFile(path, b.files[name], 0o600); err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
	}
	return nil
}

type bundleJSON struct {
	ExportedAt time.Time         `json:"exported_at"`
	Files      map[string][]byte `json:"files"`
}

// MarshalJSON encodes the bundle with base64 file contents.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(bundleJSON{ExportedAt: b.exportedAt, Files: b.files})
}

// UnmarshalJSON decodes a bundle produced by MarshalJSON.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var raw bundleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nb, err := NewBundle(raw.Files, raw.ExportedAt)
	if err != nil {
		return err
	}
	*b = *nb
	return nil
}
