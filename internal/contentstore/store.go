// Package contentstore keeps image artifacts on disk under their SHA-256
// digest, sharded by hash prefix, together with the JSON manifest that
// links artifacts to the targets that produced them.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-evidence/internal/resilience"
)

// ShardLen is the number of leading hex characters used as the shard directory.
const ShardLen = 8

// DefaultExt is the extension of normalized artifacts.
const DefaultExt = "jpg"

// PutResult describes the outcome of a Put.
type PutResult struct {
	Hash string
	Path string
	Size int64
	// Created is false when identical bytes were already stored.
	Created bool
}

// Store is a write-once, content-addressed artifact store rooted at a directory.
type Store struct {
	root string
	ext  string
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, resilience.Fatal(eris.Wrapf(err, "contentstore: create root %s", root))
	}
	return &Store{root: root, ext: DefaultExt}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Hash returns the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether h looks like a digest this store produced.
func ValidHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// ArtifactPerm is the mode of stored artifacts. Temp files start at 0600.
const ArtifactPerm fs.FileMode = 0o644

// PathFor returns the artifact location for hash: {root}/{hash[:8]}/{hash}.{ext}.
func (s *Store) PathFor(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", eris.Errorf("contentstore: invalid hash %q", hash)
	}
	return s.path(hash), nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash[:ShardLen], hash+"."+s.ext)
}

// Exists reports whether an artifact for hash is present.
func (s *Store) Exists(hash string) (bool, error) {
	if !ValidHash(hash) {
		return false, eris.Errorf("contentstore: invalid hash %q", hash)
	}
	_, err := os.Stat(s.path(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, resilience.Fatal(eris.Wrapf(err, "contentstore: stat %s", hash))
}

// Put stores data under its digest. Bytes are written to a temp file in the
// shard directory and renamed into place, so readers never observe a partial
// artifact. Concurrent puts of the same bytes race harmlessly: the rename is
// idempotent, and a writer that finds the artifact already present discards
// its temp file.
func (s *Store) Put(data []byte) (*PutResult, error) {
	if len(data) == 0 {
		return nil, eris.New("contentstore: refusing to store empty artifact")
	}
	hash := Hash(data)
	final := s.path(hash)
	res := &PutResult{Hash: hash, Path: final, Size: int64(len(data))}

	if ok, err := s.Exists(hash); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, resilience.Fatal(eris.Wrapf(err, "contentstore: create shard %s", dir))
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return nil, resilience.Fatal(eris.Wrap(err, "contentstore: create temp file"))
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return nil, resilience.Fatal(eris.Wrap(err, "contentstore: write temp file"))
	}
	if err := tmp.Chmod(ArtifactPerm); err != nil {
		_ = tmp.Close()
		cleanup()
		return nil, resilience.Fatal(eris.Wrap(err, "contentstore: chmod temp file"))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return nil, resilience.Fatal(eris.Wrap(err, "contentstore: sync temp file"))
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return nil, resilience.Fatal(eris.Wrap(err, "contentstore: close temp file"))
	}

	// Another writer may have landed the same bytes while we were writing.
	if ok, _ := s.Exists(hash); ok {
		cleanup()
		return res, nil
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return nil, resilience.Fatal(eris.Wrapf(err, "contentstore: rename into %s", final))
	}
	res.Created = true
	return res, nil
}

// Read returns the stored bytes for hash.
func (s *Store) Read(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, eris.Errorf("contentstore: invalid hash %q", hash)
	}
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		return nil, eris.Wrapf(err, "contentstore: read %s", hash)
	}
	return data, nil
}

// Remove deletes the artifact for hash. Missing artifacts are not an error.
// Empty shard directories are pruned.
func (s *Store) Remove(hash string) (int64, error) {
	if !ValidHash(hash) {
		return 0, eris.Errorf("contentstore: invalid hash %q", hash)
	}
	p := s.path(hash)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, resilience.Fatal(eris.Wrapf(err, "contentstore: stat %s", hash))
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, resilience.Fatal(eris.Wrapf(err, "contentstore: remove %s", hash))
	}
	_ = os.Remove(filepath.Dir(p)) // fails harmlessly while the shard is non-empty
	return info.Size(), nil
}

// Artifact is one file found by Walk.
type Artifact struct {
	Hash    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Walk lists every artifact under the root. Temp files and foreign files are skipped.
func (s *Store) Walk() ([]Artifact, error) {
	var out []Artifact
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			return nil
		}
		hash := strings.TrimSuffix(name, filepath.Ext(name))
		if !ValidHash(hash) || filepath.Base(filepath.Dir(p)) != hash[:ShardLen] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Artifact{Hash: hash, Path: p, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, resilience.Fatal(eris.Wrap(err, "contentstore: walk"))
	}
	return out, nil
}
