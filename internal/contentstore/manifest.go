package contentstore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-evidence/internal/atomicfile"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

// ManifestVersion is the current manifest file format version.
const ManifestVersion = 1

type manifestFile struct {
	Version int                   `json:"version"`
	Entries []model.ManifestEntry `json:"entries"`
}

// Manifest is the JSON index of stored artifacts. All mutation goes through
// Update, which takes the file lock, re-reads the file, applies the change
// and atomically replaces it. The on-disk manifest is always a complete
// document and concurrent writers in other processes never lose entries.
type Manifest struct {
	path string
	lock *atomicfile.Locker
}

// OpenManifest returns a manifest backed by path. The file is created lazily
// on first write; a corrupt existing file is a fatal error.
func OpenManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, lock: atomicfile.NewLocker(path)}
	if _, err := m.read(); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the manifest file location.
func (m *Manifest) Path() string { return m.path }

func (m *Manifest) read() (*manifestFile, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &manifestFile{Version: ManifestVersion}, nil
	}
	if err != nil {
		return nil, resilience.Fatal(eris.Wrapf(err, "manifest: read %s", m.path))
	}
	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, resilience.Fatal(eris.Wrapf(err, "manifest: corrupt file %s", m.path))
	}
	if mf.Version > ManifestVersion {
		return nil, resilience.Fatal(eris.Errorf("manifest: version %d is newer than supported %d", mf.Version, ManifestVersion))
	}
	mf.Version = ManifestVersion
	return &mf, nil
}

func (m *Manifest) write(mf *manifestFile) error {
	sort.SliceStable(mf.Entries, func(i, j int) bool {
		a, b := mf.Entries[i], mf.Entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.TargetID != b.TargetID {
			return a.TargetID < b.TargetID
		}
		return a.ContentHash < b.ContentHash
	})
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return eris.Wrap(err, "manifest: marshal")
	}
	return atomicfile.Write(m.path, data)
}

// Update applies fn to the current entries and persists the result.
// Returning an error from fn aborts without writing.
func (m *Manifest) Update(fn func(entries []model.ManifestEntry) ([]model.ManifestEntry, error)) error {
	if err := m.lock.Lock(); err != nil {
		return err
	}
	defer m.lock.Unlock()

	mf, err := m.read()
	if err != nil {
		return err
	}
	next, err := fn(mf.Entries)
	if err != nil {
		return err
	}
	mf.Entries = next
	return m.write(mf)
}

// Add appends entries, skipping any (content_hash, target_id) pair already
// present. It returns the entries actually added.
func (m *Manifest) Add(entries ...model.ManifestEntry) ([]model.ManifestEntry, error) {
	var added []model.ManifestEntry
	err := m.Update(func(cur []model.ManifestEntry) ([]model.ManifestEntry, error) {
		seen := make(map[[2]string]bool, len(cur))
		for _, e := range cur {
			seen[[2]string{e.ContentHash, e.TargetID}] = true
		}
		for _, e := range entries {
			key := [2]string{e.ContentHash, e.TargetID}
			if seen[key] {
				continue
			}
			seen[key] = true
			cur = append(cur, e)
			added = append(added, e)
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Remove deletes every entry for which match returns true and returns them.
func (m *Manifest) Remove(match func(model.ManifestEntry) bool) ([]model.ManifestEntry, error) {
	var removed []model.ManifestEntry
	err := m.Update(func(cur []model.ManifestEntry) ([]model.ManifestEntry, error) {
		kept := cur[:0:0]
		for _, e := range cur {
			if match(e) {
				removed = append(removed, e)
				continue
			}
			kept = append(kept, e)
		}
		return kept, nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Entries returns a snapshot of all entries. Writers replace the file
// atomically, so reading needs no lock.
func (m *Manifest) Entries() ([]model.ManifestEntry, error) {
	mf, err := m.read()
	if err != nil {
		return nil, err
	}
	return mf.Entries, nil
}

// ForTarget returns the entries recorded against targetID.
func (m *Manifest) ForTarget(targetID string) ([]model.ManifestEntry, error) {
	all, err := m.Entries()
	if err != nil {
		return nil, err
	}
	var out []model.ManifestEntry
	for _, e := range all {
		if e.TargetID == targetID {
			out = append(out, e)
		}
	}
	return out, nil
}
