// Package atomicfile replaces files so readers only ever see a complete
// previous or next version.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-evidence/internal/resilience"
)

// Write writes data to a temp file beside path, syncs it and renames it over
// path. Failures are fatal: they mean the volume is unusable.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return resilience.Fatal(eris.Wrapf(err, "atomicfile: mkdir %s", dir))
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return resilience.Fatal(eris.Wrap(err, "atomicfile: create temp"))
	}
	name := tmp.Name()
	fail := func(err error, msg string) error {
		_ = tmp.Close()
		_ = os.Remove(name)
		return resilience.Fatal(eris.Wrap(err, msg))
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err, "atomicfile: write")
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail(err, "atomicfile: chmod")
	}
	if err := tmp.Sync(); err != nil {
		return fail(err, "atomicfile: sync")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return resilience.Fatal(eris.Wrap(err, "atomicfile: close"))
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return resilience.Fatal(eris.Wrapf(err, "atomicfile: rename %s", path))
	}
	return nil
}
