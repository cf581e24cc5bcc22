package depotget

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	depoterrors "github.com/veldora/depotget/depotget/errors"
)

// downloadSuffix marks a file still being assembled. A crash mid-write leaves
// the suffix in place, so a staged file is never mistaken for a finished one.
const downloadSuffix = ".download"

// finalFileMode is applied when a staged file is promoted.
const finalFileMode = 0o644

// Assembler writes verified chunk bytes and local reuse copies into staged
// destination files under the install root, then promotes them atomically.
//
// Every destination file is staged as "<path>.download" and pre-sized to its
// final length before any writes, so concurrent writers targeting different
// offsets never race on file extension. Callers guarantee offset-disjoint
// writes; the shared handle's WriteAt needs no further locking.
type Assembler struct {
	root string

	mu     sync.Mutex
	staged map[string]*os.File
}

// NewAssembler creates an assembler rooted at the install directory.
func NewAssembler(root string) *Assembler {
	return &Assembler{
		root:   root,
		staged: make(map[string]*os.File),
	}
}

// StagingPath returns the on-disk staging location for a manifest path.
func (a *Assembler) StagingPath(path string) string {
	return filepath.Join(a.root, filepath.FromSlash(path)) + downloadSuffix
}

// FinalPath returns the on-disk final location for a manifest path.
func (a *Assembler) FinalPath(path string) string {
	return filepath.Join(a.root, filepath.FromSlash(path))
}

// Allocate opens (or re-opens, on resume) the staging file for path and
// pre-sizes it. Truncate produces a sparse file where the filesystem
// supports it; existing partial bytes from a prior session survive.
func (a *Assembler) Allocate(path string, size int64) error {
	staging := a.StagingPath(path)
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return depoterrors.ErrIO.WithDetail("path", path).WithCause(err)
	}

	f, err := os.OpenFile(staging, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return depoterrors.ErrIO.WithDetail("path", path).WithCause(err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return depoterrors.ErrIO.WithDetail("path", path).WithCause(err)
	}

	a.mu.Lock()
	if old, ok := a.staged[path]; ok {
		old.Close()
	}
	a.staged[path] = f
	a.mu.Unlock()
	return nil
}

func (a *Assembler) handle(path string) (*os.File, error) {
	a.mu.Lock()
	f, ok := a.staged[path]
	a.mu.Unlock()
	if !ok {
		return nil, depoterrors.ErrIO.
			WithMessage("write to unallocated file").
			WithDetail("path", path)
	}
	return f, nil
}

// WriteChunkAt places decompressed chunk bytes at the destination offset.
// Safe for concurrent use across disjoint ranges of the same file.
func (a *Assembler) WriteChunkAt(path string, offset int64, data []byte) error {
	f, err := a.handle(path)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return depoterrors.ErrIO.WithDetail("path", path).WithDetail("offset", offset).WithCause(err)
	}
	return nil
}

// CopyRange satisfies a reuse task by copying the source range from the
// still-present old file into the staged destination. The range is buffered
// in full before writing, so overlapping regions of one file copy safely.
func (a *Assembler) CopyRange(task ReuseTask) error {
	if task.Size == 0 {
		return nil
	}

	src, err := os.Open(a.FinalPath(task.Source.Path))
	if err != nil {
		return depoterrors.ErrIO.WithDetail("path", task.Source.Path).WithCause(err)
	}
	defer src.Close()

	buf := make([]byte, task.Size)
	if _, err := io.ReadFull(io.NewSectionReader(src, task.Source.Offset, task.Size), buf); err != nil {
		return depoterrors.ErrIO.
			WithMessage("short read from reuse source").
			WithDetail("path", task.Source.Path).
			WithDetail("offset", task.Source.Offset).
			WithCause(err)
	}

	return a.WriteChunkAt(task.Dest.Path, task.Dest.Offset, buf)
}

// Finalize flushes the staged file and renames it over the final path. The
// old file stays readable as a reuse source right up to the rename, keeping
// resume deterministic. After promotion the file is a valid inventory source
// for future scans.
func (a *Assembler) Finalize(path string) error {
	f, err := a.handle(path)
	if err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return depoterrors.ErrIO.WithDetail("path", path).WithCause(err)
	}
	if err := f.Chmod(finalFileMode); err != nil {
		f.Close()
		return depoterrors.ErrIO.WithDetail("path", path).WithCause(err)
	}
	if err := f.Close(); err != nil {
		return depoterrors.ErrIO.WithDetail("path", path).WithCause(err)
	}

	a.mu.Lock()
	delete(a.staged, path)
	a.mu.Unlock()

	if err := os.Rename(a.StagingPath(path), a.FinalPath(path)); err != nil {
		return depoterrors.ErrIO.WithDetail("path", path).WithCause(err)
	}
	return nil
}

// Close releases any staging handles that were not finalized. Staged files
// stay on disk for the next resume attempt.
func (a *Assembler) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for path, f := range a.staged {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = depoterrors.ErrIO.WithDetail("path", path).WithCause(err)
		}
		delete(a.staged, path)
	}
	return firstErr
}
