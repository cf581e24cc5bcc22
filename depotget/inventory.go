package depotget

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/veldora/depotget/depotget/logger"
)

// VerifyStrategy selects how the scanner decides a chunk is present locally.
type VerifyStrategy int

const (
	// Trusted reuses the previous manifest's hash-to-range mapping without
	// re-reading file bytes. Only a size check guards against truncation.
	Trusted VerifyStrategy = iota
	// Verified re-hashes every chunk range against its expected digest.
	Verified
)

// ChunkLocation records where a chunk's decompressed bytes live on disk.
type ChunkLocation struct {
	Path   string // relative to the install root
	Offset int64
	Size   int64
}

// LocalInventory maps content digests to on-disk locations of chunks that are
// verifiably present in the current install. Built once per sync session and
// read-only afterwards.
type LocalInventory struct {
	locations map[digest.Digest][]ChunkLocation
}

// NewLocalInventory returns an empty inventory.
func NewLocalInventory() *LocalInventory {
	return &LocalInventory{locations: make(map[digest.Digest][]ChunkLocation)}
}

// Lookup returns all known locations for a digest, or nil.
func (inv *LocalInventory) Lookup(d digest.Digest) []ChunkLocation {
	return inv.locations[d]
}

// Len returns the number of distinct digests in the inventory.
func (inv *LocalInventory) Len() int {
	return len(inv.locations)
}

func (inv *LocalInventory) add(d digest.Digest, loc ChunkLocation) {
	inv.locations[d] = append(inv.locations[d], loc)
}

// ScanInventory inspects the existing install against the previously
// installed build's manifest. Files that are missing or unreadable simply
// contribute no entries; the reconciler treats absence as "must fetch".
func ScanInventory(ctx context.Context, root string, previous *BuildManifest, strategy VerifyStrategy) (*LocalInventory, error) {
	inv := NewLocalInventory()
	if previous == nil {
		return inv, nil
	}

	for i := range previous.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file := &previous.Files[i]
		fullPath := filepath.Join(root, filepath.FromSlash(file.Path))

		info, err := os.Stat(fullPath)
		if err != nil || info.IsDir() || info.Size() != file.Size {
			continue
		}

		switch strategy {
		case Trusted:
			var offset int64
			for j := range file.Chunks {
				chunk := &file.Chunks[j]
				inv.add(chunk.Digest, ChunkLocation{Path: file.Path, Offset: offset, Size: chunk.Size})
				offset += chunk.Size
			}
		case Verified:
			if err := scanFileVerified(fullPath, file, inv); err != nil {
				logger.Warn("inventory: skipping unreadable file %s: %v", file.Path, err)
			}
		}
	}

	logger.Debug("inventory: %d distinct chunks found under %s", inv.Len(), root)
	return inv, nil
}

// scanFileVerified hashes each chunk range and records only the ranges whose
// content matches the manifest. A partially corrupted file still contributes
// its intact chunks.
func scanFileVerified(fullPath string, file *FileEntry, inv *LocalInventory) error {
	f, err := os.Open(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var offset int64
	for j := range file.Chunks {
		chunk := &file.Chunks[j]
		if chunk.Size > 0 {
			section := io.NewSectionReader(f, offset, chunk.Size)
			actual, err := chunk.Digest.Algorithm().FromReader(section)
			if err != nil {
				return err
			}
			if actual != chunk.Digest {
				offset += chunk.Size
				continue
			}
		}
		inv.add(chunk.Digest, ChunkLocation{Path: file.Path, Offset: offset, Size: chunk.Size})
		offset += chunk.Size
	}
	return nil
}
