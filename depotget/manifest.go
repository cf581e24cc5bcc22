package depotget

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	depoterrors "github.com/veldora/depotget/depotget/errors"
)

// ChunkDescriptor describes one content-addressed chunk of a file. Chunks are
// stored zlib-compressed on the CDN; Digest covers the decompressed bytes and
// CompressedDigest the blob as transferred. Immutable once parsed.
type ChunkDescriptor struct {
	Digest           digest.Digest `json:"digest"`
	CompressedDigest digest.Digest `json:"compressedDigest"`
	Size             int64         `json:"size"`
	CompressedSize   int64         `json:"compressedSize"`
	// Locator is resolved against the CDN base URL. Empty means the default
	// fan-out layout derived from the compressed digest.
	Locator string `json:"locator,omitempty"`
}

// ResolveLocator returns the chunk's retrieval path relative to the CDN base.
func (c *ChunkDescriptor) ResolveLocator() string {
	if c.Locator != "" {
		return c.Locator
	}
	return DefaultLocator(c.CompressedDigest)
}

// DefaultLocator maps a digest to the CDN fan-out path ab/cd/abcdef...
func DefaultLocator(d digest.Digest) string {
	hex := d.Encoded()
	if len(hex) < 4 {
		return hex
	}
	return fmt.Sprintf("%s/%s/%s", hex[0:2], hex[2:4], hex)
}

// FileEntry describes one target file as an ordered chunk sequence. Chunk
// order defines byte offsets: chunk i starts at the sum of preceding sizes.
type FileEntry struct {
	Path   string            `json:"path"`
	Size   int64             `json:"size"`
	Chunks []ChunkDescriptor `json:"chunks"`
}

// ChunkOffset returns the byte offset of chunk i within the file.
func (f *FileEntry) ChunkOffset(i int) int64 {
	var off int64
	for j := 0; j < i && j < len(f.Chunks); j++ {
		off += f.Chunks[j].Size
	}
	return off
}

// BuildManifest is the parsed, read-only description of a build.
type BuildManifest struct {
	BuildID string      `json:"buildId"`
	Files   []FileEntry `json:"files"`
}

// TotalSize returns the decompressed size of all files in the build.
func (m *BuildManifest) TotalSize() int64 {
	var total int64
	for i := range m.Files {
		total += m.Files[i].Size
	}
	return total
}

// ParseManifest parses and validates a manifest blob. Any structural
// violation fails with MANIFEST_INVALID; the returned manifest is never
// mutated afterwards.
func ParseManifest(data []byte) (*BuildManifest, error) {
	var m BuildManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, depoterrors.ErrManifestInvalid.WithCause(err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func validateManifest(m *BuildManifest) error {
	if m.BuildID == "" {
		return depoterrors.ErrManifestInvalid.WithMessage("missing buildId")
	}

	// Paths are compared case-insensitively so manifests targeting
	// case-preserving filesystems cannot alias two entries onto one file.
	seen := make(map[string]struct{}, len(m.Files))

	for i := range m.Files {
		file := &m.Files[i]
		if file.Path == "" {
			return depoterrors.ErrManifestInvalid.WithMessage("file with empty path")
		}
		cleaned := path.Clean(strings.ReplaceAll(file.Path, "\\", "/"))
		if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return depoterrors.ErrManifestInvalid.
				WithMessage("file path escapes install root").
				WithDetail("path", file.Path)
		}
		file.Path = cleaned

		key := strings.ToLower(cleaned)
		if _, dup := seen[key]; dup {
			return depoterrors.ErrManifestInvalid.
				WithMessage("duplicate file path").
				WithDetail("path", file.Path)
		}
		seen[key] = struct{}{}

		if file.Size < 0 {
			return depoterrors.ErrManifestInvalid.
				WithMessage("negative file size").
				WithDetail("path", file.Path)
		}

		var sum int64
		for j := range file.Chunks {
			chunk := &file.Chunks[j]
			if chunk.Size < 0 || chunk.CompressedSize < 0 {
				return depoterrors.ErrManifestInvalid.
					WithMessage("negative chunk size").
					WithDetail("path", file.Path).
					WithDetail("chunk", j)
			}
			if err := chunk.Digest.Validate(); err != nil {
				return depoterrors.ErrManifestInvalid.
					WithMessage("invalid chunk digest").
					WithDetail("path", file.Path).
					WithDetail("chunk", j).
					WithCause(err)
			}
			if err := chunk.CompressedDigest.Validate(); err != nil {
				return depoterrors.ErrManifestInvalid.
					WithMessage("invalid compressed chunk digest").
					WithDetail("path", file.Path).
					WithDetail("chunk", j).
					WithCause(err)
			}
			sum += chunk.Size
		}
		if sum != file.Size {
			return depoterrors.ErrManifestInvalid.
				WithMessage("chunk sizes do not sum to file size").
				WithDetail("path", file.Path).
				WithDetail("chunkSum", sum).
				WithDetail("fileSize", file.Size)
		}
	}
	return nil
}
