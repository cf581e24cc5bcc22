package depotget

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"

	depoterrors "github.com/veldora/depotget/depotget/errors"
)

// makeChunk builds a descriptor and its wire blob from plain bytes.
func makeChunk(t *testing.T, data []byte) (ChunkDescriptor, []byte) {
	t.Helper()
	compressed, err := CompressChunk(data)
	if err != nil {
		t.Fatalf("CompressChunk() error = %v", err)
	}
	return ChunkDescriptor{
		Digest:           digest.FromBytes(data),
		CompressedDigest: digest.FromBytes(compressed),
		Size:             int64(len(data)),
		CompressedSize:   int64(len(compressed)),
	}, compressed
}

// fakeSource serves chunk blobs from memory with scripted failures. It
// records every open so tests can assert fetch counts and resume offsets.
type fakeSource struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	failures map[string]int // remaining transient errors per locator
	corrupt  map[string]int // remaining corrupted responses per locator
	rejected map[string]bool
	opens    map[string]int
	offsets  map[string][]int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		blobs:    make(map[string][]byte),
		failures: make(map[string]int),
		corrupt:  make(map[string]int),
		rejected: make(map[string]bool),
		opens:    make(map[string]int),
		offsets:  make(map[string][]int64),
	}
}

func (s *fakeSource) add(desc ChunkDescriptor, blob []byte) {
	s.blobs[desc.ResolveLocator()] = blob
}

func (s *fakeSource) openCount(desc ChunkDescriptor) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[desc.ResolveLocator()]
}

func (s *fakeSource) openOffsets(desc ChunkDescriptor) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets[desc.ResolveLocator()]...)
}

func (s *fakeSource) OpenChunk(_ context.Context, locator string, offset int64) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens[locator]++
	s.offsets[locator] = append(s.offsets[locator], offset)

	if s.rejected[locator] {
		return nil, depoterrors.ErrChunkRejected.WithDetail("locator", locator)
	}
	if s.failures[locator] > 0 {
		s.failures[locator]--
		return nil, depoterrors.ErrDownloadFailed.WithDetail("locator", locator)
	}

	blob, ok := s.blobs[locator]
	if !ok {
		return nil, depoterrors.ErrChunkRejected.
			WithDetail("locator", locator).
			WithDetail("status", 404)
	}
	if s.corrupt[locator] > 0 {
		s.corrupt[locator]--
		bad := append([]byte(nil), blob...)
		bad[len(bad)-1] ^= 0xff
		blob = bad
	}
	if offset > int64(len(blob)) {
		offset = int64(len(blob))
	}
	return io.NopCloser(bytes.NewReader(blob[offset:])), nil
}
