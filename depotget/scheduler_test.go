package depotget

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	depoterrors "github.com/veldora/depotget/depotget/errors"
)

func testSchedulerOptions(t *testing.T) SchedulerOptions {
	return SchedulerOptions{
		Workers:         2,
		MaxRetries:      3,
		RetryBackoff:    time.Millisecond,
		RetryMaxBackoff: 5 * time.Millisecond,
		WorkDir:         t.TempDir(),
	}
}

type deliveries struct {
	mu   sync.Mutex
	data map[string][]byte // first placement path -> delivered bytes
}

func collectDeliveries() (*deliveries, DeliverFunc) {
	d := &deliveries{data: make(map[string][]byte)}
	return d, func(task *ChunkTask, data []byte) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.data[task.Placements[0].Path] = append([]byte(nil), data...)
		return nil
	}
}

func TestSchedulerDeliversVerifiedChunks(t *testing.T) {
	plainA := []byte("alpha chunk payload")
	plainB := []byte("beta chunk payload")
	descA, blobA := makeChunk(t, plainA)
	descB, blobB := makeChunk(t, plainB)

	source := newFakeSource()
	source.add(descA, blobA)
	source.add(descB, blobB)

	tasks := []*ChunkTask{
		{Descriptor: descA, Placements: []Placement{{Path: "a", Offset: 0}}},
		{Descriptor: descB, Placements: []Placement{{Path: "b", Offset: 0}}},
	}

	got, deliver := collectDeliveries()
	s := NewScheduler(source, testSchedulerOptions(t))
	if err := s.Run(context.Background(), tasks, deliver); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !bytes.Equal(got.data["a"], plainA) || !bytes.Equal(got.data["b"], plainB) {
		t.Error("delivered bytes do not match originals")
	}
	for _, task := range tasks {
		if task.State != TaskVerified {
			t.Errorf("task %s state = %d, want verified", task.Descriptor.Digest, task.State)
		}
	}
	if n := source.openCount(descA); n != 1 {
		t.Errorf("chunk A fetched %d times, want 1", n)
	}
}

func TestSchedulerSkipsVerifiedTasks(t *testing.T) {
	desc, blob := makeChunk(t, []byte("already done"))
	source := newFakeSource()
	source.add(desc, blob)

	tasks := []*ChunkTask{
		{Descriptor: desc, Placements: []Placement{{Path: "a"}}, State: TaskVerified},
	}

	_, deliver := collectDeliveries()
	s := NewScheduler(source, testSchedulerOptions(t))
	if err := s.Run(context.Background(), tasks, deliver); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := source.openCount(desc); n != 0 {
		t.Errorf("verified task fetched %d times, want 0", n)
	}
}

func TestSchedulerRetriesTransientFailures(t *testing.T) {
	desc, blob := makeChunk(t, []byte("flaky"))
	source := newFakeSource()
	source.add(desc, blob)
	source.failures[desc.ResolveLocator()] = 2

	task := &ChunkTask{Descriptor: desc, Placements: []Placement{{Path: "a"}}}

	_, deliver := collectDeliveries()
	s := NewScheduler(source, testSchedulerOptions(t))
	if err := s.Run(context.Background(), []*ChunkTask{task}, deliver); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if task.Retries != 2 {
		t.Errorf("Retries = %d, want 2", task.Retries)
	}
	if task.State != TaskVerified {
		t.Errorf("state = %d, want verified", task.State)
	}
}

func TestSchedulerExhaustsRetryBudget(t *testing.T) {
	desc, blob := makeChunk(t, []byte("hopeless"))
	source := newFakeSource()
	source.add(desc, blob)
	source.failures[desc.ResolveLocator()] = 100

	task := &ChunkTask{Descriptor: desc, Placements: []Placement{{Path: "a"}}}

	_, deliver := collectDeliveries()
	s := NewScheduler(source, testSchedulerOptions(t))
	err := s.Run(context.Background(), []*ChunkTask{task}, deliver)
	if !errors.Is(err, depoterrors.ErrDownloadFailed) {
		t.Fatalf("error = %v, want DOWNLOAD_FAILED", err)
	}
	if task.State != TaskFailed {
		t.Errorf("state = %d, want failed", task.State)
	}
	// MaxRetries=3 means 1 initial attempt + 3 retries.
	if n := source.openCount(desc); n != 4 {
		t.Errorf("fetch attempts = %d, want 4", n)
	}
}

func TestSchedulerRejectionIsFatal(t *testing.T) {
	desc, _ := makeChunk(t, []byte("gone"))
	source := newFakeSource()
	source.rejected[desc.ResolveLocator()] = true

	task := &ChunkTask{Descriptor: desc, Placements: []Placement{{Path: "a"}}}

	_, deliver := collectDeliveries()
	s := NewScheduler(source, testSchedulerOptions(t))
	err := s.Run(context.Background(), []*ChunkTask{task}, deliver)
	if !errors.Is(err, depoterrors.ErrChunkRejected) {
		t.Fatalf("error = %v, want CHUNK_REJECTED", err)
	}
	if n := source.openCount(desc); n != 1 {
		t.Errorf("rejected chunk fetched %d times, want 1 (no retries)", n)
	}
}

func TestSchedulerRefetchesAfterCorruption(t *testing.T) {
	plain := []byte("eventually intact")
	desc, blob := makeChunk(t, plain)
	source := newFakeSource()
	source.add(desc, blob)
	source.corrupt[desc.ResolveLocator()] = 1

	task := &ChunkTask{Descriptor: desc, Placements: []Placement{{Path: "a"}}}

	got, deliver := collectDeliveries()
	s := NewScheduler(source, testSchedulerOptions(t))
	if err := s.Run(context.Background(), []*ChunkTask{task}, deliver); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(got.data["a"], plain) {
		t.Error("delivered bytes do not match original after refetch")
	}
	if n := source.openCount(desc); n != 2 {
		t.Errorf("fetch attempts = %d, want 2", n)
	}
	// The poisoned partial must not be resumed from.
	offsets := source.openOffsets(desc)
	if offsets[1] != 0 {
		t.Errorf("refetch started at offset %d, want 0", offsets[1])
	}
}

func TestSchedulerPersistentCorruptionNamesChunk(t *testing.T) {
	desc, blob := makeChunk(t, []byte("always broken"))
	source := newFakeSource()
	source.add(desc, blob)
	source.corrupt[desc.ResolveLocator()] = 100

	task := &ChunkTask{Descriptor: desc, Placements: []Placement{{Path: "a"}}}

	_, deliver := collectDeliveries()
	s := NewScheduler(source, testSchedulerOptions(t))
	err := s.Run(context.Background(), []*ChunkTask{task}, deliver)
	if !errors.Is(err, depoterrors.ErrIntegrity) {
		t.Fatalf("error = %v, want INTEGRITY_MISMATCH", err)
	}

	var derr *depoterrors.DepotError
	if !errors.As(err, &derr) {
		t.Fatal("error is not a DepotError")
	}
	if derr.Details["chunk"] != desc.Digest.String() {
		t.Errorf("chunk detail = %v, want %s", derr.Details["chunk"], desc.Digest)
	}
}

func TestSchedulerResumesPartialBlob(t *testing.T) {
	plain := bytes.Repeat([]byte("resumable data "), 64)
	desc, blob := makeChunk(t, plain)

	opts := testSchedulerOptions(t)
	chunkDir := filepath.Join(opts.WorkDir, "chunks")
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		t.Fatal(err)
	}
	half := len(blob) / 2
	partPath := filepath.Join(chunkDir, desc.CompressedDigest.Encoded()+".part")
	if err := os.WriteFile(partPath, blob[:half], 0o644); err != nil {
		t.Fatal(err)
	}

	source := newFakeSource()
	source.add(desc, blob)

	task := &ChunkTask{Descriptor: desc, Placements: []Placement{{Path: "a"}}}

	got, deliver := collectDeliveries()
	s := NewScheduler(source, opts)
	if err := s.Run(context.Background(), []*ChunkTask{task}, deliver); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !bytes.Equal(got.data["a"], plain) {
		t.Error("resumed bytes do not match original")
	}
	offsets := source.openOffsets(desc)
	if len(offsets) != 1 || offsets[0] != int64(half) {
		t.Errorf("open offsets = %v, want [%d]", offsets, half)
	}
	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Error("partial blob not cleaned up after verification")
	}
}

func TestSchedulerZeroLengthChunk(t *testing.T) {
	// Empty chunks ship as empty blobs, not zlib streams of nothing.
	desc := ChunkDescriptor{
		Digest:           digest.FromBytes(nil),
		CompressedDigest: digest.FromBytes(nil),
	}

	task := &ChunkTask{Descriptor: desc, Placements: []Placement{{Path: "a"}}}

	got, deliver := collectDeliveries()
	s := NewScheduler(newFakeSource(), testSchedulerOptions(t))
	if err := s.Run(context.Background(), []*ChunkTask{task}, deliver); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if data, ok := got.data["a"]; !ok || len(data) != 0 {
		t.Errorf("delivery = %v, want empty bytes", data)
	}
}

func TestSchedulerCancellation(t *testing.T) {
	desc, blob := makeChunk(t, []byte("never finishes"))
	source := newFakeSource()
	source.add(desc, blob)
	source.failures[desc.ResolveLocator()] = 100

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	opts := testSchedulerOptions(t)
	opts.MaxRetries = 1000
	opts.RetryBackoff = 2 * time.Millisecond

	task := &ChunkTask{Descriptor: desc, Placements: []Placement{{Path: "a"}}}
	_, deliver := collectDeliveries()
	s := NewScheduler(source, opts)
	err := s.Run(ctx, []*ChunkTask{task}, deliver)
	if err == nil {
		t.Fatal("Run() succeeded with cancelled context")
	}
	if !errors.Is(err, depoterrors.ErrCancelled) && !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want cancellation", err)
	}
}
