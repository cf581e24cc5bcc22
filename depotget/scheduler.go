package depotget

import (
	"context"
	stderrors "errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	depoterrors "github.com/veldora/depotget/depotget/errors"
	"github.com/veldora/depotget/depotget/logger"
)

// SchedulerOptions configures the download scheduler.
type SchedulerOptions struct {
	// Workers is the number of concurrent chunk fetches. Default: 4.
	Workers int

	// MaxRetries bounds retry attempts per chunk. Network failures and
	// integrity re-fetches share this budget. Default: 5.
	MaxRetries int

	// RetryBackoff is the initial backoff duration. Default: 1s.
	RetryBackoff time.Duration

	// RetryMaxBackoff caps the exponential backoff. Default: 30s.
	RetryMaxBackoff time.Duration

	// WorkDir holds in-progress chunk blobs so partial transfers survive a
	// crash and resume from the last received byte.
	WorkDir string
}

func (o *SchedulerOptions) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.RetryMaxBackoff <= 0 {
		o.RetryMaxBackoff = 30 * time.Second
	}
}

// DeliverFunc receives a task's verified, decompressed bytes. It is called
// from worker goroutines and must be safe for concurrent use.
type DeliverFunc func(task *ChunkTask, data []byte) error

// Scheduler fetches pending chunk tasks with bounded concurrency. Workers
// complete out of order; destination ranges are disjoint by construction so
// no ordering is needed between chunk completions.
type Scheduler struct {
	source ChunkSource
	opts   SchedulerOptions
}

// NewScheduler creates a scheduler pulling blobs from source.
func NewScheduler(source ChunkSource, opts SchedulerOptions) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{source: source, opts: opts}
}

// Run processes all pending tasks and delivers each verified chunk exactly
// once. The first fatal failure cancels outstanding workers; tasks already
// verified keep their state so a resumed session can skip them.
func (s *Scheduler) Run(ctx context.Context, tasks []*ChunkTask, deliver DeliverFunc) error {
	if len(tasks) == 0 {
		return nil
	}

	if s.opts.WorkDir != "" {
		if err := os.MkdirAll(filepath.Join(s.opts.WorkDir, "chunks"), 0o755); err != nil {
			return depoterrors.ErrIO.WithCause(err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan *ChunkTask)

	g.Go(func() error {
		defer close(queue)
		for _, task := range tasks {
			if task.State == TaskVerified {
				continue
			}
			select {
			case queue <- task:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			for task := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				task.State = TaskInFlight
				data, err := s.runTask(gctx, task)
				if err != nil {
					task.State = TaskFailed
					return withPlacement(err, task)
				}
				if err := deliver(task, data); err != nil {
					task.State = TaskFailed
					return err
				}
				task.State = TaskVerified
				s.discardPartial(&task.Descriptor)
			}
			return nil
		})
	}

	return g.Wait()
}

// runTask fetches and verifies one chunk, retrying transient failures with
// exponential backoff. The first integrity mismatch earns an immediate
// re-fetch that does not consume the retry budget; everything after that
// counts.
func (s *Scheduler) runTask(ctx context.Context, task *ChunkTask) ([]byte, error) {
	desc := &task.Descriptor
	var lastErr error
	freeRefetch := true

	for attempt := 0; attempt <= s.opts.MaxRetries; {
		if err := ctx.Err(); err != nil {
			return nil, depoterrors.ErrCancelled.WithCause(err)
		}
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, depoterrors.ErrCancelled.WithCause(err)
			}
		}

		compressed, err := s.fetchBlob(ctx, desc)
		if err != nil {
			if stderrors.Is(err, depoterrors.ErrChunkRejected) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, depoterrors.ErrCancelled.WithCause(ctx.Err())
			}
			logger.Warn("chunk %s fetch failed (attempt %d): %v", desc.Digest, attempt+1, err)
			lastErr = err
			task.Retries++
			attempt++
			continue
		}

		data, err := VerifyAndDecompress(desc, compressed)
		if err != nil {
			// Corrupted transfer: the partial blob is poisoned, refetch
			// from scratch.
			s.discardPartial(desc)
			logger.Warn("chunk %s failed verification: %v", desc.Digest, err)
			lastErr = err
			task.Retries++
			if freeRefetch {
				freeRefetch = false
			} else {
				attempt++
			}
			continue
		}

		return data, nil
	}

	if stderrors.Is(lastErr, depoterrors.ErrIntegrity) {
		if depotErr, ok := lastErr.(*depoterrors.DepotError); ok {
			return nil, depotErr.WithDetail("attempts", task.Retries)
		}
		return nil, lastErr
	}
	return nil, depoterrors.ErrDownloadFailed.
		WithDetail("chunk", desc.Digest.String()).
		WithDetail("attempts", task.Retries).
		WithCause(lastErr)
}

// fetchBlob downloads a chunk's compressed bytes, resuming from any partial
// blob left by a previous attempt or session.
func (s *Scheduler) fetchBlob(ctx context.Context, desc *ChunkDescriptor) ([]byte, error) {
	if desc.CompressedSize == 0 && desc.Size == 0 {
		return []byte{}, nil
	}

	partPath := s.partPath(desc)
	var offset int64
	if partPath != "" {
		if info, err := os.Stat(partPath); err == nil {
			offset = info.Size()
			if offset >= desc.CompressedSize {
				// A full partial is either complete (verified below) or
				// garbage; never resume past the blob end.
				if offset > desc.CompressedSize {
					os.Remove(partPath)
					offset = 0
				} else {
					return os.ReadFile(partPath)
				}
			}
		}
	}
	if offset > 0 {
		logger.Debug("resuming chunk %s from byte %d", desc.Digest, offset)
	}

	rc, err := s.source.OpenChunk(ctx, desc.ResolveLocator(), offset)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if partPath == "" {
		data := make([]byte, 0, desc.CompressedSize)
		buf, err := io.ReadAll(io.LimitReader(rc, desc.CompressedSize))
		if err != nil {
			return nil, depoterrors.ErrDownloadFailed.
				WithDetail("chunk", desc.Digest.String()).
				WithCause(err)
		}
		return append(data, buf...), nil
	}

	part, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, depoterrors.ErrIO.WithDetail("path", partPath).WithCause(err)
	}
	_, copyErr := io.Copy(part, io.LimitReader(rc, desc.CompressedSize-offset))
	closeErr := part.Close()
	if copyErr != nil {
		// Bytes received so far stay in the part file for the next attempt.
		return nil, depoterrors.ErrDownloadFailed.
			WithDetail("chunk", desc.Digest.String()).
			WithCause(copyErr)
	}
	if closeErr != nil {
		return nil, depoterrors.ErrIO.WithDetail("path", partPath).WithCause(closeErr)
	}

	return os.ReadFile(partPath)
}

// withPlacement annotates a task failure with a destination path so errors
// name both the chunk and the file it was meant for.
func withPlacement(err error, task *ChunkTask) error {
	var derr *depoterrors.DepotError
	if stderrors.As(err, &derr) && len(task.Placements) > 0 {
		return derr.WithDetail("file", task.Placements[0].Path)
	}
	return err
}

func (s *Scheduler) partPath(desc *ChunkDescriptor) string {
	if s.opts.WorkDir == "" {
		return ""
	}
	return filepath.Join(s.opts.WorkDir, "chunks", desc.CompressedDigest.Encoded()+".part")
}

func (s *Scheduler) discardPartial(desc *ChunkDescriptor) {
	if p := s.partPath(desc); p != "" {
		os.Remove(p)
	}
}

// backoff waits for an exponentially increasing duration with jitter.
func (s *Scheduler) backoff(ctx context.Context, attempt int) error {
	backoff := s.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > s.opts.RetryMaxBackoff {
		backoff = s.opts.RetryMaxBackoff
	}

	// Jitter: 0.5 to 1.5 of backoff.
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}
