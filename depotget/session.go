package depotget

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	depoterrors "github.com/veldora/depotget/depotget/errors"
	"github.com/veldora/depotget/depotget/ledger"
	"github.com/veldora/depotget/depotget/logger"
)

// ProgressCallback is called as placed bytes accumulate.
// current: decompressed bytes placed so far
// total: total decompressed bytes the plan will place
type ProgressCallback func(current int64, total int64)

// SyncOptions configures a sync session.
type SyncOptions struct {
	// Workers, MaxRetries, RetryBackoff and RetryMaxBackoff are passed to
	// the download scheduler; zero values take the scheduler defaults.
	Workers         int
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	// Strategy selects how the local inventory is built. Default: Trusted.
	Strategy VerifyStrategy

	// OldManifest describes the currently installed build, if any. It feeds
	// the inventory scan and the stale-file cleanup.
	OldManifest *BuildManifest

	// Progress is an optional progress callback.
	Progress ProgressCallback
}

// SyncStats summarizes a completed session.
type SyncStats struct {
	FetchedChunks  int
	ReusedChunks   int
	SkippedChunks  int // satisfied by the progress ledger on resume
	UnchangedFiles int
	DeletedFiles   int
	FetchedBytes   int64 // compressed transfer volume
	PlacedBytes    int64 // decompressed bytes written or copied
	Retries        int
}

// Session synchronizes one install directory to one target build. Create a
// fresh session per attempt; only the progress ledger in the work directory
// outlives it.
type Session struct {
	manifest    *BuildManifest
	installRoot string
	workDir     string
	source      ChunkSource
	opts        SyncOptions
}

// NewSession creates a sync session. workDir holds session-scoped state
// (partial chunk blobs, the progress ledger) and must stay stable across
// resume attempts of the same build.
func NewSession(manifest *BuildManifest, installRoot, workDir string, source ChunkSource, opts SyncOptions) *Session {
	return &Session{
		manifest:    manifest,
		installRoot: installRoot,
		workDir:     workDir,
		source:      source,
		opts:        opts,
	}
}

// Plan scans the local install and reconciles it against the target build
// without touching the network or writing anything.
func (s *Session) Plan(ctx context.Context) (*DownloadPlan, error) {
	inv, err := ScanInventory(ctx, s.installRoot, s.opts.OldManifest, s.opts.Strategy)
	if err != nil {
		return nil, err
	}
	return Reconcile(s.manifest, inv), nil
}

// Run executes the full sync: scan, reconcile, resume filtering, allocation,
// reuse copies, scheduled downloads, finalization and cleanup. Re-running
// after an interruption with the same inputs converges on the same
// byte-exact install.
func (s *Session) Run(ctx context.Context) (*SyncStats, error) {
	if err := os.MkdirAll(s.installRoot, 0o755); err != nil {
		return nil, depoterrors.ErrIO.WithCause(err)
	}
	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return nil, depoterrors.ErrIO.WithCause(err)
	}

	plan, err := s.Plan(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("sync plan for build %s: %d fetches, %d reuses",
		plan.BuildID, len(plan.ChunkTasks), len(plan.ReuseTasks))

	led, err := ledger.Open(filepath.Join(s.workDir, "ledger.db"))
	if err != nil {
		return nil, depoterrors.ErrIO.WithCause(err)
	}
	defer led.Close()
	if err := led.Bind(ctx, s.manifest.BuildID); err != nil {
		return nil, depoterrors.ErrIO.WithCause(err)
	}

	stats := &SyncStats{ReusedChunks: len(plan.ReuseTasks)}
	assembler := NewAssembler(s.installRoot)
	defer assembler.Close()

	skippedBytes, skippedCompressed := s.applyLedger(ctx, led, plan, assembler, stats)
	needsAssembly := s.classifyFiles(plan, stats)

	var current atomic.Int64
	total := plan.WriteBytes + plan.ReuseBytes
	current.Add(skippedBytes)
	report := func() {
		if s.opts.Progress != nil {
			s.opts.Progress(current.Load(), total)
		}
	}
	report()

	// Pre-size every file that will be (re)assembled.
	for i := range s.manifest.Files {
		file := &s.manifest.Files[i]
		if !needsAssembly[file.Path] {
			continue
		}
		if err := assembler.Allocate(file.Path, file.Size); err != nil {
			return nil, err
		}
	}

	// Local reuse copies run before the network fetches; they are cheap and
	// must read old bytes before finalization renames anything.
	for _, task := range plan.ReuseTasks {
		if err := ctx.Err(); err != nil {
			return nil, depoterrors.ErrCancelled.WithCause(err)
		}
		if !needsAssembly[task.Dest.Path] {
			current.Add(task.Size)
			continue
		}
		if err := assembler.CopyRange(task); err != nil {
			return nil, err
		}
		current.Add(task.Size)
	}
	report()

	// Single-writer ledger discipline: workers report completions over a
	// channel consumed by one goroutine.
	completions := make(chan *ChunkTask, len(plan.ChunkTasks)+1)
	ledgerDone := make(chan error, 1)
	go func() {
		for task := range completions {
			if err := led.MarkCompleted(ctx, task.Descriptor.Digest); err != nil {
				ledgerDone <- err
				return
			}
		}
		ledgerDone <- nil
	}()

	scheduler := NewScheduler(s.source, SchedulerOptions{
		Workers:         s.opts.Workers,
		MaxRetries:      s.opts.MaxRetries,
		RetryBackoff:    s.opts.RetryBackoff,
		RetryMaxBackoff: s.opts.RetryMaxBackoff,
		WorkDir:         s.workDir,
	})

	runErr := scheduler.Run(ctx, plan.ChunkTasks, func(task *ChunkTask, data []byte) error {
		for _, placement := range task.Placements {
			if err := assembler.WriteChunkAt(placement.Path, placement.Offset, data); err != nil {
				return err
			}
			current.Add(int64(len(data)))
		}
		completions <- task
		report()
		return nil
	})
	close(completions)
	ledgerErr := <-ledgerDone

	for _, task := range plan.ChunkTasks {
		stats.Retries += task.Retries
		if task.State == TaskVerified {
			stats.FetchedChunks++
			stats.FetchedBytes += task.Descriptor.CompressedSize
		}
	}
	stats.FetchedChunks -= stats.SkippedChunks
	stats.FetchedBytes -= skippedCompressed

	if runErr != nil {
		// Verified chunks stay in the ledger for the next resume attempt.
		return nil, runErr
	}
	if ledgerErr != nil {
		return nil, depoterrors.ErrIO.WithMessage("ledger write failed").WithCause(ledgerErr)
	}

	// Promote every staged file, then drop files the new build no longer
	// contains.
	for i := range s.manifest.Files {
		file := &s.manifest.Files[i]
		if !needsAssembly[file.Path] {
			continue
		}
		if err := assembler.Finalize(file.Path); err != nil {
			return nil, err
		}
	}
	stats.DeletedFiles = s.removeStaleFiles()

	if err := led.Clear(ctx); err != nil {
		logger.Warn("failed to clear progress ledger: %v", err)
	}
	os.RemoveAll(filepath.Join(s.workDir, "chunks"))

	stats.PlacedBytes = current.Load()
	logger.Info("sync complete: %d fetched, %d reused, %d skipped, %d retries",
		stats.FetchedChunks, stats.ReusedChunks, stats.SkippedChunks, stats.Retries)
	return stats, nil
}

// applyLedger marks tasks already recorded as complete so the scheduler
// skips them. A skip is only honored while the staged bytes from the prior
// session are still on disk.
func (s *Session) applyLedger(ctx context.Context, led *ledger.Ledger, plan *DownloadPlan, assembler *Assembler, stats *SyncStats) (skippedBytes, skippedCompressed int64) {
	done, err := led.Completed(ctx)
	if err != nil || len(done) == 0 {
		return 0, 0
	}

	for _, task := range plan.ChunkTasks {
		if _, ok := done[task.Descriptor.Digest]; !ok {
			continue
		}
		staged := true
		for _, placement := range task.Placements {
			if _, err := os.Stat(assembler.StagingPath(placement.Path)); err != nil {
				staged = false
				break
			}
		}
		if !staged {
			continue
		}
		task.State = TaskVerified
		stats.SkippedChunks++
		skippedBytes += task.Descriptor.Size * int64(len(task.Placements))
		skippedCompressed += task.Descriptor.CompressedSize
	}
	if stats.SkippedChunks > 0 {
		logger.Info("resume: %d chunks already verified in a previous session", stats.SkippedChunks)
	}
	return skippedBytes, skippedCompressed
}

// classifyFiles decides which target files need staging. A file whose every
// byte is already in place (all chunks are in-place reuses and the final
// file matches the target size) is left untouched.
func (s *Session) classifyFiles(plan *DownloadPlan, stats *SyncStats) map[string]bool {
	needsAssembly := make(map[string]bool, len(s.manifest.Files))

	for _, task := range plan.ChunkTasks {
		for _, placement := range task.Placements {
			needsAssembly[placement.Path] = true
		}
	}
	for _, task := range plan.ReuseTasks {
		if !task.InPlace() {
			needsAssembly[task.Dest.Path] = true
		}
	}

	for i := range s.manifest.Files {
		file := &s.manifest.Files[i]
		if needsAssembly[file.Path] {
			continue
		}
		info, err := os.Stat(filepath.Join(s.installRoot, filepath.FromSlash(file.Path)))
		if err == nil && !info.IsDir() && info.Size() == file.Size {
			stats.UnchangedFiles++
			continue
		}
		// Covers empty files and in-place plans whose source vanished
		// between scan and assembly.
		needsAssembly[file.Path] = true
	}
	return needsAssembly
}

// removeStaleFiles deletes files present in the old build but absent from
// the new one. Runs only after every new file is fully assembled and
// promoted, so an interrupted session never loses reuse sources.
func (s *Session) removeStaleFiles() int {
	if s.opts.OldManifest == nil {
		return 0
	}

	keep := make(map[string]struct{}, len(s.manifest.Files))
	for i := range s.manifest.Files {
		keep[strings.ToLower(s.manifest.Files[i].Path)] = struct{}{}
	}

	removed := 0
	for i := range s.opts.OldManifest.Files {
		path := s.opts.OldManifest.Files[i].Path
		if _, ok := keep[strings.ToLower(path)]; ok {
			continue
		}
		full := filepath.Join(s.installRoot, filepath.FromSlash(path))
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			if err := os.Remove(full); err != nil {
				logger.Warn("failed to remove stale file %s: %v", path, err)
				continue
			}
			removed++
		}
	}
	return removed
}
