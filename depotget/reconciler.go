package depotget

import (
	"github.com/opencontainers/go-digest"
)

// TaskState tracks a chunk task through the scheduler.
type TaskState int32

const (
	TaskPending TaskState = iota
	TaskInFlight
	TaskVerified
	TaskFailed
)

// Placement is a destination byte range for a chunk's decompressed bytes.
type Placement struct {
	Path   string // relative to the install root
	Offset int64
}

// ChunkTask is one network fetch. A single fetch may satisfy several
// placements when the same digest appears in multiple files.
type ChunkTask struct {
	Descriptor ChunkDescriptor
	Placements []Placement
	Retries    int
	State      TaskState
}

// ReuseTask copies a chunk's bytes from an existing local location instead of
// fetching. Source and Dest may name the same file.
type ReuseTask struct {
	Digest digest.Digest
	Size   int64
	Source ChunkLocation
	Dest   Placement
}

// InPlace reports whether the chunk already sits at its destination range, in
// which case the copy is a no-op.
func (r ReuseTask) InPlace() bool {
	return r.Source.Path == r.Dest.Path && r.Source.Offset == r.Dest.Offset
}

// DownloadPlan is the minimal set of work to transform the local install into
// the target build. Owned exclusively by one sync session. Together the tasks
// tile every byte of every target file exactly once.
type DownloadPlan struct {
	BuildID    string
	ChunkTasks []*ChunkTask
	ReuseTasks []ReuseTask

	// FetchBytes is the compressed transfer volume, WriteBytes the
	// decompressed bytes placed by chunk tasks, ReuseBytes the bytes
	// satisfied from local copies.
	FetchBytes int64
	WriteBytes int64
	ReuseBytes int64
}

// NothingToFetch reports whether the plan requires no network transfer.
func (p *DownloadPlan) NothingToFetch() bool {
	return len(p.ChunkTasks) == 0
}

// Reconcile diffs the target manifest against the local inventory and
// produces a download plan. Pure: it reads both inputs and touches no disk.
//
// For each chunk in manifest file order: a digest present in the inventory
// becomes a ReuseTask, anything else a ChunkTask. Identical digests across
// occurrences are fetched once and placed everywhere. When a digest has
// several local sources, one inside the destination file itself is preferred
// to keep the copy within a single file.
func Reconcile(m *BuildManifest, inv *LocalInventory) *DownloadPlan {
	plan := &DownloadPlan{BuildID: m.BuildID}
	pending := make(map[digest.Digest]*ChunkTask)

	for i := range m.Files {
		file := &m.Files[i]
		var offset int64
		for j := range file.Chunks {
			chunk := &file.Chunks[j]
			dest := Placement{Path: file.Path, Offset: offset}

			if locs := inv.Lookup(chunk.Digest); len(locs) > 0 {
				src := pickSource(locs, dest)
				plan.ReuseTasks = append(plan.ReuseTasks, ReuseTask{
					Digest: chunk.Digest,
					Size:   chunk.Size,
					Source: src,
					Dest:   dest,
				})
				plan.ReuseBytes += chunk.Size
			} else if task, ok := pending[chunk.Digest]; ok {
				task.Placements = append(task.Placements, dest)
				plan.WriteBytes += chunk.Size
			} else {
				task := &ChunkTask{
					Descriptor: *chunk,
					Placements: []Placement{dest},
					State:      TaskPending,
				}
				pending[chunk.Digest] = task
				plan.ChunkTasks = append(plan.ChunkTasks, task)
				plan.FetchBytes += chunk.CompressedSize
				plan.WriteBytes += chunk.Size
			}

			offset += chunk.Size
		}
	}

	return plan
}

// pickSource prefers an exact in-place hit, then any location inside the
// destination file, then the first known location.
func pickSource(locs []ChunkLocation, dest Placement) ChunkLocation {
	var sameFile *ChunkLocation
	for i := range locs {
		loc := &locs[i]
		if loc.Path == dest.Path {
			if loc.Offset == dest.Offset {
				return *loc
			}
			if sameFile == nil {
				sameFile = loc
			}
		}
	}
	if sameFile != nil {
		return *sameFile
	}
	return locs[0]
}
