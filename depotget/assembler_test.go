package depotget

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	depoterrors "github.com/veldora/depotget/depotget/errors"
)

func TestAssemblerWriteAndFinalize(t *testing.T) {
	root := t.TempDir()
	a := NewAssembler(root)
	defer a.Close()

	content := []byte("hello chunked world")
	if err := a.Allocate("dir/out.bin", int64(len(content))); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	info, err := os.Stat(a.StagingPath("dir/out.bin"))
	if err != nil {
		t.Fatalf("staging file missing: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("staging size = %d, want %d", info.Size(), len(content))
	}

	// Chunks land out of order.
	if err := a.WriteChunkAt("dir/out.bin", 5, content[5:]); err != nil {
		t.Fatalf("WriteChunkAt() error = %v", err)
	}
	if err := a.WriteChunkAt("dir/out.bin", 0, content[:5]); err != nil {
		t.Fatalf("WriteChunkAt() error = %v", err)
	}

	if err := a.Finalize("dir/out.bin"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "dir/out.bin"))
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("final content = %q, want %q", got, content)
	}
	if _, err := os.Stat(a.StagingPath("dir/out.bin")); !os.IsNotExist(err) {
		t.Errorf("staging file still present after finalize")
	}
}

func TestAssemblerWriteUnallocated(t *testing.T) {
	a := NewAssembler(t.TempDir())
	err := a.WriteChunkAt("nope.bin", 0, []byte("x"))
	if !errors.Is(err, depoterrors.ErrIO) {
		t.Fatalf("error = %v, want IO_FAILED", err)
	}
}

func TestAssemblerCopyRange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "old.bin", []byte("....REUSED...."))

	a := NewAssembler(root)
	defer a.Close()

	if err := a.Allocate("new.bin", 6); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	task := ReuseTask{
		Size:   6,
		Source: ChunkLocation{Path: "old.bin", Offset: 4, Size: 6},
		Dest:   Placement{Path: "new.bin", Offset: 0},
	}
	if err := a.CopyRange(task); err != nil {
		t.Fatalf("CopyRange() error = %v", err)
	}
	if err := a.Finalize("new.bin"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "new.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "REUSED" {
		t.Errorf("copied content = %q, want REUSED", got)
	}
}

// A chunk shifting backwards within the same file must copy the old bytes,
// not the partially overwritten ones.
func TestAssemblerCopyRangeSameFileShift(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.bin", []byte("XXXXhello"))

	a := NewAssembler(root)
	defer a.Close()

	if err := a.Allocate("f.bin", 5); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	task := ReuseTask{
		Size:   5,
		Source: ChunkLocation{Path: "f.bin", Offset: 4, Size: 5},
		Dest:   Placement{Path: "f.bin", Offset: 0},
	}
	if err := a.CopyRange(task); err != nil {
		t.Fatalf("CopyRange() error = %v", err)
	}
	if err := a.Finalize("f.bin"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "f.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want hello", got)
	}
}

func TestAssemblerShortReuseSource(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "old.bin", []byte("tiny"))

	a := NewAssembler(root)
	defer a.Close()

	if err := a.Allocate("new.bin", 10); err != nil {
		t.Fatal(err)
	}
	task := ReuseTask{
		Size:   10,
		Source: ChunkLocation{Path: "old.bin", Offset: 0, Size: 10},
		Dest:   Placement{Path: "new.bin", Offset: 0},
	}
	if err := a.CopyRange(task); !errors.Is(err, depoterrors.ErrIO) {
		t.Fatalf("error = %v, want IO_FAILED", err)
	}
}

func TestAssemblerCloseKeepsStagingForResume(t *testing.T) {
	root := t.TempDir()
	a := NewAssembler(root)

	if err := a.Allocate("f.bin", 8); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteChunkAt("f.bin", 0, []byte("partial!")); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := os.ReadFile(a.StagingPath("f.bin"))
	if err != nil {
		t.Fatalf("staging file gone after Close: %v", err)
	}
	if string(got) != "partial!" {
		t.Errorf("staging content = %q, want partial!", got)
	}

	// A second assembler picks the bytes back up.
	b := NewAssembler(root)
	defer b.Close()
	if err := b.Allocate("f.bin", 8); err != nil {
		t.Fatal(err)
	}
	if err := b.Finalize("f.bin"); err != nil {
		t.Fatal(err)
	}
	final, err := os.ReadFile(filepath.Join(root, "f.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(final) != "partial!" {
		t.Errorf("resumed content = %q, want partial!", final)
	}
}
