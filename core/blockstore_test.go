package core

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenBlockStoreCreatesGenesis(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()

	if bs.Height() != 0 {
		t.Fatalf("expected genesis height 0, got %d", bs.Height())
	}
	b, err := bs.Read(0)
	if err != nil {
		t.Fatalf("read genesis: %v", err)
	}
	if b.PHash != "" {
		t.Fatalf("genesis phash should be empty, got %q", b.PHash)
	}
}

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()

	for i := int64(1); i <= 5; i++ {
		b := Block{ID: i, PHash: "prev", Timestamp: i, Dist: "1"}
		if err := bs.Append(b); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if bs.Height() != 5 {
		t.Fatalf("expected height 5, got %d", bs.Height())
	}
	got, err := bs.Read(3)
	if err != nil {
		t.Fatalf("read 3: %v", err)
	}
	if got.ID != 3 {
		t.Fatalf("expected block id 3, got %d", got.ID)
	}
}

func TestAppendRejectsWrongID(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()

	if err := bs.Append(Block{ID: 5}); err == nil {
		t.Fatalf("expected error appending out-of-sequence block")
	}
}

func TestReadOutOfRange(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()

	if _, err := bs.Read(99); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := bs.Read(-1); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange for negative, got %v", err)
	}
}

func TestReadRangeClampsAndBatches(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()

	for i := int64(1); i <= 10; i++ {
		if err := bs.Append(Block{ID: i, Dist: "1"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	blocks, err := bs.ReadRange(8, 100)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks (8,9,10), got %d", len(blocks))
	}
	if blocks[0].ID != 8 || blocks[2].ID != 10 {
		t.Fatalf("unexpected block ids: %+v", blocks)
	}

	empty, err := bs.ReadRange(50, 60)
	if err != nil {
		t.Fatalf("read range beyond height: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty range, got %d", len(empty))
	}
}

func TestIndexRebuildIdempotence(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := int64(1); i <= 4; i++ {
		if err := bs.Append(Block{ID: i, Dist: "1"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	wantHeight := bs.Height()
	bs.Close()

	idxPath := filepath.Join(dir, "blocks.index")
	data, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	truncated := data[:len(data)-indexEntrySize] // drop last entry, multiple of 8
	if err := os.WriteFile(idxPath, truncated, 0o644); err != nil {
		t.Fatalf("write truncated index: %v", err)
	}

	reopened, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Height() != wantHeight {
		t.Fatalf("expected height %d after rebuild, got %d", wantHeight, reopened.Height())
	}
}

func TestVerifyChainDetectsBreak(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()

	genesis, _ := bs.Read(0)
	if err := bs.Append(Block{ID: 1, PHash: genesis.Hash, Dist: "1", Hash: "h1"}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := bs.Append(Block{ID: 2, PHash: "not-h1", Dist: "1", Hash: "h2"}); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := bs.VerifyChain(0, 2); err == nil {
		t.Fatalf("expected chain verification failure")
	}
}

func TestIndexEntrySizeIsEight(t *testing.T) {
	var b [indexEntrySize]byte
	binary.LittleEndian.PutUint64(b[:], 1<<40)
	if binary.LittleEndian.Uint64(b[:]) != 1<<40 {
		t.Fatalf("u64 LE packing should preserve offsets above 2^40")
	}
}
