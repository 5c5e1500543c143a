package pyramid

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManifestRoundtripAcceleratesRescan(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		writeSlicePNG(t, filepath.Join(dir, sliceName(i)), 8, 8, 5)
	}

	seq, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	plan, err := BuildPlan(seq, 4, 10, 4)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if err := saveManifest(dir, seq, plan); err != nil {
		t.Fatalf("saveManifest: %v", err)
	}

	cached, ok := loadManifestSequence(dir)
	if !ok {
		t.Fatal("loadManifestSequence: expected a fresh manifest to be usable")
	}
	if len(cached.Files) != len(seq.Files) {
		t.Fatalf("got %d cached files, want %d", len(cached.Files), len(seq.Files))
	}
	for i := range seq.Files {
		if cached.Files[i].Name != seq.Files[i].Name || cached.Files[i].Index != seq.Files[i].Index {
			t.Errorf("file %d = %+v, want %+v", i, cached.Files[i], seq.Files[i])
		}
	}
}

func TestManifestRoundtripCarriesDimensionHint(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		writeSlicePNG(t, filepath.Join(dir, sliceName(i)), 8, 8, 5)
	}

	seq, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	plan, err := BuildPlan(seq, 4, 10, 4)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if err := saveManifest(dir, seq, plan); err != nil {
		t.Fatalf("saveManifest: %v", err)
	}

	cached, ok := loadManifestSequence(dir)
	if !ok {
		t.Fatal("loadManifestSequence: expected a fresh manifest to be usable")
	}
	if cached.Hint == nil {
		t.Fatal("expected a cached manifest to carry a DimensionHint")
	}
	if cached.Hint.Width != 8 || cached.Hint.Height != 8 || cached.Hint.BitDepth != plan.BitDepth {
		t.Fatalf("Hint = %+v, want 8x8 bit depth %v", cached.Hint, plan.BitDepth)
	}

	// Remove the backing file to prove BuildPlan never reopens it when a
	// hint is present.
	if err := os.Remove(seq.Files[0].Path); err != nil {
		t.Fatal(err)
	}
	replanned, err := BuildPlan(cached, 4, 10, 4)
	if err != nil {
		t.Fatalf("BuildPlan with hint: %v", err)
	}
	if replanned.SourceWidth != plan.SourceWidth || replanned.SourceHeight != plan.SourceHeight {
		t.Fatalf("replanned dims = %dx%d, want %dx%d", replanned.SourceWidth, replanned.SourceHeight, plan.SourceWidth, plan.SourceHeight)
	}
}

func TestManifestStaleAfterNewFileAdded(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		writeSlicePNG(t, filepath.Join(dir, sliceName(i)), 8, 8, 5)
	}
	seq, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	plan, err := BuildPlan(seq, 4, 10, 4)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if err := saveManifest(dir, seq, plan); err != nil {
		t.Fatalf("saveManifest: %v", err)
	}

	writeSlicePNG(t, filepath.Join(dir, sliceName(2)), 8, 8, 5)

	if _, ok := loadManifestSequence(dir); ok {
		t.Fatal("expected stale manifest (new input added) to be rejected")
	}
}

func TestLoadManifestSequenceMissingManifest(t *testing.T) {
	dir := t.TempDir()
	if _, ok := loadManifestSequence(dir); ok {
		t.Fatal("expected no manifest to report ok=false")
	}
}
