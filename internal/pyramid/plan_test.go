package pyramid

import (
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeSlicePNG(t *testing.T, path string, w, h int, v uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestScanOrdersByIndex(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"slice_0002.png", "slice_0000.png", "slice_0001.png"} {
		writeSlicePNG(t, filepath.Join(dir, n), 4, 4, 10)
	}

	seq, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seq.Files) != 3 {
		t.Fatalf("got %d files, want 3", len(seq.Files))
	}
	want := []string{"slice_0000.png", "slice_0001.png", "slice_0002.png"}
	for i, f := range seq.Files {
		if f.Name != want[i] {
			t.Errorf("Files[%d].Name = %q, want %q", i, f.Name, want[i])
		}
		if f.Index != i {
			t.Errorf("Files[%d].Index = %d, want %d", i, f.Index, i)
		}
	}
	if seq.Prefix != "slice_" || seq.Width != 4 || seq.Ext != "png" {
		t.Errorf("scheme = (%q,%d,%q), want (slice_,4,png)", seq.Prefix, seq.Width, seq.Ext)
	}
}

func TestScanRejectsDisagreementBetweenFirstTwo(t *testing.T) {
	dir := t.TempDir()
	writeSlicePNG(t, filepath.Join(dir, "a_00.png"), 4, 4, 1)
	writeSlicePNG(t, filepath.Join(dir, "b_01.png"), 4, 4, 1)

	_, err := Scan(dir)
	if !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestScanTruncatesAtNamingGap(t *testing.T) {
	dir := t.TempDir()
	writeSlicePNG(t, filepath.Join(dir, "s_00.png"), 4, 4, 1)
	writeSlicePNG(t, filepath.Join(dir, "s_01.png"), 4, 4, 1)
	writeSlicePNG(t, filepath.Join(dir, "s_02.tif"), 4, 4, 1) // different extension

	seq, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seq.Files) != 2 {
		t.Fatalf("got %d files, want 2 (truncated at extension change)", len(seq.Files))
	}
	if len(seq.Warnings) == 0 {
		t.Fatal("expected a truncation warning")
	}
}

func TestScanEmptyDirIsFatal(t *testing.T) {
	dir := t.TempDir()
	if _, err := Scan(dir); !errors.Is(err, ErrNoInputs) {
		t.Fatalf("expected ErrNoInputs, got %v", err)
	}
}

func TestClampRestrictsRange(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeSlicePNG(t, filepath.Join(dir, sliceName(i)), 4, 4, 1)
	}
	seq, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	clamped := seq.Clamp(1, 3)
	if len(clamped.Files) != 3 {
		t.Fatalf("got %d files, want 3", len(clamped.Files))
	}
	if clamped.MinIndex != 1 || clamped.MaxIndex != 3 {
		t.Fatalf("range = [%d,%d], want [1,3]", clamped.MinIndex, clamped.MaxIndex)
	}
}

func sliceName(i int) string {
	return "s_0" + string(rune('0'+i)) + ".png"
}

func TestBuildPlanStopsAtMaxThumbnailSize(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 8; i++ {
		writeSlicePNG(t, filepath.Join(dir, sliceName(i)), 64, 64, 10)
	}
	seq, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	plan, err := BuildPlan(seq, 16, 10, 4)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	// 8x(64x64) -> 4x(32x32) -> 2x(16x16); stops once min dim <= 16.
	if len(plan.Levels) != 2 {
		t.Fatalf("got %d levels, want 2", len(plan.Levels))
	}
	lv1, lv2 := plan.Levels[0], plan.Levels[1]
	if lv1.Count != 4 || lv1.Width != 32 || lv1.Height != 32 {
		t.Errorf("level 1 = %+v, want count=4 32x32", lv1)
	}
	if lv2.Count != 2 || lv2.Width != 16 || lv2.Height != 16 {
		t.Errorf("level 2 = %+v, want count=2 16x16", lv2)
	}
	if len(lv1.Tasks) != 4 || len(lv2.Tasks) != 2 {
		t.Errorf("task counts = %d,%d, want 4,2", len(lv1.Tasks), len(lv2.Tasks))
	}
}

func TestBuildPlanStopsWhenCountDropsBelowTwo(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		writeSlicePNG(t, filepath.Join(dir, sliceName(i)), 1024, 1024, 10)
	}
	seq, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	plan, err := BuildPlan(seq, 4, 10, 4)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	// N=3 -> level 1 produces 1 pair (odd trailing dropped) -> N=1, stop.
	if len(plan.Levels) != 1 {
		t.Fatalf("got %d levels, want 1", len(plan.Levels))
	}
	if plan.Levels[0].Count != 1 {
		t.Fatalf("level 1 count = %d, want 1", plan.Levels[0].Count)
	}
}

func TestBuildPlanEmptySequenceIsFatal(t *testing.T) {
	if _, err := BuildPlan(SliceSequence{}, 16, 10, 4); !errors.Is(err, ErrNoInputs) {
		t.Fatalf("expected ErrNoInputs, got %v", err)
	}
}
