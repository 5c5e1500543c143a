package pyramid

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/jikhanjung/ctpyramid/internal/pathsafe"
	"github.com/jikhanjung/ctpyramid/internal/slice"
)

// manifestFileName is the idempotence-acceleration companion file written
// after a build reaches a terminal state other than OutcomeFatal.
const manifestFileName = "manifest.json"

// manifest caches a scanned SliceSequence so a subsequent run over
// unchanged inputs can skip the directory rescan's naming-consistency
// pass (spec's Lifecycle rule, "reuse present files", applied one layer
// earlier than file-level reuse).
type manifest struct {
	Prefix       string   `json:"prefix"`
	Width        int      `json:"width"`
	Ext          string   `json:"ext"`
	MinIndex     int      `json:"min_index"`
	MaxIndex     int      `json:"max_index"`
	Names        []string `json:"names"`
	Indices      []int    `json:"indices"`
	NewestModNs  int64    `json:"newest_mod_ns"`
	LevelWidths  []int    `json:"level_widths"`
	LevelHeights []int    `json:"level_heights"`

	// SourceWidth/SourceHeight/BitDepth cache the first slice's header
	// probe so a subsequent idempotent run can skip re-decoding it
	// entirely (spec §8 scenario 6, "zero image decodes").
	SourceWidth  int `json:"source_width"`
	SourceHeight int `json:"source_height"`
	BitDepth     int `json:"bit_depth"`
}

func manifestPath(inputDir string) string {
	return filepath.Join(inputDir, ".thumbnail", manifestFileName)
}

// newestModTime returns the most recent modification time among dir's
// non-directory entries, without decoding any of them.
func newestModTime(entries []os.DirEntry, dir string) time.Time {
	var newest time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

// loadManifestSequence attempts to reconstruct a SliceSequence from a
// cached manifest without re-running Scan's naming-scheme pass (each cached
// name is still checked with SafeJoin and must still exist), returning
// ok=false if no manifest exists or its fingerprint is stale.
func loadManifestSequence(dir string) (SliceSequence, bool) {
	mpath, err := pathsafe.SafeJoin(dir, ".thumbnail", manifestFileName)
	if err != nil {
		return SliceSequence{}, false
	}
	data, err := os.ReadFile(mpath)
	if err != nil {
		return SliceSequence{}, false
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return SliceSequence{}, false
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return SliceSequence{}, false
	}
	if newestModTime(entries, dir).UnixNano() != m.NewestModNs {
		return SliceSequence{}, false
	}

	seq := SliceSequence{
		Dir:      dir,
		Prefix:   m.Prefix,
		Width:    m.Width,
		Ext:      m.Ext,
		MinIndex: m.MinIndex,
		MaxIndex: m.MaxIndex,
	}
	if m.SourceWidth > 0 && m.SourceHeight > 0 && (m.BitDepth == int(slice.BitDepth8) || m.BitDepth == int(slice.BitDepth16)) {
		seq.Hint = &DimensionHint{Width: m.SourceWidth, Height: m.SourceHeight, BitDepth: slice.BitDepth(m.BitDepth)}
	}
	if len(m.Names) != len(m.Indices) {
		return SliceSequence{}, false
	}
	for i, name := range m.Names {
		path, err := pathsafe.SafeJoin(dir, name)
		if err != nil {
			return SliceSequence{}, false
		}
		if _, err := os.Stat(path); err != nil {
			return SliceSequence{}, false
		}
		seq.Files = append(seq.Files, SourceFile{Path: path, Name: name, Index: m.Indices[i]})
	}
	return seq, true
}

// saveManifest writes the build's fingerprint atomically (temp+rename)
// into <dir>/.thumbnail/manifest.json.
func saveManifest(dir string, seq SliceSequence, plan *Plan) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	m := manifest{
		Prefix:       seq.Prefix,
		Width:        seq.Width,
		Ext:          seq.Ext,
		MinIndex:     seq.MinIndex,
		MaxIndex:     seq.MaxIndex,
		NewestModNs:  newestModTime(entries, dir).UnixNano(),
		SourceWidth:  plan.SourceWidth,
		SourceHeight: plan.SourceHeight,
		BitDepth:     int(plan.BitDepth),
	}
	for _, f := range seq.Files {
		m.Names = append(m.Names, f.Name)
		m.Indices = append(m.Indices, f.Index)
	}
	for _, lv := range plan.Levels {
		m.LevelWidths = append(m.LevelWidths, lv.Width)
		m.LevelHeights = append(m.LevelHeights, lv.Height)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	finalPath, err := pathsafe.SafeJoin(dir, ".thumbnail", manifestFileName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
