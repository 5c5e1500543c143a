package pyramid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jikhanjung/ctpyramid/internal/pathsafe"
	"github.com/jikhanjung/ctpyramid/internal/slice"
)

// ErrNoInputs is returned when a directory contains zero recognised slice
// files.
var ErrNoInputs = errors.New("no input slices found")

// ErrInvalidName is returned when the first two filenames in a sequence
// disagree on prefix, index width, or extension.
var ErrInvalidName = errors.New("inconsistent slice filename scheme")

// nameRE splits a filename into (prefix, zero-padded index digits,
// extension). The index is the run of digits immediately preceding the
// extension, e.g. "slice_000123.tif" -> ("slice_", "000123", "tif").
var nameRE = regexp.MustCompile(`^(.*?)(\d+)\.([A-Za-z0-9]+)$`)

// SourceFile is one discovered input slice.
type SourceFile struct {
	Path  string
	Name  string
	Index int
}

// SliceSequence is the result of scanning an input directory: a sorted,
// naming-consistent run of slice files plus warnings naming the file at
// which the sequence was truncated, if any (spec §4.D: "treat the sequence
// as truncated at the first gap, report via warning, not failure").
type SliceSequence struct {
	Dir      string
	Prefix   string
	Width    int // zero-padded index digit width
	Ext      string
	MinIndex int
	MaxIndex int
	Files    []SourceFile // sorted ascending by index
	Warnings []string

	// Hint, when set, lets BuildPlan skip probing Files[0]'s header: a
	// manifest-accelerated rescan already knows the first slice's
	// dimensions and bit depth from the prior run (spec §8 scenario 6).
	Hint *DimensionHint
}

// DimensionHint is a cached probe result for a sequence's first file.
type DimensionHint struct {
	Width, Height int
	BitDepth      slice.BitDepth
}

// parsedName holds one filename's decomposition.
type parsedName struct {
	prefix string
	width  int
	index  int
	ext    string
}

func parseName(name string) (parsedName, bool) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return parsedName{}, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return parsedName{}, false
	}
	return parsedName{
		prefix: m[1],
		width:  len(m[2]),
		index:  idx,
		ext:    strings.ToLower(m[3]),
	}, true
}

// Scan enumerates dir for recognised slice files (spec §3), infers the
// naming scheme from the two lexicographically first names, and truncates
// the sequence at the first file that breaks that scheme.
func Scan(dir string) (SliceSequence, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return SliceSequence{}, fmt.Errorf("%w: reading %s: %v", slice.ErrIO, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !slice.IsSliceExtension(filepath.Ext(e.Name())) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if len(names) == 0 {
		return SliceSequence{}, fmt.Errorf("%w: %s", ErrNoInputs, dir)
	}

	first, ok := parseName(names[0])
	if !ok {
		return SliceSequence{}, fmt.Errorf("%w: %q does not match <prefix><index>.<ext>", ErrInvalidName, names[0])
	}

	seq := SliceSequence{
		Dir:    dir,
		Prefix: first.prefix,
		Width:  first.width,
		Ext:    first.ext,
	}

	if len(names) >= 2 {
		second, ok := parseName(names[1])
		if !ok || second.prefix != first.prefix || second.width != first.width || second.ext != first.ext {
			return SliceSequence{}, fmt.Errorf("%w: %q and %q disagree on naming scheme", ErrInvalidName, names[0], names[1])
		}
	}

	lastIndex := -1
	for _, name := range names {
		p, ok := parseName(name)
		if !ok || p.prefix != first.prefix || p.width != first.width || p.ext != first.ext || p.index <= lastIndex {
			seq.Warnings = append(seq.Warnings, fmt.Sprintf("sequence truncated at %q: breaks the naming scheme established by %q", name, names[0]))
			break
		}
		path, err := pathsafe.SafeJoin(dir, name)
		if err != nil {
			seq.Warnings = append(seq.Warnings, fmt.Sprintf("sequence truncated at %q: %v", name, err))
			break
		}
		seq.Files = append(seq.Files, SourceFile{Path: path, Name: name, Index: p.index})
		lastIndex = p.index
	}

	if len(seq.Files) == 0 {
		return SliceSequence{}, fmt.Errorf("%w: %s", ErrNoInputs, dir)
	}

	seq.MinIndex = seq.Files[0].Index
	seq.MaxIndex = seq.Files[len(seq.Files)-1].Index
	return seq, nil
}

// Clamp restricts seq to files whose index falls within [minIndex,
// maxIndex] inclusive. A negative bound means "no clamp" on that side.
func (seq SliceSequence) Clamp(minIndex, maxIndex int) SliceSequence {
	if minIndex < 0 && maxIndex < 0 {
		return seq
	}
	out := seq
	out.Files = nil
	for _, f := range seq.Files {
		if minIndex >= 0 && f.Index < minIndex {
			continue
		}
		if maxIndex >= 0 && f.Index > maxIndex {
			continue
		}
		out.Files = append(out.Files, f)
	}
	if len(out.Files) > 0 {
		out.MinIndex = out.Files[0].Index
		out.MaxIndex = out.Files[len(out.Files)-1].Index
	}
	return out
}

// LevelPlan is the ordered work for one pyramid level (spec §4.D).
type LevelPlan struct {
	Level     int
	SourceDir string // Sequence.Dir for level 1, the previous level's DestDir otherwise
	DestDir   string
	Width     int
	Height    int
	Count     int
	Tasks     []Task
}

// Task is a single pair-averaging (or single-image) unit of work (spec §3).
type Task struct {
	Level    int
	OutIndex int
	SrcA     string
	SrcB     string // "" when this is the trailing single-image case
	Weight   float64
}

// Plan is the complete level-by-level work plan for a pyramid build.
type Plan struct {
	Sequence         SliceSequence
	BitDepth         slice.BitDepth
	SourceWidth      int // Files[0]'s width, before any halving
	SourceHeight     int
	Levels           []LevelPlan
	TotalWork        float64
	OutputIndexWidth int
}

// thumbnailDir returns the level's destination directory under
// <input>/.thumbnail/<level>/.
func thumbnailDir(inputDir string, level int) string {
	return filepath.Join(inputDir, ".thumbnail", strconv.Itoa(level))
}

// BuildPlan derives the full level plan from a scanned sequence, per spec
// §3's level-termination rule: stop at the smallest level whose minimum
// dimension is <= maxThumbnailSize, or whose input count drops below 2,
// whichever comes first, capped at maxLevel.
func BuildPlan(seq SliceSequence, maxThumbnailSize, maxLevel int, indexWidth int) (*Plan, error) {
	if len(seq.Files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInputs, seq.Dir)
	}

	var w0, h0 int
	var bitDepth slice.BitDepth
	if seq.Hint != nil {
		w0, h0, bitDepth = seq.Hint.Width, seq.Hint.Height, seq.Hint.BitDepth
	} else {
		var err error
		w0, h0, err = slice.Dimensions(seq.Files[0].Path)
		if err != nil {
			return nil, err
		}
		bitDepth, err = slice.DetectBitDepth(seq.Files[0].Path)
		if err != nil {
			return nil, err
		}
	}

	plan := &Plan{Sequence: seq, BitDepth: bitDepth, SourceWidth: w0, SourceHeight: h0, OutputIndexWidth: indexWidth}

	n := len(seq.Files)
	w, h := w0, h0
	sourceDir := seq.Dir
	var levelWeight float64 = 1.0

	for level := 1; n >= 2 && level <= maxLevel; level++ {
		outCount := n / 2 // odd trailing input dropped, per spec §8
		outW, outH := w/2, h/2
		if outW == 0 || outH == 0 {
			break
		}

		lp := LevelPlan{
			Level:     level,
			SourceDir: sourceDir,
			DestDir:   thumbnailDir(seq.Dir, level),
			Width:     outW,
			Height:    outH,
			Count:     outCount,
		}

		srcNames := levelSourceNames(level, n, seq, indexWidth)
		for i := 0; i < outCount; i++ {
			a, errA := sourcePathFor(seq.Dir, level, srcNames[2*i])
			if errA != nil {
				return nil, errA
			}
			b, errB := sourcePathFor(seq.Dir, level, srcNames[2*i+1])
			if errB != nil {
				return nil, errB
			}
			lp.Tasks = append(lp.Tasks, Task{Level: level, OutIndex: i, SrcA: a, SrcB: b, Weight: levelWeight})
		}

		plan.Levels = append(plan.Levels, lp)
		plan.TotalWork += float64(outCount) * levelWeight

		if outW <= maxThumbnailSize || outH <= maxThumbnailSize {
			break
		}

		n = outCount
		w, h = outW, outH
		sourceDir = lp.DestDir
		levelWeight /= 4 // work-unit weight: 4^(1-level), spec §3
	}

	return plan, nil
}

// sourcePathFor resolves one level's input filename to a path validated
// against inputDir, never against an intermediate level directory: level 1
// reads directly under inputDir, level > 1 reads the previous level's
// output under inputDir/.thumbnail/<level-1>/. Keeping inputDir as the
// containment root for every level, instead of chaining each level's own
// destination directory as the next level's base, means a symlink planted
// at any .thumbnail/<n> cannot widen where reads are allowed to resolve.
func sourcePathFor(inputDir string, level int, name string) (string, error) {
	if level == 1 {
		return pathsafe.SafeJoin(inputDir, name)
	}
	return pathsafe.SafeJoin(inputDir, ".thumbnail", strconv.Itoa(level-1), name)
}

// levelSourceNames returns the n input filenames (in the order pairs are
// drawn from) for a given level: the original slice filenames for level 1,
// or the zero-padded output names of the previous level for level > 1.
func levelSourceNames(level, n int, seq SliceSequence, width int) []string {
	if level == 1 {
		names := make([]string, 0, n)
		for _, f := range seq.Files {
			names = append(names, f.Name)
		}
		return names
	}
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("%0*d.tif", width, i)
	}
	return names
}
