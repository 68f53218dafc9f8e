// Package reconcile diffs the channel/axis structure known to OPC UA against
// the TwinCAT tree and creates what TwinCAT is missing.
package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/params"
	"github.com/SUNQC97/Pipeline-Code/internal/twincat"
)

// ComparisonFile is the file name the last comparison is saved under.
const ComparisonFile = "kanal_axis_comparison.json"

// Structure maps Kanal_N to its axis names.
type Structure map[string][]string

// Result lists what OPC UA declares but TwinCAT lacks (missing) and the
// converse (extra).
type Result struct {
	MissingKanals []string            `json:"missing_kanals"`
	MissingAxes   map[string][]string `json:"missing_axes"`
	ExtraKanals   []string            `json:"extra_kanals"`
	ExtraAxes     map[string][]string `json:"extra_axes"`
}

func (r Result) InSync() bool {
	return len(r.MissingKanals) == 0 && len(r.MissingAxes) == 0 &&
		len(r.ExtraKanals) == 0 && len(r.ExtraAxes) == 0
}

// Compare diffs opcua against twincat. Axes of a missing Kanal are reported
// as missing too.
func Compare(opcua, twincat Structure) Result {
	r := Result{
		MissingKanals: []string{},
		MissingAxes:   map[string][]string{},
		ExtraKanals:   []string{},
		ExtraAxes:     map[string][]string{},
	}
	for kanal, axes := range opcua {
		have, ok := twincat[kanal]
		if !ok {
			r.MissingKanals = append(r.MissingKanals, kanal)
		}
		if diff := difference(axes, have); len(diff) > 0 {
			r.MissingAxes[kanal] = diff
		}
	}
	for kanal, axes := range twincat {
		want, ok := opcua[kanal]
		if !ok {
			r.ExtraKanals = append(r.ExtraKanals, kanal)
			continue
		}
		if diff := difference(axes, want); len(diff) > 0 {
			r.ExtraAxes[kanal] = diff
		}
	}
	params.SortByNumericSuffix(r.MissingKanals)
	params.SortByNumericSuffix(r.ExtraKanals)
	return r
}

func difference(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, x := range b {
		drop[x] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{}, len(a))
	for _, x := range a {
		if _, ok := drop[x]; ok {
			continue
		}
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	params.SortByNumericSuffix(out)
	return out
}

// Save writes v as indented JSON to dir/name and returns the file path.
func Save(dir, name string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	file := filepath.Join(dir, name)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return "", err
	}
	return file, nil
}

// Load reads a file written by Save.
func Load(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Creator adds a node below parentPath.
type Creator interface {
	AddChild(parentPath, name string, subtype int) error
}

// Created lists the nodes a CreateMissing run added.
type Created struct {
	Kanals []string `json:"created_kanals"`
	Axes   []string `json:"created_axes"`
}

// KanalParent returns the shallowest one-separator path, preferring one that
// already holds a Kanal.
func KanalParent(paths []string) (string, bool) {
	for _, k := range twincat.KanalPaths(paths) {
		if i := strings.LastIndex(k, twincat.PathSeparator); i >= 0 && twincat.Depth(k[:i]) == 1 {
			return k[:i], true
		}
	}
	for _, p := range paths {
		if twincat.Depth(p) == 1 {
			return p, true
		}
	}
	return "", false
}

// AxisParent returns the parent of the shallowest axis node.
func AxisParent(paths []string) (string, bool) {
	best, depth := "", -1
	for _, p := range paths {
		if !twincat.IsAxisSegment(twincat.LastSegment(p)) {
			continue
		}
		if d := twincat.Depth(p); d > 0 && (depth < 0 || d < depth) {
			best, depth = p, d
		}
	}
	if depth < 0 {
		return "", false
	}
	return best[:strings.LastIndex(best, twincat.PathSeparator)], true
}

// NewAxisName combines the channel number with the next index not yet in
// used: Kanal_1 gives Achse_11, Achse_12, and so on. The chosen name is
// added to used.
func NewAxisName(kanal string, used map[string]bool) (string, error) {
	n, ok := params.NumericSuffix(kanal)
	if !ok {
		return "", params.Errorf(params.KindMapping, kanal, "channel name has no number")
	}
	prefix := "Achse_" + strconv.Itoa(n)
	for idx := 1; ; idx++ {
		name := prefix + strconv.Itoa(idx)
		if !used[strings.ToLower(name)] {
			used[strings.ToLower(name)] = true
			return name, nil
		}
	}
}

// CreateMissing creates the missing Kanals and axes of r. Parents are picked
// from paths; a missing parent fails the affected entries only.
func CreateMissing(c Creator, paths []string, r Result, logger *zap.Logger) (Created, params.Report) {
	if logger == nil {
		logger = zap.NewNop()
	}
	created := Created{Kanals: []string{}, Axes: []string{}}
	var rep params.Report

	if len(r.MissingKanals) > 0 {
		parent, ok := KanalParent(paths)
		for _, kanal := range r.MissingKanals {
			if !ok {
				rep.Fail(kanal, params.CategoryTrafo, params.Errorf(params.KindMapping, kanal, "no Kanal parent in tree"))
				continue
			}
			err := c.AddChild(parent, kanal, twincat.SubtypeKanal)
			if err == nil {
				created.Kanals = append(created.Kanals, kanal)
			} else {
				logger.Warn("create kanal failed", zap.String("kanal", kanal), zap.Error(err))
			}
			rep.Add(kanal, params.CategoryTrafo, err)
		}
	}

	if len(r.MissingAxes) == 0 {
		return created, rep
	}
	parent, ok := AxisParent(paths)
	used := make(map[string]bool)
	for _, p := range paths {
		if seg := twincat.LastSegment(p); twincat.IsAxisSegment(seg) {
			used[strings.ToLower(seg)] = true
		}
	}
	kanals := make([]string, 0, len(r.MissingAxes))
	for k := range r.MissingAxes {
		kanals = append(kanals, k)
	}
	params.SortByNumericSuffix(kanals)
	for _, kanal := range kanals {
		for _, axis := range r.MissingAxes[kanal] {
			target := kanal + "." + axis
			if !ok {
				rep.Fail(target, params.CategoryAxis, params.Errorf(params.KindMapping, target, "no axis parent in tree"))
				continue
			}
			name, err := NewAxisName(kanal, used)
			if err == nil {
				err = c.AddChild(parent, name, twincat.SubtypeAxis)
			}
			if err != nil {
				logger.Warn("create axis failed", zap.String("kanal", kanal), zap.String("axis", axis), zap.Error(err))
				rep.Fail(target, params.CategoryAxis, err)
				continue
			}
			logger.Info("axis created", zap.String("kanal", kanal), zap.String("for", axis), zap.String("name", name))
			created.Axes = append(created.Axes, name)
			rep.Ok(target, params.CategoryAxis)
		}
	}
	return created, rep
}

// Summary is the one-line log form of a creation run.
func (c Created) Summary() string {
	return fmt.Sprintf("created %d Kanals, %d Axes", len(c.Kanals), len(c.Axes))
}
