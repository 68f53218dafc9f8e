// Package codec reads and rewrites the line-oriented parameter listings that
// TwinCAT embeds in the SdaMds and AchsMds elements. The listings are not
// markup, so all edits here are line and pattern based.
package codec

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

// LineWidth is the column at which values start in a rendered line.
const LineWidth = 50

// EndMarker terminates the parameter section of an SdaMds listing.
const EndMarker = "Ende"

var (
	trafoIDPattern    = regexp.MustCompile(`trafo\[0\]\.id\s+(-?\d+)`)
	trafoParamPattern = regexp.MustCompile(`trafo\[0\]\.param\[(\d+)]\s+(-?\d+)`)
)

// RenderLine pads name with spaces up to LineWidth and appends value.
// Names at or beyond the width get no padding.
func RenderLine(name, value string) string {
	pad := LineWidth - len(name)
	if pad < 0 {
		pad = 0
	}
	return name + strings.Repeat(" ", pad) + value
}

// RenderLines renders positionally paired names and values.
func RenderLines(names, values []string) []string {
	n := min(len(names), len(values))
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, RenderLine(names[i], values[i]))
	}
	return out
}

// RenderSet renders a parameter set.
func RenderSet(ps params.ParameterSet) []string {
	return RenderLines(ps.Names, ps.Values)
}

// ParseTrafoBlock extracts trafo[0].id and every trafo[0].param[i] from text.
// The id comes first (defaulting to "0"), followed by the params in ascending
// index order regardless of where they appear.
func ParseTrafoBlock(text string) params.ParameterSet {
	rec := params.TrafoRecord{ID: "0"}
	if m := trafoIDPattern.FindStringSubmatch(text); m != nil {
		rec.ID = m[1]
	}
	for _, m := range trafoParamPattern.FindAllStringSubmatch(text, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		rec.Params = append(rec.Params, params.TrafoParam{Index: idx, Value: m[2]})
	}
	sort.SliceStable(rec.Params, func(i, j int) bool { return rec.Params[i].Index < rec.Params[j].Index })
	return rec.ParameterSet()
}

// ReplaceTrafoBlock drops every line whose trimmed content starts with
// "trafo[" and inserts newLines, framed by blank lines, right before the
// first line that equals EndMarker. Without an EndMarker line the block is
// appended at the end. Lines after the marker are kept as they are.
func ReplaceTrafoBlock(text string, newLines []string) string {
	lines := splitLines(text)
	cleaned := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "trafo[") {
			continue
		}
		cleaned = append(cleaned, l)
	}

	end := len(cleaned)
	for i, l := range cleaned {
		if l == EndMarker {
			end = i
			break
		}
	}

	out := make([]string, 0, len(cleaned)+len(newLines)+2)
	out = append(out, cleaned[:end]...)
	out = append(out, "")
	for _, l := range newLines {
		out = append(out, strings.TrimSpace(l))
	}
	out = append(out, "")
	out = append(out, cleaned[end:]...)
	return strings.Join(out, "\n")
}

// splitLines splits on line boundaries without producing a trailing empty
// element for a final newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}
