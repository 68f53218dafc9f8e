package codec

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

// AxisEdit is the outcome of applying axis updates to an AchsMds listing.
type AxisEdit struct {
	Text string
	// Applied lists "<scope>.<field>" entries that changed the text.
	Applied []string
	// Skipped holds one error per update that could not be applied.
	Skipped []error
}

// ReplaceAxisFieldsForAxis applies only the updates scoped to axisName
// ("<axisName>.<field> <value>"). Used when the caller passes every axis line
// of a channel.
func ReplaceAxisFieldsForAxis(text, axisName string, updates []string) AxisEdit {
	scoped := make([]string, 0, len(updates))
	for _, u := range updates {
		if strings.HasPrefix(strings.TrimSpace(u), axisName+".") {
			scoped = append(scoped, u)
		}
	}
	return applyAxisUpdates(text, scoped)
}

// ReplaceAxisFields applies every update regardless of its scope. The caller
// is expected to have selected the lines of one axis already.
func ReplaceAxisFields(text string, updates []string) AxisEdit {
	return applyAxisUpdates(text, updates)
}

func applyAxisUpdates(text string, updates []string) AxisEdit {
	edit := AxisEdit{Text: text}
	for _, line := range updates {
		key, raw, ok := splitUpdate(line)
		if !ok {
			edit.Skipped = append(edit.Skipped, params.Errorf(params.KindMapping, strings.TrimSpace(line), "invalid line format"))
			continue
		}
		_, field, ok := params.SplitAxisParam(key)
		if !ok {
			edit.Skipped = append(edit.Skipped, params.Errorf(params.KindMapping, key, "invalid line format"))
			continue
		}
		mapping, ok := params.LookupField(field)
		if !ok {
			edit.Skipped = append(edit.Skipped, params.Errorf(params.KindMapping, key, "unmapped field %q", field))
			continue
		}
		value, err := mapping.Scale(raw)
		if err != nil {
			edit.Skipped = append(edit.Skipped, params.Wrap(params.KindTransform, key, err))
			continue
		}
		updated, n := SetField(edit.Text, mapping.Physical, value)
		if n == 0 {
			edit.Skipped = append(edit.Skipped, params.Errorf(params.KindMapping, key, "%s not found", mapping.Physical))
			continue
		}
		edit.Text = updated
		edit.Applied = append(edit.Applied, key)
	}
	return edit
}

// splitUpdate splits "<key> <value>" on its last whitespace run.
func splitUpdate(line string) (key, value string, ok bool) {
	s := strings.TrimSpace(line)
	i := strings.LastIndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return "", "", false
	}
	key = strings.TrimRightFunc(s[:i], unicode.IsSpace)
	value = s[i+1:]
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}

func fieldPattern(physical string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^(` + regexp.QuoteMeta(physical) + `[ \t]+)[^\s]+`)
}

// SetField replaces the value token of every line starting with physical.
// It returns the new text and the number of lines changed.
func SetField(text, physical, value string) (string, int) {
	re := fieldPattern(physical)
	n := len(re.FindAllStringIndex(text, -1))
	if n == 0 {
		return text, 0
	}
	return re.ReplaceAllString(text, "${1}"+strings.ReplaceAll(value, "$", "$$")), n
}

// GetField returns the value token of the first line starting with physical.
func GetField(text, physical string) (string, bool) {
	re := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(physical) + `[ \t]+([^\s]+)`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ReadAxisFields collects every mapped field present in text as
// "<axisName>.<logical>" entries with values converted back to logical units.
// Fields whose value does not convert are returned as found.
func ReadAxisFields(text, axisName string) (params.ParameterSet, []error) {
	var ps params.ParameterSet
	var skipped []error
	for _, f := range params.Fields() {
		raw, ok := GetField(text, f.Physical)
		if !ok {
			continue
		}
		value, err := f.Unscale(raw)
		if err != nil {
			skipped = append(skipped, params.Wrap(params.KindTransform, axisName+"."+f.Logical, err))
			value = raw
		}
		ps.Names = append(ps.Names, axisName+"."+f.Logical)
		ps.Values = append(ps.Values, value)
	}
	return ps, skipped
}
