package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

// Mapping assigns the axis scopes of each Kanal to TwinCAT axis node names:
// {"Kanal_1": {"Axis_1": "Achse_11"}}.
type Mapping map[string]map[string]string

// LoadMapping decodes a JSON or YAML mapping file. An empty path yields an
// empty mapping.
func LoadMapping(path string) (Mapping, error) {
	m := Mapping{}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &m)
	default:
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("decode mapping %s: %w", path, err)
	}
	return m, nil
}

// AxisEntry pairs an axis scope with the TwinCAT node it is written to.
type AxisEntry struct {
	Axis string
	Node string
}

// Axes returns the axis entries of kanal whose key is an axis name, sorted
// by key.
func (m Mapping) Axes(kanal string) []AxisEntry {
	keys := make([]string, 0, len(m[kanal]))
	for k := range m[kanal] {
		if params.IsAxisName(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]AxisEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, AxisEntry{Axis: k, Node: m[kanal][k]})
	}
	return out
}
