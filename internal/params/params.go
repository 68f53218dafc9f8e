package params

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Category names used in logs, reports and the OPC UA variable layout.
const (
	CategoryTrafo = "trafo"
	CategoryAxis  = "axis"
)

// ParameterSet is an ordered, positionally paired list of parameter names and
// string values. Values stay strings; scaling happens at translation boundaries.
type ParameterSet struct {
	Names  []string `json:"param_names"`
	Values []string `json:"param_values"`
}

// NewParameterSet pairs names and values. Surplus entries on either side are dropped.
func NewParameterSet(names, values []string) ParameterSet {
	n := len(names)
	if len(values) < n {
		n = len(values)
	}
	ps := ParameterSet{Names: make([]string, n), Values: make([]string, n)}
	copy(ps.Names, names[:n])
	copy(ps.Values, values[:n])
	return ps
}

func (p ParameterSet) Len() int { return len(p.Names) }

func (p ParameterSet) IsEmpty() bool { return len(p.Names) == 0 || len(p.Values) == 0 }

// Validate reports a mismatch between the name and value lists.
func (p ParameterSet) Validate() error {
	if len(p.Names) != len(p.Values) {
		return fmt.Errorf("parameter set has %d names but %d values", len(p.Names), len(p.Values))
	}
	return nil
}

// Get returns the value stored under name.
func (p ParameterSet) Get(name string) (string, bool) {
	for i, n := range p.Names {
		if n == name && i < len(p.Values) {
			return p.Values[i], true
		}
	}
	return "", false
}

// Merge returns a copy of p updated with other. Names already present keep
// their position and take the new value; unseen names are appended in the
// order other lists them.
func (p ParameterSet) Merge(other ParameterSet) ParameterSet {
	out := NewParameterSet(p.Names, p.Values)
	index := make(map[string]int, len(out.Names))
	for i, n := range out.Names {
		if _, dup := index[n]; !dup {
			index[n] = i
		}
	}
	for i, n := range other.Names {
		if i >= len(other.Values) {
			break
		}
		if at, ok := index[n]; ok {
			out.Values[at] = other.Values[i]
			continue
		}
		index[n] = len(out.Names)
		out.Names = append(out.Names, n)
		out.Values = append(out.Values, other.Values[i])
	}
	return out
}

// Filter keeps the entries whose name satisfies keep.
func (p ParameterSet) Filter(keep func(name string) bool) ParameterSet {
	var out ParameterSet
	for i, n := range p.Names {
		if i >= len(p.Values) {
			break
		}
		if keep(n) {
			out.Names = append(out.Names, n)
			out.Values = append(out.Values, p.Values[i])
		}
	}
	return out
}

// JSON encodes the set the way the OPC UA JSON variables carry it.
func (p ParameterSet) JSON() (string, error) {
	names, values := p.Names, p.Values
	if names == nil {
		names = []string{}
	}
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(struct {
		Names  []string `json:"param_names"`
		Values []string `json:"param_values"`
	}{names, values})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseParameterSet decodes a {"param_names": [...], "param_values": [...]}
// document. Numeric values are accepted and carried on as strings.
func ParseParameterSet(data string) (ParameterSet, error) {
	if strings.TrimSpace(data) == "" {
		return ParameterSet{}, nil
	}
	var raw struct {
		Names  []string          `json:"param_names"`
		Values []json.RawMessage `json:"param_values"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return ParameterSet{}, fmt.Errorf("decode parameter set: %w", err)
	}
	values := make([]string, 0, len(raw.Values))
	for _, rv := range raw.Values {
		var s string
		if err := json.Unmarshal(rv, &s); err == nil {
			values = append(values, s)
			continue
		}
		values = append(values, strings.TrimSpace(string(rv)))
	}
	return NewParameterSet(raw.Names, values), nil
}

// ChannelConfig carries both parameter categories of one Kanal.
type ChannelConfig struct {
	Trafo ParameterSet `json:"trafo"`
	Axis  ParameterSet `json:"axis"`
}

// Aggregate maps Kanal_N to its configuration. Each read or write pass builds
// its own Aggregate.
type Aggregate map[string]*ChannelConfig

// Channel returns the entry for name, creating it when absent.
func (a Aggregate) Channel(name string) *ChannelConfig {
	cc, ok := a[name]
	if !ok || cc == nil {
		cc = &ChannelConfig{}
		a[name] = cc
	}
	return cc
}

// Names lists the channels ordered by their numeric suffix.
func (a Aggregate) Names() []string {
	out := make([]string, 0, len(a))
	for n := range a {
		out = append(out, n)
	}
	SortByNumericSuffix(out)
	return out
}

// TrafoParam is one indexed entry of a trafo record.
type TrafoParam struct {
	Index int
	Value string
}

// TrafoRecord is the kinematic transformation: an id plus indexed parameters.
type TrafoRecord struct {
	ID     string
	Params []TrafoParam
}

// ParameterSet flattens the record, id first then params in index order.
func (r TrafoRecord) ParameterSet() ParameterSet {
	params := append([]TrafoParam(nil), r.Params...)
	sort.SliceStable(params, func(i, j int) bool { return params[i].Index < params[j].Index })
	ps := ParameterSet{
		Names:  []string{TrafoIDName},
		Values: []string{r.ID},
	}
	for _, p := range params {
		ps.Names = append(ps.Names, TrafoParamName(p.Index))
		ps.Values = append(ps.Values, p.Value)
	}
	return ps
}

// TrafoRecordFrom rebuilds a record from a parameter set. Entries that are
// neither the id nor an indexed param are ignored.
func TrafoRecordFrom(ps ParameterSet) TrafoRecord {
	rec := TrafoRecord{ID: "0"}
	for i, n := range ps.Names {
		if i >= len(ps.Values) {
			break
		}
		if n == TrafoIDName {
			rec.ID = ps.Values[i]
			continue
		}
		if idx, ok := TrafoParamIndex(n); ok {
			rec.Params = append(rec.Params, TrafoParam{Index: idx, Value: ps.Values[i]})
		}
	}
	return rec
}

// NumericSuffix returns the trailing integer of names like Kanal_12 or Axis_3.
func NumericSuffix(name string) (int, bool) {
	end := len(name)
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.Atoi(name[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SortByNumericSuffix orders names by trailing number, then lexically.
// Names without a number sort last.
func SortByNumericSuffix(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ni, oki := NumericSuffix(names[i])
		nj, okj := NumericSuffix(names[j])
		switch {
		case oki && okj && ni != nj:
			return ni < nj
		case oki != okj:
			return oki
		}
		return names[i] < names[j]
	})
}
