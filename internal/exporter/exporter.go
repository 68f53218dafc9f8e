// Package exporter writes parameter aggregates, structure comparisons and the
// channel address space to JSON, CSV and Excel.
package exporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/opc"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
	"github.com/SUNQC97/Pipeline-Code/internal/reconcile"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatExcel Format = "xlsx"
)

// ParseFormat accepts json, csv and xlsx (or excel); empty means json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "xlsx", "excel":
		return FormatExcel, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// FileName appends the format extension to base.
func (f Format) FileName(base string) string { return base + "." + string(f) }

// table is the flat form shared by the CSV and Excel writers.
type table struct {
	sheet   string
	headers []string
	rows    [][]any
}

// ParameterRow is one parameter of one channel.
type ParameterRow struct {
	Kanal    string `json:"kanal"`
	Category string `json:"category"`
	Name     string `json:"name"`
	Value    string `json:"value"`
}

// ParameterRows flattens agg in channel order, trafo before axis.
func ParameterRows(agg params.Aggregate) []ParameterRow {
	var rows []ParameterRow
	for _, kanal := range agg.Names() {
		cc := agg[kanal]
		if cc == nil {
			continue
		}
		for _, part := range []struct {
			category string
			ps       params.ParameterSet
		}{{params.CategoryTrafo, cc.Trafo}, {params.CategoryAxis, cc.Axis}} {
			for i, name := range part.ps.Names {
				if i >= len(part.ps.Values) {
					break
				}
				rows = append(rows, ParameterRow{Kanal: kanal, Category: part.category, Name: name, Value: part.ps.Values[i]})
			}
		}
	}
	return rows
}

func aggregateTable(agg params.Aggregate) table {
	t := table{sheet: "Parameters", headers: []string{"Kanal", "Category", "Name", "Value"}}
	for _, r := range ParameterRows(agg) {
		t.rows = append(t.rows, []any{r.Kanal, r.Category, r.Name, r.Value})
	}
	return t
}

// WriteAggregate writes agg in format f. JSON keeps the nested
// {Kanal_N: {trafo, axis}} shape; CSV and Excel use one row per parameter.
func WriteAggregate(w io.Writer, agg params.Aggregate, f Format) error {
	if f == FormatJSON {
		return writeJSON(w, agg)
	}
	return writeTable(w, aggregateTable(agg), f)
}

// DiffRow is one finding of a structure comparison.
type DiffRow struct {
	Kanal  string `json:"kanal"`
	Axis   string `json:"axis,omitempty"`
	Status string `json:"status"`
}

const (
	StatusMissingKanal = "missing_kanal"
	StatusMissingAxis  = "missing_axis"
	StatusExtraKanal   = "extra_kanal"
	StatusExtraAxis    = "extra_axis"
)

// DiffRows lists the findings of r, missing before extra, channels in order.
func DiffRows(r reconcile.Result) []DiffRow {
	var rows []DiffRow
	kanals := func(list []string, status string) {
		sorted := append([]string(nil), list...)
		params.SortByNumericSuffix(sorted)
		for _, k := range sorted {
			rows = append(rows, DiffRow{Kanal: k, Status: status})
		}
	}
	axes := func(m map[string][]string, status string) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		params.SortByNumericSuffix(keys)
		for _, k := range keys {
			for _, a := range m[k] {
				rows = append(rows, DiffRow{Kanal: k, Axis: a, Status: status})
			}
		}
	}
	kanals(r.MissingKanals, StatusMissingKanal)
	axes(r.MissingAxes, StatusMissingAxis)
	kanals(r.ExtraKanals, StatusExtraKanal)
	axes(r.ExtraAxes, StatusExtraAxis)
	return rows
}

// WriteComparison writes the comparison result in format f.
func WriteComparison(w io.Writer, r reconcile.Result, f Format) error {
	if f == FormatJSON {
		return writeJSON(w, r)
	}
	t := table{sheet: "Comparison", headers: []string{"Kanal", "Axis", "Status"}}
	for _, d := range DiffRows(r) {
		t.rows = append(t.rows, []any{d.Kanal, d.Axis, d.Status})
	}
	return writeTable(w, t, f)
}

// WriteReport writes the outcomes of a batch run in format f.
func WriteReport(w io.Writer, rep params.Report, f Format) error {
	if f == FormatJSON {
		return writeJSON(w, rep)
	}
	t := table{sheet: "Report", headers: []string{"Result", "Target", "Category", "Kind", "Message"}}
	for _, o := range rep.Succeeded {
		t.rows = append(t.rows, []any{"ok", o.Target, o.Category, o.Kind, o.Message})
	}
	for _, o := range rep.Failed {
		t.rows = append(t.rows, []any{"failed", o.Target, o.Category, o.Kind, o.Message})
	}
	return writeTable(w, t, f)
}

// SaveFile creates dir/name and hands it to write.
func SaveFile(dir, name string, write func(io.Writer) error) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := write(f); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, t table, f Format) error {
	switch f {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(t.headers); err != nil {
			return err
		}
		for _, row := range t.rows {
			rec := make([]string, len(row))
			for i, v := range row {
				rec[i] = fmt.Sprint(v)
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatExcel:
		x := excelize.NewFile()
		defer x.Close()
		if _, err := x.NewSheet(t.sheet); err != nil {
			return err
		}
		x.DeleteSheet("Sheet1")
		for i, h := range t.headers {
			cell, _ := excelize.CoordinatesToCellName(i+1, 1)
			x.SetCellValue(t.sheet, cell, h)
		}
		for r, row := range t.rows {
			for c, v := range row {
				cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
				x.SetCellValue(t.sheet, cell, v)
			}
		}
		_, err := x.WriteTo(w)
		return err
	}
	return fmt.Errorf("unsupported export format %q", f)
}

// ExportNode is one node of the exported channel address space.
type ExportNode struct {
	Name      string        `json:"name"`
	NodeID    string        `json:"nodeId"`
	NodeClass string        `json:"nodeClass"`
	Value     string        `json:"value,omitempty"`
	Children  []*ExportNode `json:"children,omitempty"`
}

// Exporter walks the address space below the Objects folder.
type Exporter struct {
	io     opc.NodeIO
	logger *zap.Logger
}

func New(io opc.NodeIO, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{io: io, logger: logger}
}

// AddressSpace browses from rootNodeID (Objects when empty) and reads the
// value of every variable.
func (e *Exporter) AddressSpace(ctx context.Context, rootNodeID string) (*ExportNode, error) {
	if e.io == nil {
		return nil, params.Wrap(params.KindConnection, "opcua", params.ErrNotConnected)
	}
	if rootNodeID == "" {
		rootNodeID = opc.ObjectsFolder
	}
	root := &ExportNode{Name: "Objects", NodeID: rootNodeID, NodeClass: ua.NodeClassObject.String()}
	visited := map[string]struct{}{rootNodeID: {}}
	if err := e.expand(ctx, root, visited); err != nil {
		return nil, err
	}
	return root, nil
}

// expand browses the children of node; visited guards against reference
// cycles.
func (e *Exporter) expand(ctx context.Context, node *ExportNode, visited map[string]struct{}) error {
	browseCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	refs, err := e.io.Browse(browseCtx, node.NodeID)
	if err != nil {
		if node.NodeID == opc.ObjectsFolder {
			return params.Wrap(params.KindConnection, node.NodeID, err)
		}
		e.logger.Warn("could not browse node", zap.String("node", node.NodeID), zap.Error(err))
		return nil
	}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := visited[ref.NodeID]; ok {
			continue
		}
		visited[ref.NodeID] = struct{}{}
		child := &ExportNode{Name: ref.Name, NodeID: ref.NodeID, NodeClass: ref.Class.String()}
		if ref.Class == ua.NodeClassVariable {
			v, err := e.io.ReadString(ctx, ref.NodeID)
			if err != nil {
				e.logger.Warn("could not read variable", zap.String("node", ref.NodeID), zap.Error(err))
			}
			child.Value = v
		} else if err := e.expand(ctx, child, visited); err != nil {
			return err
		}
		node.Children = append(node.Children, child)
	}
	sort.SliceStable(node.Children, func(i, j int) bool { return node.Children[i].Name < node.Children[j].Name })
	return nil
}

// WriteAddressSpace writes the tree in format f; CSV and Excel carry one row
// per node with its depth.
func WriteAddressSpace(w io.Writer, root *ExportNode, f Format) error {
	if f == FormatJSON {
		return writeJSON(w, root)
	}
	t := table{sheet: "OPC UA Address Space", headers: []string{"Level", "Name", "NodeID", "NodeClass", "Value"}}
	appendNodeRows(&t, root, 0)
	return writeTable(w, t, f)
}

func appendNodeRows(t *table, node *ExportNode, level int) {
	t.rows = append(t.rows, []any{level, node.Name, node.NodeID, node.NodeClass, node.Value})
	for _, child := range node.Children {
		appendNodeRows(t, child, level+1)
	}
}
