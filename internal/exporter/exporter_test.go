package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/SUNQC97/Pipeline-Code/internal/opc"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
	"github.com/SUNQC97/Pipeline-Code/internal/reconcile"
)

func sampleAggregate() params.Aggregate {
	agg := params.Aggregate{}
	agg.Channel("Kanal_10").Trafo = params.NewParameterSet([]string{"trafo[0].id"}, []string{"1"})
	cc := agg.Channel("Kanal_2")
	cc.Trafo = params.NewParameterSet([]string{"trafo[0].id", "trafo[0].param[0]"}, []string{"7", "0.5"})
	cc.Axis = params.NewParameterSet([]string{"Axis_1.v_max"}, []string{"3"})
	return agg
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJSON, "CSV": FormatCSV, "excel": FormatExcel, "xlsx": FormatExcel} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("pdf")
	assert.Error(t, err)
	assert.Equal(t, "report.csv", FormatCSV.FileName("report"))
}

func TestWriteAggregateCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAggregate(&buf, sampleAggregate(), FormatCSV))
	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Kanal", "Category", "Name", "Value"},
		{"Kanal_2", params.CategoryTrafo, "trafo[0].id", "7"},
		{"Kanal_2", params.CategoryTrafo, "trafo[0].param[0]", "0.5"},
		{"Kanal_2", params.CategoryAxis, "Axis_1.v_max", "3"},
		{"Kanal_10", params.CategoryTrafo, "trafo[0].id", "1"},
	}, recs)
}

func TestWriteAggregateJSONKeepsShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAggregate(&buf, sampleAggregate(), FormatJSON))
	var back map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Contains(t, back, "Kanal_2")
	assert.Contains(t, back["Kanal_2"], "trafo")
}

func TestWriteComparisonExcel(t *testing.T) {
	r := reconcile.Result{
		MissingKanals: []string{"Kanal_3"},
		MissingAxes:   map[string][]string{"Kanal_1": {"Axis_2"}},
		ExtraKanals:   []string{},
		ExtraAxes:     map[string][]string{"Kanal_1": {"Axis_9"}},
	}
	assert.Equal(t, []DiffRow{
		{Kanal: "Kanal_3", Status: StatusMissingKanal},
		{Kanal: "Kanal_1", Axis: "Axis_2", Status: StatusMissingAxis},
		{Kanal: "Kanal_1", Axis: "Axis_9", Status: StatusExtraAxis},
	}, DiffRows(r))

	path, err := SaveFile(t.TempDir(), FormatExcel.FileName("comparison"), func(w io.Writer) error {
		return WriteComparison(w, r, FormatExcel)
	})
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Comparison")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Kanal", "Axis", "Status"}, rows[0])
	assert.Equal(t, []string{"Kanal_1", "Axis_2", StatusMissingAxis}, rows[2])
}

func TestWriteReport(t *testing.T) {
	var rep params.Report
	rep.Ok("Kanal_1", params.CategoryTrafo)
	rep.Fail("Kanal_2", params.CategoryAxis, params.Errorf(params.KindMapping, "Kanal_2", "no data"))

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, rep, FormatCSV))
	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"failed", "Kanal_2", params.CategoryAxis, "mapping"}, recs[2][:4])
}

type fakeNodes struct {
	children map[string][]opc.NodeRef
	values   map[string]string
}

func (f *fakeNodes) Browse(_ context.Context, id string) ([]opc.NodeRef, error) {
	return f.children[id], nil
}

func (f *fakeNodes) ReadString(_ context.Context, id string) (string, error) {
	return f.values[id], nil
}

func (f *fakeNodes) WriteString(context.Context, string, string) error { return nil }

func TestAddressSpace(t *testing.T) {
	f := &fakeNodes{
		children: map[string][]opc.NodeRef{
			opc.ObjectsFolder: {{NodeID: "ns=2;s=Kanal_1", Name: "Kanal_1", Class: ua.NodeClassObject}},
			"ns=2;s=Kanal_1": {
				{NodeID: "ns=2;s=Kanal_1.Trafo", Name: opc.TrafoVariable, Class: ua.NodeClassVariable},
				{NodeID: opc.ObjectsFolder, Name: "Objects", Class: ua.NodeClassObject}, // cycle
			},
		},
		values: map[string]string{"ns=2;s=Kanal_1.Trafo": `{"param_names":[]}`},
	}
	root, err := New(f, nil).AddressSpace(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	kanal := root.Children[0]
	require.Len(t, kanal.Children, 1)
	assert.Equal(t, `{"param_names":[]}`, kanal.Children[0].Value)

	dir := t.TempDir()
	path, err := SaveFile(dir, "space.csv", func(w io.Writer) error { return WriteAddressSpace(w, root, FormatCSV) })
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Clean(path))
	require.NoError(t, err)
	recs, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 4)
	assert.Equal(t, "2", recs[3][0])

	_, err = New(nil, nil).AddressSpace(context.Background(), "")
	assert.ErrorIs(t, err, params.ErrNotConnected)
}
