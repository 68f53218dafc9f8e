package twincat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SUNQC97/Pipeline-Code/internal/codec"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

const kanalXML = `<?xml version="1.0" encoding="UTF-16"?>
<TreeItem><ItemName>Kanal_1</ItemName><ItemType>401</ItemType><ItemId>1</ItemId>` +
	`<CncChannelDef><SdaMds><![CDATA[kopf 1
trafo[0].id 0
Ende
nachlauf 2]]></SdaMds></CncChannelDef></TreeItem>`

const axisXML = `<TreeItem><ItemName>Achse_11</ItemName><ItemType>403</ItemType><ItemId>11</ItemId>` +
	`<IsgAxisDef><DefaultChannel>1</DefaultChannel><DefaultIndex>0</DefaultIndex></IsgAxisDef>` +
	`<AxisDef><AchsMds><![CDATA[kenngr.swe_neg 0
kenngr.swe_pos 0
getriebe[0].dynamik.vb_max 0
getriebe[0].dynamik.a_max 0
antr.abs_pos_offset 0]]></AchsMds></AxisDef></TreeItem>`

const (
	kanalPath = "TICC^CNC^Kanal_1"
	axisPath  = "TICC^CNC^Achsen^Achse_11"
)

func newFixture() (*MemTree, *Client) {
	tree := NewMemTree()
	tree.Add("TICC", "<TreeItem><ItemName>TICC</ItemName></TreeItem>")
	tree.Add("TICC^CNC", "<TreeItem><ItemName>CNC</ItemName></TreeItem>")
	tree.Add(kanalPath, kanalXML)
	tree.Add(axisPath, axisXML)
	return tree, NewClient(tree, 0, nil)
}

func produce(t *testing.T, tree *MemTree, path string) *NodeXML {
	t.Helper()
	n, err := tree.Lookup(path)
	require.NoError(t, err)
	raw, err := n.ProduceXML(true)
	require.NoError(t, err)
	doc, err := ParseNodeXML(raw)
	require.NoError(t, err)
	return doc
}

func TestCollectPathsSkipsRoot(t *testing.T) {
	tree, _ := newFixture()
	paths, err := CollectPaths(tree, "TICC")
	require.NoError(t, err)
	assert.Equal(t, []string{"TICC^CNC", kanalPath, "TICC^CNC^Achsen", axisPath}, paths)
	assert.Equal(t, []string{kanalPath}, KanalPaths(paths))
	assert.Equal(t, []string{axisPath}, AxisPaths(paths))
}

func TestPathHelpers(t *testing.T) {
	p, ok := FindBySuffix([]string{"A^Kanal_10", "A^Kanal_1"}, "Kanal_1")
	assert.True(t, ok)
	assert.Equal(t, "A^Kanal_1", p)
	assert.Equal(t, filepath.Join("out", "Kanal_1.xml"), FilePath("out", kanalPath))
	assert.Equal(t, filepath.Join("out", "default.xml"), FilePath("out", ""))
	assert.False(t, IsAxisSegment("Achsen"))
	assert.True(t, IsAxisSegment("EXT_2"))
}

func TestIdentity(t *testing.T) {
	tree, _ := newFixture()

	kanal, err := produce(t, tree, kanalPath).KanalIdentity()
	require.NoError(t, err)
	assert.Equal(t, "Kanal_1", kanal)

	_, err = produce(t, tree, axisPath).KanalIdentity()
	assert.Equal(t, params.KindIdentity, params.KindOf(err))

	id, err := produce(t, tree, axisPath).AxisIdentity()
	require.NoError(t, err)
	assert.Equal(t, AxisIdentity{AxisName: "Axis_1", KanalName: "Kanal_1", ItemName: "Achse_11", DefaultChannel: 1, DefaultIndex: 0}, id)

	name, err := AxisNameFromItemName("Achse_007")
	require.NoError(t, err)
	assert.Equal(t, "Axis_7", name)
}

func TestWriteAndReadKanalTrafo(t *testing.T) {
	tree, c := newFixture()
	agg := params.Aggregate{}
	agg.Channel("Kanal_1").Trafo = params.NewParameterSet(
		[]string{"trafo[0].id", "trafo[0].param[0]", "trafo[0].param[1]"},
		[]string{"5", "1.5", "-0.25"},
	)

	kanal, err := c.WriteKanalTrafo(kanalPath, agg)
	require.NoError(t, err)
	assert.Equal(t, "Kanal_1", kanal)

	text, err := produce(t, tree, kanalPath).Listing(TagSdaMds)
	require.NoError(t, err)
	assert.Contains(t, text, codec.RenderLine("trafo[0].param[0]", "15000"))
	assert.Contains(t, text, codec.RenderLine("trafo[0].param[1]", "-2500"))
	assert.NotContains(t, text, "trafo[0].id 0")
	assert.Contains(t, text, "Ende\nnachlauf 2")

	back := params.Aggregate{}
	_, err = c.ReadKanalTrafo(kanalPath, back)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "1.5", "-0.25"}, back["Kanal_1"].Trafo.Values)
}

func TestWriteKanalTrafoWithoutDataIsSkip(t *testing.T) {
	_, c := newFixture()
	_, err := c.WriteKanalTrafo(kanalPath, params.Aggregate{})
	assert.True(t, params.IsSkip(err))
	assert.ErrorIs(t, err, params.ErrNoData)
}

func TestWriteAxisMatchesPrefixes(t *testing.T) {
	tree, c := newFixture()
	agg := params.Aggregate{}
	agg.Channel("Kanal_1").Axis = params.NewParameterSet(
		[]string{"Achse_1.v_max", "Achse_1.s_max", "Axis_2.s_max"},
		[]string{"2", "0.5", "9"},
	)

	id, err := c.WriteAxis(axisPath, agg)
	require.NoError(t, err)
	assert.Equal(t, "Axis_1", id.AxisName)

	text, err := produce(t, tree, axisPath).Listing(TagAchsMds)
	require.NoError(t, err)
	assert.Contains(t, text, "getriebe[0].dynamik.vb_max 2000")
	assert.Contains(t, text, "kenngr.swe_pos 5000")

	// existing Achse_1 names are reused on read
	_, err = c.ReadAxis(axisPath, agg)
	require.NoError(t, err)
	assert.Equal(t, []string{"Achse_1.v_max", "Achse_1.s_max", "Axis_2.s_max", "Achse_1.a_max", "Achse_1.s_min", "Achse_1.s_init"},
		agg["Kanal_1"].Axis.Names)
	v, _ := agg["Kanal_1"].Axis.Get("Achse_1.s_max")
	assert.Equal(t, "0.5", v)
}

func TestWriteAxisLinesUsesItemNameNumber(t *testing.T) {
	tree, c := newFixture()
	edit, err := c.WriteAxisLines(axisPath, []string{
		codec.RenderLine("Axis_11.a_max", "4"),
		codec.RenderLine("Axis_1.a_max", "8"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Axis_11.a_max"}, edit.Applied)

	text, _ := produce(t, tree, axisPath).Listing(TagAchsMds)
	assert.Contains(t, text, "getriebe[0].dynamik.a_max 4")
}

func TestBatchReportsIsolateFailures(t *testing.T) {
	tree, c := newFixture()
	tree.Add("TICC^CNC^Kanal_2", axisXML)
	agg := params.Aggregate{}
	agg.Channel("Kanal_1").Trafo = params.NewParameterSet([]string{"trafo[0].id"}, []string{"3"})

	rep := c.WriteAllKanals([]string{kanalPath, "TICC^CNC^Kanal_2", "TICC^CNC^Kanal_9"}, agg)
	assert.Len(t, rep.Succeeded, 1)
	require.Len(t, rep.Failed, 2)
	assert.Equal(t, "identity", rep.Failed[0].Kind)
	assert.Equal(t, "mapping", rep.Failed[1].Kind)
}

func TestStructure(t *testing.T) {
	tree, c := newFixture()
	paths, err := CollectPaths(tree, DefaultKeyword)
	require.NoError(t, err)
	got, rep := c.Structure(paths)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, map[string][]string{"Kanal_1": {"Axis_1"}}, got)
}

func TestExportImportNode(t *testing.T) {
	tree, c := newFixture()
	dir := t.TempDir()

	file, err := c.ExportNode(kanalPath, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Kanal_1.xml"), file)

	require.NoError(t, os.WriteFile(file, []byte(axisXML), 0o644))
	require.NoError(t, c.ImportNode(kanalPath, file))
	_, err = produce(t, tree, kanalPath).AxisIdentity()
	assert.NoError(t, err)
}

func TestActivateAndAddChild(t *testing.T) {
	tree, c := newFixture()
	require.NoError(t, c.Activate())
	assert.Equal(t, 1, tree.Activations)
	assert.Equal(t, 1, tree.Restarts)

	require.NoError(t, c.AddChild("TICC^CNC", "Kanal_2", SubtypeKanal))
	n, err := tree.Lookup("TICC^CNC^Kanal_2")
	require.NoError(t, err)
	assert.Equal(t, SubtypeKanal, n.(*MemNode).Subtype())
	assert.Error(t, c.AddChild("TICC^CNC", "Kanal_2", SubtypeKanal))
}

func TestNotConnected(t *testing.T) {
	c := NewClient(nil, 0, nil)
	_, err := c.Browse(DefaultKeyword)
	assert.ErrorIs(t, err, params.ErrNotConnected)
	_, err = c.WriteKanalTrafo(kanalPath, params.Aggregate{})
	assert.Equal(t, params.KindConnection, params.KindOf(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	tree, _ := newFixture()
	dir := t.TempDir()
	require.NoError(t, tree.SaveDir(dir))

	loaded, err := LoadDir(dir)
	require.NoError(t, err)
	paths, err := CollectPaths(loaded, "TICC")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"TICC^CNC", kanalPath, "TICC^CNC^Achsen", axisPath}, paths)
	assert.Equal(t, "Kanal_1", produce(t, loaded, kanalPath).Field(TagItemName))
}
