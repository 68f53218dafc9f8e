package reconcile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SUNQC97/Pipeline-Code/internal/twincat"
)

func TestCompareMissingAxis(t *testing.T) {
	r := Compare(
		Structure{"Kanal_1": {"Axis_1", "Axis_2"}},
		Structure{"Kanal_1": {"Axis_1"}},
	)
	assert.Equal(t, map[string][]string{"Kanal_1": {"Axis_2"}}, r.MissingAxes)
	assert.Empty(t, r.MissingKanals)
	assert.Empty(t, r.ExtraKanals)
	assert.Empty(t, r.ExtraAxes)
	assert.False(t, r.InSync())
}

func TestCompareReportsAxesOfMissingKanal(t *testing.T) {
	r := Compare(Structure{"Kanal_2": {"Axis_10", "Axis_2", "Axis_1"}}, Structure{})
	assert.Equal(t, []string{"Kanal_2"}, r.MissingKanals)
	assert.Equal(t, []string{"Axis_1", "Axis_2", "Axis_10"}, r.MissingAxes["Kanal_2"])
}

func TestCompareExtra(t *testing.T) {
	r := Compare(
		Structure{"Kanal_1": {"Axis_1"}},
		Structure{"Kanal_1": {"Axis_1", "Axis_3"}, "Kanal_4": {"Axis_1"}},
	)
	assert.Equal(t, []string{"Kanal_4"}, r.ExtraKanals)
	assert.Equal(t, map[string][]string{"Kanal_1": {"Axis_3"}}, r.ExtraAxes)
	assert.Empty(t, r.MissingAxes)
}

func TestCompareInSync(t *testing.T) {
	s := Structure{"Kanal_1": {"Axis_1"}}
	assert.True(t, Compare(s, s).InSync())
}

type recorder struct {
	calls []string
	fail  string
}

func (r *recorder) AddChild(parent, name string, subtype int) error {
	if name == r.fail {
		return errors.New("refused")
	}
	r.calls = append(r.calls, parent+"|"+name+"|"+map[int]string{twincat.SubtypeKanal: "K", twincat.SubtypeAxis: "A"}[subtype])
	return nil
}

var treePaths = []string{
	"TICC^CNC",
	"TICC^CNC^Kanal_1",
	"TICC^CNC^Achsen",
	"TICC^CNC^Achsen^Achse_11",
}

func TestParents(t *testing.T) {
	p, ok := KanalParent(treePaths)
	require.True(t, ok)
	assert.Equal(t, "TICC^CNC", p)

	p, ok = AxisParent(treePaths)
	require.True(t, ok)
	assert.Equal(t, "TICC^CNC^Achsen", p)

	_, ok = AxisParent([]string{"TICC^CNC"})
	assert.False(t, ok)
}

func TestNewAxisNameSkipsUsed(t *testing.T) {
	used := map[string]bool{"achse_11": true}
	a, err := NewAxisName("Kanal_1", used)
	require.NoError(t, err)
	b, _ := NewAxisName("Kanal_1", used)
	assert.Equal(t, "Achse_12", a)
	assert.Equal(t, "Achse_13", b)

	_, err = NewAxisName("Kanal", used)
	assert.Error(t, err)
}

func TestCreateMissing(t *testing.T) {
	rec := &recorder{}
	r := Compare(
		Structure{"Kanal_1": {"Axis_1", "Axis_2"}, "Kanal_2": {"Axis_1"}},
		Structure{"Kanal_1": {"Axis_1"}},
	)

	created, rep := CreateMissing(rec, treePaths, r, nil)

	assert.Equal(t, []string{"Kanal_2"}, created.Kanals)
	assert.Equal(t, []string{"Achse_12", "Achse_21"}, created.Axes)
	assert.Equal(t, []string{
		"TICC^CNC|Kanal_2|K",
		"TICC^CNC^Achsen|Achse_12|A",
		"TICC^CNC^Achsen|Achse_21|A",
	}, rec.calls)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, "created 1 Kanals, 2 Axes", created.Summary())
}

func TestCreateMissingIsolatesFailures(t *testing.T) {
	rec := &recorder{fail: "Kanal_3"}
	r := Result{MissingKanals: []string{"Kanal_3", "Kanal_4"}, MissingAxes: map[string][]string{"Kanal_4": {"Axis_1"}}}

	created, rep := CreateMissing(rec, []string{"TICC^CNC"}, r, nil)

	assert.Equal(t, []string{"Kanal_4"}, created.Kanals)
	assert.Empty(t, created.Axes)
	require.Len(t, rep.Failed, 2)
	assert.Equal(t, "mapping", rep.Failed[1].Kind)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	r := Compare(Structure{"Kanal_1": {"Axis_1"}}, Structure{})
	file, err := Save(dir, ComparisonFile, r)
	require.NoError(t, err)
	assert.FileExists(t, file)

	var back Result
	require.NoError(t, Load(dir, ComparisonFile, &back))
	assert.Equal(t, r, back)
}
