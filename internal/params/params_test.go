package params

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeKeepsFirstSeenOrder(t *testing.T) {
	base := NewParameterSet(
		[]string{"Axis_1.v_max", "Axis_1.s_min", "Axis_2.v_max"},
		[]string{"1", "2", "3"},
	)
	update := NewParameterSet(
		[]string{"Axis_3.v_max", "Axis_1.s_min", "Axis_2.a_max"},
		[]string{"30", "20", "9"},
	)

	got := base.Merge(update)

	assert.Equal(t, []string{"Axis_1.v_max", "Axis_1.s_min", "Axis_2.v_max", "Axis_3.v_max", "Axis_2.a_max"}, got.Names)
	assert.Equal(t, []string{"1", "20", "3", "30", "9"}, got.Values)
	// base untouched
	assert.Equal(t, []string{"1", "2", "3"}, base.Values)
}

func TestParseParameterSetAcceptsNumbers(t *testing.T) {
	ps, err := ParseParameterSet(`{"param_names":["trafo[0].id","trafo[0].param[0]"],"param_values":[7, "1.25"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"7", "1.25"}, ps.Values)

	empty, err := ParseParameterSet("  ")
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())

	_, err = ParseParameterSet("{")
	assert.Error(t, err)
}

func TestParameterSetJSONRoundTrip(t *testing.T) {
	ps := NewParameterSet([]string{"a", "b"}, []string{"1", "x"})
	s, err := ps.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"param_names":["a","b"],"param_values":["1","x"]}`, s)

	back, err := ParseParameterSet(s)
	require.NoError(t, err)
	assert.Equal(t, ps, back)

	s, err = ParameterSet{}.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"param_names":[],"param_values":[]}`, s)
}

func TestTrafoRecordOrdersIDFirst(t *testing.T) {
	rec := TrafoRecord{ID: "42", Params: []TrafoParam{{Index: 2, Value: "c"}, {Index: 0, Value: "a"}}}
	ps := rec.ParameterSet()
	assert.Equal(t, []string{"trafo[0].id", "trafo[0].param[0]", "trafo[0].param[2]"}, ps.Names)
	assert.Equal(t, []string{"42", "a", "c"}, ps.Values)

	back := TrafoRecordFrom(ps)
	assert.Equal(t, "42", back.ID)
	assert.Len(t, back.Params, 2)
}

func TestSortByNumericSuffix(t *testing.T) {
	names := []string{"Axis_10", "Axis_2", "Other", "Axis_1"}
	SortByNumericSuffix(names)
	assert.Equal(t, []string{"Axis_1", "Axis_2", "Axis_10", "Other"}, names)
}

func TestVirtuosName(t *testing.T) {
	cases := map[string]string{
		"trafo[0].id":        "KinID",
		"trafo[0].param[5]":  "par_5",
		"trafo[0].param[12]": "par_12",
		"Axis_3.v_max":       "Axis_3.v_max",
		"Ext_1.s_min":        "Ext_1.s_min",
	}
	for in, want := range cases {
		assert.Equal(t, want, VirtuosName(in), in)
		assert.Equal(t, in, LogicalName(want), want)
	}
	assert.Equal(t, "[Block].[Sub].[par_5]", VirtuosPath("[Block].[Sub]", "par_5"))
}

func TestScaleTrafo(t *testing.T) {
	names := []string{"trafo[0].id", "trafo[0].param[0]", "trafo[0].param[1]", "trafo[0].param[2]", "trafo[0].param[3]"}
	values := []string{"3", "1.5", "-0.25", "abc", "0.1234"}

	scaled := ScaleTrafo(names, values, TrafoScaleFactor)
	assert.Equal(t, []string{"3", "15000", "-2500", "abc", "1234"}, scaled)

	back := DescaleTrafo(names, scaled, TrafoScaleFactor)
	assert.Equal(t, "3", back[0])
	assert.Equal(t, "abc", back[3])
	for i := 1; i < len(names); i++ {
		if i == 3 {
			continue
		}
		want, err := strconv.ParseFloat(values[i], 64)
		require.NoError(t, err)
		got, err := strconv.ParseFloat(back[i], 64)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-9, names[i])
	}
}

func TestScaleIntTruncatesTowardZero(t *testing.T) {
	for _, tc := range []struct {
		in     string
		factor float64
		want   string
	}{
		{"0.1234", TrafoScaleFactor, "1234"},
		{"-0.1234", TrafoScaleFactor, "-1234"},
		{"0.12345", TrafoScaleFactor, "1234"},
		{"-0.12345", TrafoScaleFactor, "-1234"},
		{"-0.00005", TrafoScaleFactor, "0"},
		{"-2.0009", 1000, "-2000"},
		{"0", TrafoScaleFactor, "0"},
	} {
		got, err := ScaleInt(tc.in, tc.factor)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	f, ok := LookupField("s_min")
	require.True(t, ok)
	v, err := f.Scale("-0.00005")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
	v, err = f.Scale("-1.5")
	require.NoError(t, err)
	assert.Equal(t, "-15000", v)
}

func TestDescaleKeepsFraction(t *testing.T) {
	got := DescaleTrafo([]string{"trafo[0].param[0]"}, []string{"12345"}, TrafoScaleFactor)
	assert.Equal(t, []string{"1.2345"}, got)
}

func TestFieldTable(t *testing.T) {
	f, ok := LookupField("v_max")
	require.True(t, ok)
	assert.Equal(t, "getriebe[0].dynamik.vb_max", f.Physical)
	v, err := f.Scale("2.5")
	require.NoError(t, err)
	assert.Equal(t, "2500", v)
	u, err := f.Unscale(v)
	require.NoError(t, err)
	assert.Equal(t, "2.5", u)

	f, ok = LookupField("a_max")
	require.True(t, ok)
	v, err = f.Scale(" 7.7 ")
	require.NoError(t, err)
	assert.Equal(t, "7.7", v)

	f, ok = LookupField("s_init")
	require.True(t, ok)
	assert.Equal(t, "antr.abs_pos_offset", f.Physical)
	_, err = f.Scale("n/a")
	assert.Error(t, err)

	_, ok = LookupField("ratio")
	assert.False(t, ok)
}

func TestAxisNamingIsOneBased(t *testing.T) {
	assert.Equal(t, "Axis_1", AxisName(0))
	assert.Equal(t, "Axis_4", AxisName(3))
	assert.Equal(t, []string{"Axis_1", "Achse_1", "Ext_1"}, AxisPrefixes(0))
	assert.True(t, HasAxisPrefix("Achse_1.v_max", AxisPrefixes(0)))
	assert.False(t, HasAxisPrefix("Axis_10.v_max", AxisPrefixes(0)))
}

type fakeSource struct {
	trafo map[string]ParameterSet
	fail  map[string]bool
}

func (f *fakeSource) FetchTrafo(_ context.Context, kanal string) (ParameterSet, error) {
	if f.fail[kanal+"/trafo"] {
		return ParameterSet{}, Errorf(KindMapping, kanal, "missing")
	}
	return f.trafo[kanal], nil
}

func (f *fakeSource) FetchAxis(_ context.Context, kanal string) (ParameterSet, error) {
	if f.fail[kanal+"/axis"] {
		return ParameterSet{}, errors.New("boom")
	}
	return NewParameterSet([]string{"Axis_1.v_max"}, []string{kanal}), nil
}

type recordingSink struct {
	stored []string
	fail   string
}

func (r *recordingSink) StoreTrafo(_ context.Context, kanal string, _ ParameterSet) error {
	if kanal == r.fail {
		return errors.New("write refused")
	}
	r.stored = append(r.stored, kanal+"/trafo")
	return nil
}

func (r *recordingSink) StoreAxis(_ context.Context, kanal string, _ ParameterSet) error {
	r.stored = append(r.stored, kanal+"/axis")
	return nil
}

func TestReadAllIsolatesFailures(t *testing.T) {
	src := &fakeSource{
		trafo: map[string]ParameterSet{
			"Kanal_1": NewParameterSet([]string{"trafo[0].id"}, []string{"1"}),
			"Kanal_2": NewParameterSet([]string{"trafo[0].id"}, []string{"2"}),
		},
		fail: map[string]bool{"Kanal_1/trafo": true, "Kanal_2/axis": true},
	}

	agg, rep := ReadAll(context.Background(), src, []string{"Kanal_1", "Kanal_2"}, nil)

	require.Contains(t, agg, "Kanal_1")
	require.Contains(t, agg, "Kanal_2")
	assert.True(t, agg["Kanal_1"].Trafo.IsEmpty())
	assert.Equal(t, []string{"Kanal_1"}, agg["Kanal_1"].Axis.Values)
	assert.Equal(t, []string{"2"}, agg["Kanal_2"].Trafo.Values)
	assert.Len(t, rep.Succeeded, 2)
	require.Len(t, rep.Failed, 2)
	assert.Equal(t, "mapping", rep.Failed[0].Kind)
}

func TestWriteAllContinuesAfterFailure(t *testing.T) {
	agg := Aggregate{}
	agg.Channel("Kanal_2").Trafo = NewParameterSet([]string{"trafo[0].id"}, []string{"2"})
	agg.Channel("Kanal_1").Trafo = NewParameterSet([]string{"trafo[0].id"}, []string{"1"})
	agg.Channel("Kanal_1").Axis = NewParameterSet([]string{"Axis_1.v_max"}, []string{"1"})

	sink := &recordingSink{fail: "Kanal_1"}
	rep := WriteAll(context.Background(), sink, agg, nil)

	assert.Equal(t, []string{"Kanal_1/axis", "Kanal_2/trafo"}, sink.stored)
	assert.Len(t, rep.Succeeded, 2)
	assert.Len(t, rep.Failed, 1)
	assert.Equal(t, "2 succeeded, 1 failed", rep.Summary())
}

func TestErrorKinds(t *testing.T) {
	err := Wrap(KindIdentity, "TICC^CNC^Kanal_1", errors.New("ItemType 403"))
	assert.Equal(t, KindIdentity, KindOf(err))
	assert.True(t, IsSkip(err))
	assert.Contains(t, err.Error(), "identity TICC^CNC^Kanal_1")

	assert.Nil(t, Wrap(KindMapping, "x", nil))
	assert.Equal(t, KindConnection, KindOf(ErrNotConnected))
	assert.False(t, IsSkip(ErrNotConnected))
}
