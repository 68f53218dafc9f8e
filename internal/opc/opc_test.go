package opc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SUNQC97/Pipeline-Code/internal/audit"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

type fakeNodes struct {
	children map[string][]NodeRef
	values   map[string]string
	browses  int
	failRead bool
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{children: map[string][]NodeRef{}, values: map[string]string{}}
}

func (f *fakeNodes) add(parent, id, name string, class ua.NodeClass) {
	f.children[parent] = append(f.children[parent], NodeRef{NodeID: id, Name: name, Namespace: 2, Class: class})
}

func (f *fakeNodes) addKanal(name, trafo, axis string) {
	obj := "ns=2;s=" + name
	f.add(ObjectsFolder, obj, name, ua.NodeClassObject)
	f.add(obj, obj+".Trafo", TrafoVariable, ua.NodeClassVariable)
	f.add(obj, obj+".Axis", AxisVariable, ua.NodeClassVariable)
	f.values[obj+".Trafo"] = trafo
	f.values[obj+".Axis"] = axis
}

func (f *fakeNodes) Browse(_ context.Context, id string) ([]NodeRef, error) {
	f.browses++
	return f.children[id], nil
}

func (f *fakeNodes) ReadString(_ context.Context, id string) (string, error) {
	if f.failRead {
		return "", errors.New("bad session")
	}
	return f.values[id], nil
}

func (f *fakeNodes) WriteString(_ context.Context, id, value string) error {
	f.values[id] = value
	return nil
}

func fixture() *fakeNodes {
	f := newFakeNodes()
	f.addKanal("Kanal_10", `{"param_names":[],"param_values":[]}`, "")
	f.addKanal("Kanal_2",
		`{"param_names":["trafo[0].id","trafo[0].param[0]"],"param_values":["7",0.5]}`,
		`{"param_names":["Axis_2.v_max","Axis_1.v_max","Axis_1.a_max"],"param_values":["1","2","3"]}`)
	f.add(ObjectsFolder, "ns=2;s=Config", "Config", ua.NodeClassObject)
	f.add(ObjectsFolder, "ns=0;s=Kanal_1", "Kanal_1", ua.NodeClassObject) // wrong namespace
	f.add(ObjectsFolder, "i=2253", "Server", ua.NodeClassObject)
	return f
}

func TestListChannels(t *testing.T) {
	s := NewChannelStore(fixture(), 0, nil)
	got, err := s.ListChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Kanal_2", "Kanal_10"}, got)
}

func TestChannelStoreFetchAndStore(t *testing.T) {
	f := fixture()
	s := NewChannelStore(f, 2, nil)
	ctx := context.Background()

	trafo, err := s.FetchTrafo(ctx, "Kanal_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"7", "0.5"}, trafo.Values)

	browses := f.browses
	_, err = s.FetchTrafo(ctx, "Kanal_2")
	require.NoError(t, err)
	assert.Equal(t, browses, f.browses, "resolved ids are cached")

	err = s.StoreAxis(ctx, "Kanal_10", params.NewParameterSet([]string{"Axis_1.s_max"}, []string{"9"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"param_names":["Axis_1.s_max"],"param_values":["9"]}`, f.values["ns=2;s=Kanal_10.Axis"])

	_, err = s.FetchAxis(ctx, "Kanal_7")
	assert.Equal(t, params.KindMapping, params.KindOf(err))

	err = s.StoreTrafo(ctx, "Kanal_2", params.ParameterSet{Names: []string{"a"}, Values: nil})
	assert.Equal(t, params.KindTransform, params.KindOf(err))

	f.failRead = true
	_, err = s.FetchAxis(ctx, "Kanal_2")
	assert.Equal(t, params.KindConnection, params.KindOf(err))
}

func TestChannelStoreNotConnected(t *testing.T) {
	s := NewChannelStore(nil, 2, nil)
	_, err := s.ListChannels(context.Background())
	assert.ErrorIs(t, err, params.ErrNotConnected)
	_, err = s.FetchTrafo(context.Background(), "Kanal_1")
	assert.ErrorIs(t, err, params.ErrNotConnected)
}

func TestStructureAndVariables(t *testing.T) {
	f := fixture()
	s := NewChannelStore(f, 2, nil)
	ctx := context.Background()

	st, rep := s.Structure(ctx, []string{"Kanal_2", "Kanal_10", "Kanal_3"})
	assert.Equal(t, map[string][]string{
		"Kanal_2":  {"Axis_1", "Axis_2"},
		"Kanal_10": {},
	}, st)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "Kanal_3", rep.Failed[0].Target)

	ids, err := s.VariableIDs(ctx, []string{"Kanal_2", "Kanal_3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ns=2;s=Kanal_2.Trafo", "ns=2;s=Kanal_2.Axis"}, ids)
}

func TestChannelStoreWithAggregator(t *testing.T) {
	f := fixture()
	s := NewChannelStore(f, 2, nil)
	ctx := context.Background()

	agg, rep := params.ReadAll(ctx, s, []string{"Kanal_2"}, nil)
	assert.Empty(t, rep.Failed)
	agg["Kanal_2"].Trafo.Values[1] = "0.75"

	rep = params.WriteAll(ctx, s, agg, nil)
	assert.Empty(t, rep.Failed)
	got, err := params.ParseParameterSet(f.values["ns=2;s=Kanal_2.Trafo"])
	require.NoError(t, err)
	assert.Equal(t, "0.75", got.Values[1])
}

func addAudit(f *fakeNodes, object string, vars ...string) {
	obj := "ns=2;s=" + object
	f.add(ObjectsFolder, obj, object, ua.NodeClassObject)
	for _, v := range vars {
		f.add(obj, obj+"."+v, v, ua.NodeClassVariable)
	}
}

func TestAuditStoreRoundTrip(t *testing.T) {
	f := fixture()
	addAudit(f, "ModifierTrail", VarLastModifier, VarLastModifiedTime, VarLastModifiedNode, VarLastOperation, VarSessionID)
	s := NewAuditStore(f, 2)
	ctx := context.Background()

	rec := audit.Record{
		Modifier:  "op (Client_User)",
		Time:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Node:      "Read_from_TwinCAT",
		Operation: "TwinCAT_Read_Operation",
		SessionID: "abc",
	}
	require.NoError(t, s.Write(ctx, rec))
	assert.Equal(t, "2026-01-02T03:04:05Z", f.values["ns=2;s=ModifierTrail."+VarLastModifiedTime])

	got, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.Modifier, got.Modifier)
	assert.Equal(t, rec.Operation, got.Operation)
	assert.True(t, rec.Time.Equal(got.Time))
}

func TestAuditStorePartialAndMissing(t *testing.T) {
	f := fixture()
	s := NewAuditStore(f, 2)
	_, err := s.Read(context.Background())
	assert.Equal(t, params.KindMapping, params.KindOf(err))
	assert.Equal(t, params.KindMapping, params.KindOf(s.Write(context.Background(), audit.Record{})))

	addAudit(f, "AuditTrail", VarLastOperation)
	f.values["ns=2;s=AuditTrail."+VarLastOperation] = "Manual"
	got, err := NewAuditStore(f, 2).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audit.UnknownModifier, got.Modifier)
	assert.Equal(t, "Manual", got.Operation)
	assert.False(t, got.Known())
}

func TestAxisScopes(t *testing.T) {
	ps := params.NewParameterSet([]string{"Ext_1.ratio", "Axis_10.v_max", "Axis_2.v_max", "noscope"}, []string{"1", "2", "3", "4"})
	assert.Equal(t, []string{"Ext_1", "Axis_2", "Axis_10"}, AxisScopes(ps))
}
