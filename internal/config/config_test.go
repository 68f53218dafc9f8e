package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "TICC", cfg.TwinCAT.RootKeyword)
	assert.Equal(t, time.Second, cfg.Sync.DebounceDelay)
	assert.Equal(t, 2*time.Second, cfg.Sync.SkipFailsafe)
	assert.Equal(t, 10000.0, cfg.Sync.TrafoScale)
	assert.Equal(t, uint16(2), cfg.OPCUA.Namespace)
	assert.Equal(t, 98, cfg.Virtuos.MaxAxisIndex)
	assert.Equal(t, ":8090", cfg.API.Addr())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "SERVER_IP=10.1.1.5\nSERVER_PORT=4841\nclient_username=operator\nAMS_NET_ID=5.1.2.3.1.1\nenvLibDll=C:/virtuos/remote.dll\n")
	path := writeFile(t, dir, "config.yaml", `
twincat:
  ams_net_id: 9.9.9.9.1.1
virtuos:
  blocks:
    Kanal_1: RobotController
sync:
  debounce_delay: 250ms
`)
	for _, k := range []string{"SERVER_IP", "SERVER_PORT", "client_username", "AMS_NET_ID", "envLibDll"} {
		t.Cleanup(func() { os.Unsetenv(k) })
	}
	t.Setenv("PIPELINE_API_PORT", "9100")

	cfg, err := Load(path, env)
	require.NoError(t, err)

	assert.Equal(t, "opc.tcp://10.1.1.5:4841", cfg.OPCUA.EndpointURL)
	assert.Equal(t, "operator", cfg.OPCUA.Username)
	assert.Equal(t, "Username", cfg.OPCUA.AuthMode)
	assert.Equal(t, "9.9.9.9.1.1", cfg.TwinCAT.AMSNetID, "config file beats legacy .env")
	assert.Equal(t, "C:/virtuos/remote.dll", cfg.Virtuos.LibPath)
	assert.Equal(t, map[string]string{"Kanal_1": "RobotController"}, cfg.Virtuos.Blocks)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.DebounceDelay)
	assert.Equal(t, 9100, cfg.API.Port)
	assert.Equal(t, "C:/virtuos/remote.dll", cfg.Virtuos.Options().LibPath)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "bad.yaml", "sync:\n  trafo_scale: 0\n")
	_, err = Load(path, "")
	assert.Error(t, err)

	cfg, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestLoadMapping(t *testing.T) {
	dir := t.TempDir()
	js := writeFile(t, dir, "Kanal_Axis_mapping.json", `{
	"Kanal_1": {"Axis_2": "Achse_12", "Axis_1": "Achse_11", "comment": "x"},
	"Kanal_2": {"Ext_1": "Achse_21"}
}`)
	m, err := LoadMapping(js)
	require.NoError(t, err)
	assert.Equal(t, []AxisEntry{{"Axis_1", "Achse_11"}, {"Axis_2", "Achse_12"}}, m.Axes("Kanal_1"))
	assert.Empty(t, m.Axes("Kanal_9"))

	yml := writeFile(t, dir, "mapping.yaml", "Kanal_2:\n  Ext_1: Achse_21\n")
	m, err = LoadMapping(yml)
	require.NoError(t, err)
	assert.Equal(t, []AxisEntry{{"Ext_1", "Achse_21"}}, m.Axes("Kanal_2"))

	m, err = LoadMapping("")
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = LoadMapping(writeFile(t, dir, "bad.json", "{"))
	assert.Error(t, err)
}
