// Package config loads the bridge configuration from config.yaml, the
// environment and the legacy .env file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/SUNQC97/Pipeline-Code/internal/opc"
	"github.com/SUNQC97/Pipeline-Code/internal/params"
	"github.com/SUNQC97/Pipeline-Code/internal/twincat"
	"github.com/SUNQC97/Pipeline-Code/internal/virtuos"
)

const EnvPrefix = "PIPELINE"

type Config struct {
	OPCUA       opc.Config    `mapstructure:"opcua"`
	TwinCAT     TwinCATConfig `mapstructure:"twincat"`
	Virtuos     VirtuosConfig `mapstructure:"virtuos"`
	Sync        SyncConfig    `mapstructure:"sync"`
	API         APIConfig     `mapstructure:"api"`
	Output      OutputConfig  `mapstructure:"output"`
	MappingFile string        `mapstructure:"mapping_file"`
	Log         LogConfig     `mapstructure:"log"`
}

type TwinCATConfig struct {
	ProjectPath string `mapstructure:"project_path"`
	AMSNetID    string `mapstructure:"ams_net_id"`
	ProgID      string `mapstructure:"prog_id"`
	ExportDir   string `mapstructure:"export_dir"`
	ImportDir   string `mapstructure:"import_dir"`
	RootKeyword string `mapstructure:"root_keyword"`
	// SnapshotDir selects the offline tree loaded from exported node XML
	// instead of the live automation interface.
	SnapshotDir string `mapstructure:"snapshot_dir"`
}

type VirtuosConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	LibPath      string            `mapstructure:"lib_path"`
	ExePath      string            `mapstructure:"exe_path"`
	ProjectPath  string            `mapstructure:"project_path"`
	BlockMapFile string            `mapstructure:"block_map_file"`
	CorbaIP      string            `mapstructure:"corba_ip"`
	CorbaPort    string            `mapstructure:"corba_port"`
	CorbaServer  string            `mapstructure:"corba_server"`
	MaxAxisIndex int               `mapstructure:"max_axis_index"`
	Blocks       map[string]string `mapstructure:"blocks"` // Kanal -> block name or path
}

// Options converts the DLL related settings.
func (v VirtuosConfig) Options() virtuos.Options {
	return virtuos.Options{
		LibPath:     v.LibPath,
		ExePath:     v.ExePath,
		ProjectPath: v.ProjectPath,
		CorbaIP:     v.CorbaIP,
		CorbaPort:   v.CorbaPort,
		CorbaServer: v.CorbaServer,
	}
}

type SyncConfig struct {
	DebounceDelay time.Duration `mapstructure:"debounce_delay"`
	SkipFailsafe  time.Duration `mapstructure:"skip_failsafe"`
	TrafoScale    float64       `mapstructure:"trafo_scale"`
}

type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

func (a APIConfig) Addr() string { return fmt.Sprintf(":%d", a.Port) }

type OutputConfig struct {
	TempDir string `mapstructure:"temp_dir"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// legacyKeys maps the keys of the legacy .env file onto config keys.
var legacyKeys = map[string]string{
	"client_username":         "opcua.username",
	"client_password":         "opcua.password",
	"TWINCAT_PROJECT_PATH":    "twincat.project_path",
	"AMS_NET_ID":              "twincat.ams_net_id",
	"EXPORT_BASE_DIR":         "twincat.export_dir",
	"IMPORT_BASE_DIR":         "twincat.import_dir",
	"project_path":            "virtuos.project_path",
	"extract_controller_path": "virtuos.block_map_file",
	"envLibDll":               "virtuos.lib_path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("opcua.endpoint", "opc.tcp://127.0.0.1:4840")
	v.SetDefault("opcua.security_policy", "None")
	v.SetDefault("opcua.security_mode", "None")
	v.SetDefault("opcua.auth_mode", "Anonymous")
	v.SetDefault("opcua.username", "")
	v.SetDefault("opcua.password", "")
	v.SetDefault("opcua.cert_file", "")
	v.SetDefault("opcua.key_file", "")
	v.SetDefault("opcua.cert_dir", "")
	v.SetDefault("opcua.auto_generate_cert", false)
	v.SetDefault("opcua.connect_timeout", 10)
	v.SetDefault("opcua.retry_attempts", 3)
	v.SetDefault("opcua.retry_delay_seconds", 1)
	v.SetDefault("opcua.namespace", 2)

	v.SetDefault("twincat.project_path", "")
	v.SetDefault("twincat.ams_net_id", "")
	v.SetDefault("twincat.prog_id", twincat.DefaultProgID)
	v.SetDefault("twincat.export_dir", "export")
	v.SetDefault("twincat.import_dir", "import")
	v.SetDefault("twincat.root_keyword", twincat.DefaultKeyword)
	v.SetDefault("twincat.snapshot_dir", "")

	v.SetDefault("virtuos.enabled", false)
	v.SetDefault("virtuos.lib_path", "")
	v.SetDefault("virtuos.exe_path", "")
	v.SetDefault("virtuos.project_path", "")
	v.SetDefault("virtuos.block_map_file", "")
	v.SetDefault("virtuos.max_axis_index", virtuos.MaxAxisIndex)

	v.SetDefault("sync.debounce_delay", "1s")
	v.SetDefault("sync.skip_failsafe", "2s")
	v.SetDefault("sync.trafo_scale", 10000)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8090)
	v.SetDefault("output.temp_dir", os.TempDir())
	v.SetDefault("mapping_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// applyLegacyEnv layers the legacy .env keys above the built-in defaults
// and below the config file.
func applyLegacyEnv(v *viper.Viper) {
	for env, key := range legacyKeys {
		if val, ok := os.LookupEnv(env); ok && val != "" {
			v.SetDefault(key, val)
		}
	}
	host, port := os.Getenv("SERVER_IP"), os.Getenv("SERVER_PORT")
	if host != "" || port != "" {
		if host == "" {
			host = "127.0.0.1"
		}
		if port == "" {
			port = "4840"
		}
		v.SetDefault("opcua.endpoint", fmt.Sprintf("opc.tcp://%s:%s", host, port))
	}
	if os.Getenv("client_username") != "" {
		v.SetDefault("opcua.auth_mode", "Username")
	}
}

// canonicalKanals restores Kanal_N keys; viper lowercases map keys.
func canonicalKanals(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if n, ok := params.NumericSuffix(k); ok && strings.HasPrefix(strings.ToLower(k), "kanal_") {
			k = params.KanalName(n)
		}
		out[k] = v
	}
	return out
}

// Load reads path (optional) after loading envFile (optional, missing is
// fine). Precedence: PIPELINE_* env, config file, legacy .env keys, defaults.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	applyLegacyEnv(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Virtuos.Blocks = canonicalKanals(cfg.Virtuos.Blocks)
	if cfg.Sync.TrafoScale <= 0 {
		return nil, fmt.Errorf("sync.trafo_scale must be positive")
	}
	return &cfg, nil
}
