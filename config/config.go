// Package config loads the engine configuration: a JSON file found via
// the usual search paths, overridable knob by knob through ENSEMBLE_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Files      FilesConfig      `mapstructure:"files"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Results    ResultsConfig    `mapstructure:"results"`

	// values is the flattened settings snapshot backing ConfigValue.
	values map[string]string
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles the postgres connection string.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings. The master uses redis
// only for its per-simulation singleton lock.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// SimulationConfig locates the on-disk workspace and fixes the sampling
// seed.
type SimulationConfig struct {
	Workspace string `mapstructure:"workspace"`
	Seed      int64  `mapstructure:"seed"`
}

func (s SimulationConfig) Validate() error {
	if strings.TrimSpace(s.Workspace) == "" {
		return fmt.Errorf("simulation.workspace required")
	}
	return nil
}

// FilesConfig points at the declaration files a simulation is built from.
type FilesConfig struct {
	Project         string `mapstructure:"project_file"`
	Params          string `mapstructure:"params_file"`
	Results         string `mapstructure:"results_file"`
	ReferenceInputs string `mapstructure:"reference_inputs"`
}

// DispatchConfig tunes the master controller.
type DispatchConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MinutesPerRun    int           `mapstructure:"minutes_per_run"`
	MaxRetries       int           `mapstructure:"max_retries"`
	MaxWorkers       int           `mapstructure:"max_workers"`
	SweepSchedule    string        `mapstructure:"sweep_schedule"`
	ShutdownWhenIdle bool          `mapstructure:"shutdown_when_idle"`
	MetricsPort      int           `mapstructure:"metrics_port"`
}

func (d DispatchConfig) Validate() error {
	if d.MaxWorkers <= 0 {
		return fmt.Errorf("dispatch.max_workers must be > 0")
	}
	if d.MinutesPerRun < 0 {
		return fmt.Errorf("dispatch.minutes_per_run cannot be negative")
	}
	return nil
}

// Cluster modes.
const (
	ClusterModeLocal   = "local"
	ClusterModeCommand = "command"
)

// ClusterConfig selects and parameterizes the job manager backend.
type ClusterConfig struct {
	Mode          string   `mapstructure:"mode"`
	SubmitCommand string   `mapstructure:"submit_command"`
	CancelCommand string   `mapstructure:"cancel_command"`
	PollCommand   string   `mapstructure:"poll_command"`
	JobIDPattern  string   `mapstructure:"job_id_pattern"`
	LocalArgs     []string `mapstructure:"local_args"`
}

func (c ClusterConfig) Validate() error {
	switch c.Mode {
	case ClusterModeLocal:
		return nil
	case ClusterModeCommand:
		if strings.TrimSpace(c.SubmitCommand) == "" {
			return fmt.Errorf("cluster.submit_command required in command mode")
		}
		return nil
	default:
		return fmt.Errorf("cluster.mode must be %q or %q", ClusterModeLocal, ClusterModeCommand)
	}
}

// WorkerConfig tunes the claim loop.
type WorkerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	IdleExitPolls int           `mapstructure:"idle_exit_polls"`
}

// ResultsConfig controls collection behaviour.
type ResultsConfig struct {
	AutoCollect bool `mapstructure:"auto_collect"`
}

// ConfigValue resolves a flattened, lowercase dotted key ("simulation.
// workspace") against the loaded settings. Project variables reach
// config through this accessor and nothing else.
func (c *Config) ConfigValue(name string) (string, bool) {
	v, ok := c.values[strings.ToLower(name)]
	return v, ok
}

// LoadConfig loads config from file, panicking on any failure.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("server.jwt_secret", "")
	viper.SetDefault("storage.postgres.url", "")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.user", "")
	viper.SetDefault("storage.postgres.password", "")
	viper.SetDefault("storage.postgres.dbname", "ensemble")
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", "6379")
	viper.SetDefault("storage.redis.password", "")
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("simulation.workspace", "./workspace")
	viper.SetDefault("simulation.seed", 0)
	viper.SetDefault("files.project_file", "project.yaml")
	viper.SetDefault("files.params_file", "params.yaml")
	viper.SetDefault("files.results_file", "results.yaml")
	viper.SetDefault("files.reference_inputs", "")
	viper.SetDefault("dispatch.poll_interval", "30s")
	viper.SetDefault("dispatch.minutes_per_run", 0)
	viper.SetDefault("dispatch.max_retries", 3)
	viper.SetDefault("dispatch.max_workers", 4)
	viper.SetDefault("dispatch.sweep_schedule", "")
	viper.SetDefault("dispatch.shutdown_when_idle", true)
	viper.SetDefault("dispatch.metrics_port", 0)
	viper.SetDefault("cluster.mode", ClusterModeLocal)
	viper.SetDefault("cluster.submit_command", "")
	viper.SetDefault("cluster.cancel_command", "")
	viper.SetDefault("cluster.poll_command", "")
	viper.SetDefault("cluster.job_id_pattern", "")
	viper.SetDefault("cluster.local_args", []string{"worker", "--sim", "{simId}"})
	viper.SetDefault("worker.poll_interval", "5s")
	viper.SetDefault("worker.idle_exit_polls", 3)
	viper.SetDefault("results.auto_collect", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ENSEMBLE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	config.values = make(map[string]string)
	flattenSettings("", viper.AllSettings(), config.values)

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Simulation.Validate(); err != nil {
		panic(err)
	}
	if err := config.Dispatch.Validate(); err != nil {
		panic(err)
	}
	if err := config.Cluster.Validate(); err != nil {
		panic(err)
	}
	return &config
}

func flattenSettings(prefix string, in map[string]interface{}, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]interface{}); ok {
			flattenSettings(key, child, out)
			continue
		}
		out[key] = fmt.Sprint(v)
	}
}
