package config

// Package config provides a reusable loader for section-node configuration
// files and environment variables, mirroring the teacher's pkg/config: a
// mapstructure-tagged struct loaded through viper, versioned so callers can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"sectionnet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a section-core node (§6 "exit
// codes ... Configuration via environment variables"). It mirrors the
// structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapFile  string   `mapstructure:"bootstrap_file" json:"bootstrap_file"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Section struct {
		ElderCount            int     `mapstructure:"elder_count" json:"elder_count"`
		ChunkCopyCount        int     `mapstructure:"chunk_copy_count" json:"chunk_copy_count"`
		RelocationProbability float64 `mapstructure:"relocation_probability" json:"relocation_probability"`
	} `mapstructure:"section" json:"section"`

	Timeouts struct {
		QueryTimeoutMS        int `mapstructure:"query_timeout_ms" json:"query_timeout_ms"`
		JoinTimeoutMS         int `mapstructure:"join_timeout_ms" json:"join_timeout_ms"`
		AeProbeIntervalMS     int `mapstructure:"ae_probe_interval_ms" json:"ae_probe_interval_ms"`
		DkgBackoffIntervalMS  int `mapstructure:"dkg_backoff_interval_ms" json:"dkg_backoff_interval_ms"`
		ServicePermitTimeoutMS int `mapstructure:"service_permit_timeout_ms" json:"service_permit_timeout_ms"`
	} `mapstructure:"timeouts" json:"timeouts"`

	Dysfunction struct {
		IssueTTLSeconds int     `mapstructure:"issue_ttl_seconds" json:"issue_ttl_seconds"`
		StddevFactor    float64 `mapstructure:"stddev_factor" json:"stddev_factor"`
	} `mapstructure:"dysfunction" json:"dysfunction"`

	Storage struct {
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// QueryTimeout, JoinTimeout, AeProbeInterval, DkgBackoffInterval and
// ServicePermitTimeout convert the millisecond fields above into the
// time.Duration every subsystem actually consumes.
func (c *Config) QueryTimeout() time.Duration { return time.Duration(c.Timeouts.QueryTimeoutMS) * time.Millisecond }
func (c *Config) JoinTimeout() time.Duration  { return time.Duration(c.Timeouts.JoinTimeoutMS) * time.Millisecond }
func (c *Config) AeProbeInterval() time.Duration {
	return time.Duration(c.Timeouts.AeProbeIntervalMS) * time.Millisecond
}
func (c *Config) DkgBackoffInterval() time.Duration {
	return time.Duration(c.Timeouts.DkgBackoffIntervalMS) * time.Millisecond
}
func (c *Config) ServicePermitTimeout() time.Duration {
	return time.Duration(c.Timeouts.ServicePermitTimeoutMS) * time.Millisecond
}
func (c *Config) IssueTTL() time.Duration {
	return time.Duration(c.Dysfunction.IssueTTLSeconds) * time.Second
}

// setDefaults seeds every knob named in SPEC_FULL's ambient-stack section
// with the values the spec calls "generous" / typical, so a bare `sectiond`
// invocation with no config file still produces a runnable node.
func setDefaults(v *viper.Viper) {
	v.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/0")
	v.SetDefault("network.discovery_tag", "sectionnet")
	v.SetDefault("section.elder_count", 7)
	v.SetDefault("section.chunk_copy_count", 4)
	v.SetDefault("section.relocation_probability", 0.05)
	v.SetDefault("timeouts.query_timeout_ms", 30_000)
	v.SetDefault("timeouts.join_timeout_ms", 60_000)
	v.SetDefault("timeouts.ae_probe_interval_ms", 60_000)
	v.SetDefault("timeouts.dkg_backoff_interval_ms", 10_000)
	v.SetDefault("timeouts.service_permit_timeout_ms", 2_000)
	v.SetDefault("dysfunction.issue_ttl_seconds", 300)
	v.SetDefault("dysfunction.stddev_factor", 2.0)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("logging.level", "info")
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. A missing default config file is not fatal: the declared
// defaults above keep a bare node runnable.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration (or its
// built-in defaults) is loaded.
func Load(env string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.AddConfigPath("cmd/config")
	v.AddConfigPath("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.SetEnvPrefix("SECTIOND")
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SECTIOND_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SECTIOND_ENV", ""))
}
