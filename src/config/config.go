package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cnaize/geofw/src/types"
)

const (
	ModeXDP     = "xdp"
	ModeNFQueue = "nfqueue"
	ModeMemory  = "memory"

	SourceMaxMind = "maxmind"
	SourceFile    = "file"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Dataplane DataplaneConfig `mapstructure:"dataplane"`
	Source    SourceConfig    `mapstructure:"source"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	API       APIConfig       `mapstructure:"api"`
	StatePath string          `mapstructure:"state_path"`
}

type LogConfig struct {
	Level       string        `mapstructure:"level"`
	Format      string        `mapstructure:"format"`
	File        string        `mapstructure:"file"`
	MaxSize     int           `mapstructure:"max_size"`
	MaxBackups  int           `mapstructure:"max_backups"`
	MaxAge      int           `mapstructure:"max_age"`
	Compress    bool          `mapstructure:"compress"`
	Workers     uint          `mapstructure:"workers"`
	Queue       uint          `mapstructure:"queue"`
	Verdicts    bool          `mapstructure:"verdicts"`
	Suppress    time.Duration `mapstructure:"suppress"`
	SuppressMax int           `mapstructure:"suppress_max"`
}

type DataplaneConfig struct {
	Mode          string        `mapstructure:"mode"`
	Interface     string        `mapstructure:"interface"`
	Object        string        `mapstructure:"object"`
	XDPMode       string        `mapstructure:"xdp_mode"`
	CapacityV4    int           `mapstructure:"capacity_v4"`
	CapacityV6    int           `mapstructure:"capacity_v6"`
	Slots         int           `mapstructure:"slots"`
	QueueCount    uint          `mapstructure:"queue_count"`
	QueueLen      uint32        `mapstructure:"queue_len"`
	Events        uint          `mapstructure:"events"`
	ReportAllowed bool          `mapstructure:"report_allowed"`
	Grace         time.Duration `mapstructure:"grace"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	Stats         time.Duration `mapstructure:"stats"`
}

type SourceConfig struct {
	Kind            string        `mapstructure:"kind"`
	URL             string        `mapstructure:"url"`
	LicenseKey      string        `mapstructure:"license_key"`
	CountryEdition  string        `mapstructure:"country_edition"`
	ASNEdition      string        `mapstructure:"asn_edition"`
	CountryFile     string        `mapstructure:"country_file"`
	ASNFile         string        `mapstructure:"asn_file"`
	Watch           bool          `mapstructure:"watch"`
	CacheDir        string        `mapstructure:"cache_dir"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	Retries         int           `mapstructure:"retries"`
	Backoff         time.Duration `mapstructure:"backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	Verify          bool          `mapstructure:"verify"`
}

type PolicyConfig struct {
	Default             string            `mapstructure:"default"`
	Countries           map[string]string `mapstructure:"countries"`
	Continents          map[string]string `mapstructure:"continents"`
	ASNs                map[string]string `mapstructure:"asns"`
	MaterializeDefaults bool              `mapstructure:"materialize_defaults"`
}

type APIConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.workers", 1)
	v.SetDefault("log.queue", 4096)
	v.SetDefault("log.verdicts", true)
	v.SetDefault("log.suppress", time.Minute)
	v.SetDefault("log.suppress_max", 100_000)

	v.SetDefault("dataplane.mode", ModeXDP)
	v.SetDefault("dataplane.interface", "")
	v.SetDefault("dataplane.object", "/usr/lib/geofw/geofw.o")
	v.SetDefault("dataplane.xdp_mode", "auto")
	v.SetDefault("dataplane.capacity_v4", 1<<19)
	v.SetDefault("dataplane.capacity_v6", 1<<19)
	v.SetDefault("dataplane.slots", 2)
	v.SetDefault("dataplane.queue_count", runtime.GOMAXPROCS(0))
	v.SetDefault("dataplane.queue_len", 1024)
	v.SetDefault("dataplane.events", 4096)
	v.SetDefault("dataplane.report_allowed", true)
	v.SetDefault("dataplane.grace", 100*time.Millisecond)
	v.SetDefault("dataplane.chunk_size", 4096)
	v.SetDefault("dataplane.stats", 15*time.Second)

	v.SetDefault("source.kind", SourceMaxMind)
	v.SetDefault("source.url", "https://download.maxmind.com/app/geoip_download")
	v.SetDefault("source.license_key", "")
	v.SetDefault("source.country_edition", "GeoLite2-Country")
	v.SetDefault("source.asn_edition", "")
	v.SetDefault("source.country_file", "")
	v.SetDefault("source.asn_file", "")
	v.SetDefault("source.watch", true)
	v.SetDefault("source.cache_dir", "/var/lib/geofw")
	v.SetDefault("source.refresh_interval", 24*time.Hour)
	v.SetDefault("source.fetch_timeout", 5*time.Minute)
	v.SetDefault("source.retries", 3)
	v.SetDefault("source.backoff", 10*time.Second)
	v.SetDefault("source.max_backoff", 5*time.Minute)
	v.SetDefault("source.verify", true)

	v.SetDefault("policy.default", "allow")
	v.SetDefault("policy.materialize_defaults", false)

	v.SetDefault("api.addr", "127.0.0.1:8008")
	v.SetDefault("api.username", "")
	v.SetDefault("api.password", "")

	v.SetDefault("state_path", "/var/lib/geofw/geofw.db")
}

// Load reads the config file (optional), GEOFW_ environment variables and
// the command line flags bound to their keys.
func Load(path string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("GEOFW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs error

	switch c.Dataplane.Mode {
	case ModeXDP:
		if c.Dataplane.Interface == "" {
			errs = errors.Join(errs, errors.New("dataplane.interface is required in xdp mode"))
		}
		if c.Dataplane.Object == "" {
			errs = errors.Join(errs, errors.New("dataplane.object is required in xdp mode"))
		}
		switch c.Dataplane.XDPMode {
		case "auto", "driver", "generic":
		default:
			errs = errors.Join(errs, fmt.Errorf("dataplane.xdp_mode %q must be auto, driver or generic", c.Dataplane.XDPMode))
		}
	case ModeNFQueue:
		if c.Dataplane.QueueCount < 1 {
			errs = errors.Join(errs, errors.New("dataplane.queue_count must be > 0"))
		}
	case ModeMemory:
	default:
		errs = errors.Join(errs, fmt.Errorf("dataplane.mode %q must be xdp, nfqueue or memory", c.Dataplane.Mode))
	}

	if c.Dataplane.CapacityV4 < 1 || c.Dataplane.CapacityV6 < 1 {
		errs = errors.Join(errs, errors.New("dataplane capacities must be > 0"))
	}
	if c.Dataplane.Slots != 1 && c.Dataplane.Slots != 2 {
		errs = errors.Join(errs, fmt.Errorf("dataplane.slots (%d) must be 1 or 2", c.Dataplane.Slots))
	}
	if c.Dataplane.ChunkSize < 1 {
		errs = errors.Join(errs, errors.New("dataplane.chunk_size must be > 0"))
	}

	switch c.Source.Kind {
	case SourceMaxMind:
		if c.Source.LicenseKey == "" {
			errs = errors.Join(errs, errors.New("source.license_key is required for maxmind"))
		}
		if c.Source.CountryEdition == "" {
			errs = errors.Join(errs, errors.New("source.country_edition is required for maxmind"))
		}
	case SourceFile:
		if c.Source.CountryFile == "" {
			errs = errors.Join(errs, errors.New("source.country_file is required for file source"))
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("source.kind %q must be maxmind or file", c.Source.Kind))
	}

	if c.Source.RefreshInterval <= 0 {
		errs = errors.Join(errs, errors.New("source.refresh_interval must be > 0"))
	}
	if c.Source.FetchTimeout <= 0 {
		errs = errors.Join(errs, errors.New("source.fetch_timeout must be > 0"))
	}
	if c.Source.Retries < 0 {
		errs = errors.Join(errs, errors.New("source.retries must be >= 0"))
	}

	if _, err := types.ParseVerdict(c.Policy.Default); err != nil {
		errs = errors.Join(errs, fmt.Errorf("policy.default: %w", err))
	}
	if len(c.Policy.ASNs) > 0 && !c.HasASNSource() {
		errs = errors.Join(errs, errors.New("policy.asns requires an asn database"))
	}

	return errs
}

func (c *Config) HasASNSource() bool {
	if c.Source.Kind == SourceFile {
		return c.Source.ASNFile != ""
	}

	return c.Source.ASNEdition != ""
}
