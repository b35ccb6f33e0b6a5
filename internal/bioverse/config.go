package bioverse

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Storage struct {
		// Backend is "leveldb" (default) or "redis".
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		RAM     struct {
			Entries int `yaml:"entries"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
		Redis RedisConfig `yaml:"redis"`

		diskMaxBytes int64
	} `yaml:"storage"`

	Cache struct {
		StructureTTL string `yaml:"structureTTL"`
		MetadataTTL  string `yaml:"metadataTTL"`
		SweepEvery   string `yaml:"sweepEvery"`

		structureTTL time.Duration
		metadataTTL  time.Duration
		sweepEvery   time.Duration
	} `yaml:"cache"`

	Retry struct {
		Attempts       int    `yaml:"attempts"`
		BaseDelay      string `yaml:"baseDelay"`
		MaxDelay       string `yaml:"maxDelay"`
		AttemptTimeout string `yaml:"attemptTimeout"`

		baseDelay      time.Duration
		maxDelay       time.Duration
		attemptTimeout time.Duration
	} `yaml:"retry"`

	Outbound struct {
		UserAgent   string  `yaml:"userAgent"`
		RatePerHost float64 `yaml:"ratePerHost"`
		Burst       int     `yaml:"burst"`
		MaxBody     string  `yaml:"maxBody"`

		maxBodyBytes int64
	} `yaml:"outbound"`

	Providers []ProviderSpec `yaml:"providers"`

	Metadata struct {
		UniProtURL    string `yaml:"uniprotURL"`
		GEOURL        string `yaml:"geoURL"`
		BioStudiesURL string `yaml:"bioStudiesURL"`
		// NCBIAPIKey raises the E-utilities rate limit. Optional.
		NCBIAPIKey string `yaml:"ncbiAPIKey"`
	} `yaml:"metadata"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		statsEvery time.Duration
	} `yaml:"logging"`

	Warmup struct {
		Identifiers  []string `yaml:"identifiers"`
		Every        string   `yaml:"every"`
		InitialDelay string   `yaml:"initialDelay"`
		Concurrency  int      `yaml:"concurrency"`

		every        time.Duration
		initialDelay time.Duration
	} `yaml:"warmup"`
}

const (
	defaultPort         = 3000
	defaultStorePath    = "./data/leveldb"
	defaultRAMEntries   = 256
	defaultStructureTTL = 7 * 24 * time.Hour
	defaultMetadataTTL  = time.Hour
	defaultSweepEvery   = time.Hour
	defaultAttempts     = 3
	defaultBaseDelay    = time.Second
	defaultAttemptLimit = 30 * time.Second
	defaultUserAgent    = "bioverse/1.0"
	defaultUniProtURL   = "https://rest.uniprot.org/uniprotkb"
	defaultGEOURL       = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	defaultBioStudies   = "https://www.ebi.ac.uk/biostudies/api/v1"
	defaultWarmupConc   = 2
)

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and compiles duration and size
// strings. An empty document yields the default configuration.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStorePath
	}
	if cfg.Storage.RAM.Entries == 0 {
		cfg.Storage.RAM.Entries = defaultRAMEntries
	}
	if cfg.Storage.Disk.Max != "" {
		n, err := parseBytes(cfg.Storage.Disk.Max)
		if err != nil {
			return Config{}, fmt.Errorf("storage.disk.max: %w", err)
		}
		cfg.Storage.diskMaxBytes = n
	}
	if cfg.Storage.Backend == "redis" && cfg.Storage.Redis.Addr == "" {
		return Config{}, fmt.Errorf("storage.redis.addr is required for the redis backend")
	}

	var err error
	if cfg.Cache.structureTTL, err = parsePositiveDuration(cfg.Cache.StructureTTL, defaultStructureTTL); err != nil {
		return Config{}, fmt.Errorf("cache.structureTTL: %w", err)
	}
	if cfg.Cache.metadataTTL, err = parsePositiveDuration(cfg.Cache.MetadataTTL, defaultMetadataTTL); err != nil {
		return Config{}, fmt.Errorf("cache.metadataTTL: %w", err)
	}
	if cfg.Cache.sweepEvery, err = parsePositiveDuration(cfg.Cache.SweepEvery, defaultSweepEvery); err != nil {
		return Config{}, fmt.Errorf("cache.sweepEvery: %w", err)
	}

	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = defaultAttempts
	}
	if cfg.Retry.Attempts < 0 {
		return Config{}, fmt.Errorf("retry.attempts: must be positive, got %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.baseDelay, err = parsePositiveDuration(cfg.Retry.BaseDelay, defaultBaseDelay); err != nil {
		return Config{}, fmt.Errorf("retry.baseDelay: %w", err)
	}
	if cfg.Retry.maxDelay, err = parsePositiveDuration(cfg.Retry.MaxDelay, 0); err != nil {
		return Config{}, fmt.Errorf("retry.maxDelay: %w", err)
	}
	if cfg.Retry.attemptTimeout, err = parsePositiveDuration(cfg.Retry.AttemptTimeout, defaultAttemptLimit); err != nil {
		return Config{}, fmt.Errorf("retry.attemptTimeout: %w", err)
	}

	if cfg.Outbound.UserAgent == "" {
		cfg.Outbound.UserAgent = defaultUserAgent
	}
	if cfg.Outbound.RatePerHost < 0 {
		return Config{}, fmt.Errorf("outbound.ratePerHost: must not be negative")
	}
	if cfg.Outbound.MaxBody != "" {
		n, err := parseBytes(cfg.Outbound.MaxBody)
		if err != nil {
			return Config{}, fmt.Errorf("outbound.maxBody: %w", err)
		}
		cfg.Outbound.maxBodyBytes = n
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	seen := map[string]bool{}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if err := p.validate(); err != nil {
			return Config{}, fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[p.Name] {
			return Config{}, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	// Stable so equal priorities keep file order.
	sort.SliceStable(cfg.Providers, func(i, j int) bool {
		return cfg.Providers[i].Priority < cfg.Providers[j].Priority
	})

	if cfg.Metadata.UniProtURL == "" {
		cfg.Metadata.UniProtURL = defaultUniProtURL
	}
	cfg.Metadata.UniProtURL = strings.TrimRight(cfg.Metadata.UniProtURL, "/")
	if cfg.Metadata.GEOURL == "" {
		cfg.Metadata.GEOURL = defaultGEOURL
	}
	cfg.Metadata.GEOURL = strings.TrimRight(cfg.Metadata.GEOURL, "/")
	if cfg.Metadata.BioStudiesURL == "" {
		cfg.Metadata.BioStudiesURL = defaultBioStudies
	}
	cfg.Metadata.BioStudiesURL = strings.TrimRight(cfg.Metadata.BioStudiesURL, "/")

	if cfg.Logging.statsEvery, err = parsePositiveDuration(cfg.Logging.LogStatsEvery, 0); err != nil {
		return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	if cfg.Warmup.every, err = parsePositiveDuration(cfg.Warmup.Every, 0); err != nil {
		return Config{}, fmt.Errorf("warmup.every: %w", err)
	}
	if cfg.Warmup.initialDelay, err = parsePositiveDuration(cfg.Warmup.InitialDelay, 0); err != nil {
		return Config{}, fmt.Errorf("warmup.initialDelay: %w", err)
	}
	if cfg.Warmup.Concurrency <= 0 {
		cfg.Warmup.Concurrency = defaultWarmupConc
	}

	return cfg, nil
}

// DefaultConfig is the configuration an empty file produces.
func DefaultConfig() Config {
	cfg, err := ParseConfig(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

func parsePositiveDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

func (c Config) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.Retry.Attempts,
		BaseDelay:      c.Retry.baseDelay,
		MaxDelay:       c.Retry.maxDelay,
		AttemptTimeout: c.Retry.attemptTimeout,
	}
}
