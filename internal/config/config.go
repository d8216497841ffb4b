package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Unknown confidence label policies.
const (
	UnknownConfidenceKeep = "keep"
	UnknownConfidenceDrop = "drop"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string `validate:"required"`
	LogLevel        string `validate:"oneof=debug info warn error"`
	LogFormat       string `validate:"oneof=json text"`
	ShutdownTimeout time.Duration

	// FIRMS detection feed.
	FIRMSURL    string `validate:"required,url"`
	FeedTimeout time.Duration

	// NASA POWER weather provider.
	PowerBaseURL   string `validate:"required,url"`
	PowerCommunity string `validate:"required"`
	PowerTimeout   time.Duration
	PowerCacheSize int `validate:"gte=0"`

	WeatherHalfWindow  time.Duration
	WeatherConcurrency int `validate:"min=1,max=8"`

	ScheduleHours       []int `validate:"min=1,dive,min=0,max=23"`
	RunOnStart          bool
	UnknownConfidence   string `validate:"oneof=keep drop"`
	EnrichRetryLookback time.Duration
	Region              domain.Region

	StoreDriver string `validate:"oneof=postgres sqlite"`
	DatabaseURL string `validate:"required_if=StoreDriver postgres"`
	SQLitePath  string `validate:"required_if=StoreDriver sqlite"`

	// Optional Kafka sink; disabled when KafkaBrokers is empty.
	KafkaBrokers []string
	KafkaTopic   string `validate:"required_with=KafkaBrokers"`
}

// envNames maps validated fields back to the variables that set them.
var envNames = map[string]string{
	"HTTPAddr":           "HTTP_ADDR",
	"LogLevel":           "LOG_LEVEL",
	"LogFormat":          "LOG_FORMAT",
	"FIRMSURL":           "FIRMS_API_URL",
	"PowerBaseURL":       "POWER_BASE_URL",
	"PowerCommunity":     "POWER_COMMUNITY",
	"PowerCacheSize":     "POWER_CACHE_SIZE",
	"WeatherConcurrency": "WEATHER_CONCURRENCY",
	"ScheduleHours":      "SCHEDULE_HOURS",
	"UnknownConfidence":  "UNKNOWN_CONFIDENCE",
	"StoreDriver":        "STORE_DRIVER",
	"DatabaseURL":        "DATABASE_URL",
	"SQLitePath":         "SQLITE_PATH",
	"KafkaTopic":         "KAFKA_TOPIC",
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	feedTimeout, err := parsePositiveDuration("FEED_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	powerTimeout, err := parsePositiveDuration("POWER_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	halfWindow, err := parsePositiveDuration("WEATHER_HALF_WINDOW", domain.DefaultHalfWindow.String())
	if err != nil {
		return nil, err
	}
	lookback, err := parseDuration("ENRICH_RETRY_LOOKBACK", "48h")
	if err != nil {
		return nil, err
	}

	cacheSize, err := parseInt("POWER_CACHE_SIZE", "256")
	if err != nil {
		return nil, err
	}
	concurrency, err := parseInt("WEATHER_CONCURRENCY", "1")
	if err != nil {
		return nil, err
	}

	hours, err := parseHours(sharedcfg.EnvOrDefault("SCHEDULE_HOURS", "4,21"))
	if err != nil {
		return nil, err
	}

	runOnStart, err := strconv.ParseBool(sharedcfg.EnvOrDefault("RUN_ON_START", "false"))
	if err != nil {
		return nil, errors.New("invalid RUN_ON_START")
	}

	region := domain.NorthAmerica
	if path := os.Getenv("REGION_FILE"); path != "" {
		region, err = LoadRegionFile(path)
		if err != nil {
			return nil, err
		}
	}

	var brokers []string
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = sharedcfg.ParseBrokers(v)
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		FIRMSURL:    os.Getenv("FIRMS_API_URL"),
		FeedTimeout: feedTimeout,

		PowerBaseURL:   sharedcfg.EnvOrDefault("POWER_BASE_URL", "https://power.larc.nasa.gov/api/temporal/hourly/point"),
		PowerCommunity: sharedcfg.EnvOrDefault("POWER_COMMUNITY", "ag"),
		PowerTimeout:   powerTimeout,
		PowerCacheSize: cacheSize,

		WeatherHalfWindow:  halfWindow,
		WeatherConcurrency: concurrency,

		ScheduleHours:       hours,
		RunOnStart:          runOnStart,
		UnknownConfidence:   sharedcfg.EnvOrDefault("UNKNOWN_CONFIDENCE", UnknownConfidenceKeep),
		EnrichRetryLookback: lookback,
		Region:              region,

		StoreDriver: sharedcfg.EnvOrDefault("STORE_DRIVER", DriverPostgres),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  sharedcfg.EnvOrDefault("SQLITE_PATH", "data/wildfire.db"),

		KafkaBrokers: brokers,
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "wildfire-detections"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// KafkaEnabled reports whether the detection event sink is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// DropUnknownConfidence reports whether rows with unmapped labels are removed.
func (c *Config) DropUnknownConfidence() bool {
	return c.UnknownConfidence == UnknownConfidenceDrop
}

func validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := verrs[0]
	name, ok := envNames[fe.StructField()]
	if !ok {
		name = fe.StructField()
	}
	if fe.Tag() == "required" || fe.Tag() == "required_if" || fe.Tag() == "required_with" {
		return fmt.Errorf("%s is required", name)
	}
	return fmt.Errorf("invalid %s: %q fails %s", name, fmt.Sprint(fe.Value()), fe.Tag())
}

// regionFile is the on-disk layout of REGION_FILE.
type regionFile struct {
	Region *domain.Region `yaml:"region"`
}

// LoadRegionFile reads a bounding box override from a YAML file of the form:
//
//	region:
//	  lat_min: 5
//	  lat_max: 83
//	  lon_min: -168
//	  lon_max: -52
func LoadRegionFile(path string) (domain.Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Region{}, fmt.Errorf("read REGION_FILE: %w", err)
	}
	var f regionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return domain.Region{}, fmt.Errorf("parse REGION_FILE: %w", err)
	}
	if f.Region == nil {
		return domain.Region{}, errors.New("REGION_FILE has no region block")
	}
	if !f.Region.Valid() {
		return domain.Region{}, fmt.Errorf("REGION_FILE region is invalid: %+v", *f.Region)
	}
	return *f.Region, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := parseDuration(key, def)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key, def string) (int, error) {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

// parseHours parses a comma-separated list of UTC hours, e.g. "4,21".
func parseHours(s string) ([]int, error) {
	var hours []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		h, err := strconv.Atoi(part)
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid SCHEDULE_HOURS: %q", part)
		}
		if !seen[h] {
			seen[h] = true
			hours = append(hours, h)
		}
	}
	if len(hours) == 0 {
		return nil, errors.New("SCHEDULE_HOURS is required")
	}
	return hours, nil
}
