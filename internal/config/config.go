// Package config loads the acquisition configuration: a YAML file laid over
// defaults, then ACQ_* environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override (ACQ_QUEUE_CAPACITY, ...).
const EnvPrefix = "ACQ_"

// Config is the complete acquisition configuration.
type Config struct {
	Source   SourceConfig   `yaml:"source"   envPrefix:"SOURCE_"`
	Exposure ExposureConfig `yaml:"exposure" envPrefix:"EXPOSURE_"`
	Queue    QueueConfig    `yaml:"queue"    envPrefix:"QUEUE_"`
	Persist  PersistConfig  `yaml:"persist"  envPrefix:"PERSIST_"`
	Pipeline PipelineConfig `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Events   EventsConfig   `yaml:"events"   envPrefix:"EVENTS_"`

	LogLevel    string `yaml:"log_level"    env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format"   env:"LOG_FORMAT"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// SourceConfig selects and shapes the frame source.
type SourceConfig struct {
	Kind         string        `yaml:"kind"          env:"KIND"`   // synthetic, gstreamer, v4l2
	Launch       string        `yaml:"launch"        env:"LAUNCH"` // gstreamer only
	Device       string        `yaml:"device"        env:"DEVICE"`
	Width        int           `yaml:"width"         env:"WIDTH"`
	Height       int           `yaml:"height"        env:"HEIGHT"`
	Format       string        `yaml:"format"        env:"FORMAT"` // mono8, rgb8, bgr8
	FPS          float64       `yaml:"fps"           env:"FPS"`
	FrameTimeout time.Duration `yaml:"frame_timeout" env:"FRAME_TIMEOUT"`
	// MaxFrames bounds the synthetic source; zero is unlimited.
	MaxFrames uint64 `yaml:"max_frames" env:"MAX_FRAMES"`
}

// ExposureConfig tunes the closed exposure loop.
type ExposureConfig struct {
	Enabled          bool    `yaml:"enabled"           env:"ENABLED"`
	TargetBrightness float64 `yaml:"target_brightness" env:"TARGET_BRIGHTNESS"`
	DeadBand         float64 `yaml:"dead_band"         env:"DEAD_BAND"`
	Profile          string  `yaml:"profile"           env:"PROFILE"` // fine, coarse
	Step             float64 `yaml:"step"              env:"STEP"`    // overrides Profile when > 0
	Initial          float64 `yaml:"initial"           env:"INITIAL"`
	Patience         int     `yaml:"patience"          env:"PATIENCE"`
}

type QueueConfig struct {
	Capacity       int    `yaml:"capacity"        env:"CAPACITY"`
	OverflowPolicy string `yaml:"overflow_policy" env:"OVERFLOW_POLICY"`
	RejectBlocks   bool   `yaml:"reject_blocks"   env:"REJECT_BLOCKS"`
}

// PersistConfig configures the consumer workers and where they write.
type PersistConfig struct {
	Workers      int           `yaml:"workers"       env:"WORKERS"`
	EveryNth     int           `yaml:"every_nth"     env:"EVERY_NTH"`
	Sampling     string        `yaml:"sampling"      env:"SAMPLING"`
	Grayscale    bool          `yaml:"grayscale"     env:"GRAYSCALE"`
	Format       string        `yaml:"format"        env:"FORMAT"` // png, jpeg
	JPEGQuality  int           `yaml:"jpeg_quality"  env:"JPEG_QUALITY"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	Storage      string        `yaml:"storage"       env:"STORAGE"` // dir, minio
	Dir          string        `yaml:"dir"           env:"DIR"`
	Minio        MinioConfig   `yaml:"minio"         envPrefix:"MINIO_"`
	// Catalog is a SQLite path; empty disables the catalog.
	Catalog string `yaml:"catalog" env:"CATALOG"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"   env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl"    env:"USE_SSL"`
	Bucket    string `yaml:"bucket"     env:"BUCKET"`
	Prefix    string `yaml:"prefix"     env:"PREFIX"`
}

type PipelineConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"   env:"GRACE_PERIOD"`
	Warmup        time.Duration `yaml:"warmup"         env:"WARMUP"`
	StatsInterval time.Duration `yaml:"stats_interval" env:"STATS_INTERVAL"`
}

// EventsConfig enables the MQTT event emitter when MQTTBroker is set.
type EventsConfig struct {
	MQTTBroker string `yaml:"mqtt_broker" env:"MQTT_BROKER"`
	ClientID   string `yaml:"client_id"   env:"CLIENT_ID"`
	Topic      string `yaml:"topic"       env:"TOPIC"`
	QoS        byte   `yaml:"qos"         env:"QOS"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Kind:         "synthetic",
			Device:       "/dev/video0",
			Width:        1280,
			Height:       720,
			Format:       "bgr8",
			FPS:          30,
			FrameTimeout: 5 * time.Second,
		},
		Exposure: ExposureConfig{
			Enabled:          true,
			TargetBrightness: 127,
			DeadBand:         5,
			Profile:          "coarse",
			Initial:          20000,
			Patience:         10,
		},
		Queue: QueueConfig{
			Capacity:       1,
			OverflowPolicy: "drop_oldest",
		},
		Persist: PersistConfig{
			Workers:      1,
			EveryNth:     5,
			Sampling:     "per_worker",
			Grayscale:    true,
			Format:       "png",
			JPEGQuality:  90,
			WriteTimeout: 2 * time.Second,
			Storage:      "dir",
			Dir:          "images",
		},
		Pipeline: PipelineConfig{
			GracePeriod: 2 * time.Second,
		},
		Events: EventsConfig{
			Topic: "acquisition/events",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads path (if non-empty) over Default, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}

// Parse decodes YAML into cfg. Keys absent from data keep their current
// values; unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	if len(data) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config: parse: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with any ACQ_* variables that are set.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix})
}

func applyEnv(cfg *Config, opts env.Options) error {
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}
