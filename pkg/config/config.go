// Package config loads the YAML configuration of the gojotx binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotx/core/agent"
	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
	"github.com/sushant-115/gojotx/pkg/certs"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

const (
	LogBackendSegment = "segment"
	LogBackendBolt    = "bolt"
)

// ByteSize is a size written in human form in the config file, e.g. "64MiB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return units.BytesSize(float64(b)), nil
}

type ManagerConfig struct {
	// Disabled serves the switched-off manager: every call fails with
	// "transactions unavailable".
	Disabled bool   `yaml:"disabled"`
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	// LogBackend is "segment" (segment files) or "bolt" (raft-boltdb store).
	LogBackend         string        `yaml:"log_backend"`
	LogDir             string        `yaml:"log_dir"`
	SegmentSize        ByteSize      `yaml:"segment_size"`
	DisableSync        bool          `yaml:"disable_sync"`
	IDReservationBlock uint64        `yaml:"id_reservation_block"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	// TLS enables mutual TLS on the gRPC listener.
	TLS certs.Files `yaml:"tls"`
}

type AgentConfig struct {
	Disabled       bool          `yaml:"disabled"`
	ManagerAddr    string        `yaml:"manager_addr"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	BatchWindow    time.Duration `yaml:"batch_window"`
	QueueSize      int           `yaml:"queue_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	StartRateLimit float64       `yaml:"start_rate_limit"`
	StartBurst     int           `yaml:"start_burst"`
	// TLS enables mutual TLS towards the manager. ServerName overrides the
	// host name checked against the manager's certificate.
	TLS        certs.Files `yaml:"tls"`
	ServerName string      `yaml:"server_name"`
}

type Config struct {
	Manager   ManagerConfig    `yaml:"manager"`
	Agent     AgentConfig      `yaml:"agent"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Manager: ManagerConfig{
			GRPCAddr:           ":7100",
			HTTPAddr:           ":7180",
			LogBackend:         LogBackendSegment,
			LogDir:             "data/txlog",
			SegmentSize:        ByteSize(wal.DefaultSegmentSizeLimit),
			IDReservationBlock: manager.DefaultIDReservationBlock,
			DefaultTimeout:     manager.DefaultTimeout,
			SweepInterval:      manager.DefaultSweepInterval,
		},
		Agent: AgentConfig{
			ManagerAddr:    "localhost:7100",
			MaxBatchSize:   agent.DefaultMaxBatchSize,
			BatchWindow:    agent.DefaultBatchWindow,
			QueueSize:      agent.DefaultQueueSize,
			RequestTimeout: agent.DefaultRequestTimeout,
			DefaultTimeout: agent.DefaultTimeout,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "gojotx",
			TraceSampleRatio: 1,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	m := c.Manager
	switch m.LogBackend {
	case LogBackendSegment, LogBackendBolt:
	default:
		errs = append(errs, fmt.Errorf("manager.log_backend must be %q or %q, got %q", LogBackendSegment, LogBackendBolt, m.LogBackend))
	}
	if m.LogDir == "" {
		errs = append(errs, errors.New("manager.log_dir is required"))
	}
	if m.SegmentSize < 4*units.KiB {
		errs = append(errs, fmt.Errorf("manager.segment_size must be at least 4KiB, got %s", units.BytesSize(float64(m.SegmentSize))))
	}
	if m.IDReservationBlock == 0 {
		errs = append(errs, errors.New("manager.id_reservation_block must be positive"))
	}
	if err := m.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("manager.tls: %w", err))
	}
	a := c.Agent
	if a.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("agent.max_batch_size must be positive"))
	}
	if a.BatchWindow <= 0 {
		errs = append(errs, errors.New("agent.batch_window must be positive"))
	}
	if a.StartRateLimit < 0 {
		errs = append(errs, errors.New("agent.start_rate_limit must not be negative"))
	}
	if err := a.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("agent.tls: %w", err))
	}
	return errors.Join(errs...)
}

func (m ManagerConfig) WALOptions() wal.Options {
	return wal.Options{SegmentSizeLimit: int64(m.SegmentSize), SyncWrites: !m.DisableSync}
}

func (m ManagerConfig) Options() manager.Options {
	return manager.Options{
		IDReservationBlock: m.IDReservationBlock,
		DefaultTimeout:     m.DefaultTimeout,
		SweepInterval:      m.SweepInterval,
	}
}

func (a AgentConfig) Options() agent.Options {
	return agent.Options{
		MaxBatchSize:   a.MaxBatchSize,
		BatchWindow:    a.BatchWindow,
		QueueSize:      a.QueueSize,
		RequestTimeout: a.RequestTimeout,
		DefaultTimeout: a.DefaultTimeout,
		StartRateLimit: a.StartRateLimit,
		StartBurst:     a.StartBurst,
	}
}
