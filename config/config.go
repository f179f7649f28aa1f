// Package config loads the YAML configuration shared by the twopc binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/twopc/config/certs"
	"github.com/sushant-115/twopc/core/master"
	"github.com/sushant-115/twopc/core/replica"
	"github.com/sushant-115/twopc/pkg/logger"
	"github.com/sushant-115/twopc/pkg/telemetry"
)

// Config is the whole file. A master reads the top level and Master; a
// replica reads the top level and Replica.
type Config struct {
	// Timeout is the replicas' T for vote and decision timeouts.
	Timeout time.Duration `yaml:"timeout"`
	// RPCTimeout bounds every single RPC.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	Master    MasterSection    `yaml:"master"`
	Replica   ReplicaSection   `yaml:"replica"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	TLS       certs.Files      `yaml:"tls"`
}

type MasterSection struct {
	Address  string   `yaml:"address"`
	LogPath  string   `yaml:"log_path"`
	Replicas []string `yaml:"replicas"`
}

type ReplicaSection struct {
	// NodeID names the replica in logs. Empty means a random uuid.
	NodeID        string `yaml:"node_id"`
	Address       string `yaml:"address"`
	MasterAddress string `yaml:"master_address"`
	LogPath       string `yaml:"log_path"`
	StorePath     string `yaml:"store_path"`
	// PollRate caps termination-protocol queries per second.
	PollRate float64 `yaml:"poll_rate"`
}

// Default returns a configuration for a local master with two replicas.
func Default() Config {
	return Config{
		Timeout:    replica.DefaultTimeout,
		RPCTimeout: master.DefaultRPCTimeout,
		Master: MasterSection{
			Address:  "127.0.0.1:8000",
			LogPath:  "data/master.log",
			Replicas: []string{"127.0.0.1:8888", "127.0.0.1:9999"},
		},
		Replica: ReplicaSection{
			Address:       "127.0.0.1:8888",
			MasterAddress: "127.0.0.1:8000",
			LogPath:       "data/replica1.log",
			StorePath:     "data/replica1.db",
			PollRate:      replica.DefaultPollRate,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "twopc",
			PrometheusPort:   9100,
			TraceSampleRatio: 1,
		},
	}
}

// Load reads the YAML file at path over Default. Unknown fields are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every node needs.
func (c Config) Validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("rpc_timeout must be positive"))
	}
	if err := c.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateMaster checks what a master needs.
func (c Config) ValidateMaster() error {
	errs := []error{c.Validate()}
	if c.Master.Address == "" {
		errs = append(errs, errors.New("master.address must be set"))
	}
	if c.Master.LogPath == "" {
		errs = append(errs, errors.New("master.log_path must be set"))
	}
	for i, addr := range c.Master.Replicas {
		if addr == "" {
			errs = append(errs, fmt.Errorf("master.replicas[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

// ValidateReplica checks what a replica needs.
func (c Config) ValidateReplica() error {
	errs := []error{c.Validate()}
	if c.Replica.Address == "" {
		errs = append(errs, errors.New("replica.address must be set"))
	}
	if c.Replica.MasterAddress == "" {
		errs = append(errs, errors.New("replica.master_address must be set"))
	}
	if c.Replica.LogPath == "" {
		errs = append(errs, errors.New("replica.log_path must be set"))
	}
	if c.Replica.StorePath == "" {
		errs = append(errs, errors.New("replica.store_path must be set"))
	}
	if c.Replica.PollRate < 0 {
		errs = append(errs, errors.New("replica.poll_rate must not be negative"))
	}
	return errors.Join(errs...)
}

// ForMaster returns the core settings of a master.
func (c Config) ForMaster() master.Config {
	return master.Config{
		LogPath:    c.Master.LogPath,
		RPCTimeout: c.RPCTimeout,
	}
}

// ForReplica returns the core settings of a replica.
func (c Config) ForReplica() replica.Config {
	return replica.Config{
		NodeID:      c.Replica.NodeID,
		LogPath:     c.Replica.LogPath,
		Timeout:     c.Timeout,
		PollRate:    c.Replica.PollRate,
		PollTimeout: c.RPCTimeout,
	}
}
