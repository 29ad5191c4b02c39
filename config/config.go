// Package config loads and validates member configuration files.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/m7ller/flock/cluster"
)

// Config is the on-disk configuration of one member.
type Config struct {
	ID      uint64   `yaml:"id"`
	Members []uint64 `yaml:"members"`
	DataDir string   `yaml:"data-dir"`

	ElectionTickMs  int  `yaml:"election-tick-ms"`
	HeartbeatTickMs int  `yaml:"heartbeat-tick-ms"`
	MaxSizePerMsg   uint `yaml:"max-size-per-msg"`

	SessionTimeoutMs    int64  `yaml:"session-timeout-ms"`
	TimestampIntervalMs int64  `yaml:"timestamp-interval-ms"`
	SnapshotInterval    uint64 `yaml:"snapshot-interval"`

	LogLevel string `yaml:"log-level"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates raw yaml.
func Parse(data []byte) (*Config, error) {
	c := Config{}
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.ID == 0 {
		return errors.New("config: id must be set and non-zero")
	}
	if c.DataDir == "" {
		return errors.New("config: data-dir must be set")
	}
	found := false
	for _, id := range c.Members {
		if id == c.ID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("config: members must include the local id %d", c.ID)
	}
	if c.ElectionTickMs != 0 && c.ElectionTickMs <= c.HeartbeatTickMs {
		return errors.New("config: election-tick-ms must exceed heartbeat-tick-ms")
	}
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("config: bad log-level: %v", err)
		}
	}
	return nil
}

// ApplyLogLevel configures the global logger from the config.
func (c *Config) ApplyLogLevel() {
	if c.LogLevel == "" {
		return
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return
	}
	log.SetLevel(level)
}

// Options maps the config onto member options. The transport bus and
// the state machine are runtime concerns and stay with the caller.
func (c *Config) Options() cluster.Options {
	return cluster.Options{
		ID:                  c.ID,
		Members:             c.Members,
		DataDir:             c.DataDir,
		ElectionTickMs:      c.ElectionTickMs,
		HeartbeatTickMs:     c.HeartbeatTickMs,
		MaxSizePerMsg:       c.MaxSizePerMsg,
		SessionTimeoutMs:    c.SessionTimeoutMs,
		TimestampIntervalMs: c.TimestampIntervalMs,
		SnapshotInterval:    c.SnapshotInterval,
	}
}
