// Package session ties the transport, write guard, REPL engine, command
// layer, transfer pipeline, mount proxy, and platform-probe cache behind
// a single handle.
package session

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the recognised session configuration, built with an
// Options-builder idiom (WithPort, WithBaud, ...) and optionally loaded
// from a YAML document. CLI/environment overlay is the caller's job.
type Config struct {
	Port    string `yaml:"port"`
	Address string `yaml:"address"`
	Baud    int    `yaml:"baud"`

	ChunkSize int `yaml:"chunk_size"` // 0 = auto-size from free RAM

	// Compress is a tri-state: nil means "auto from platform probe",
	// non-nil forces compression on or off.
	Compress *bool `yaml:"compress"`

	Force bool `yaml:"force"` // bypass the transfer pipeline's skip phase

	Timeout          time.Duration `yaml:"timeout"`
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`
}

// DefaultConfig returns a usable zero-value-adjacent starting point a
// caller layers With... calls over.
func DefaultConfig() *Config {
	return &Config{
		Baud:             115200,
		Timeout:          10 * time.Second,
		ReconnectTimeout: 10 * time.Second,
	}
}

func (c *Config) WithPort(port string) *Config {
	c.Port = port
	return c
}

func (c *Config) WithAddress(addr string) *Config {
	c.Address = addr
	return c
}

func (c *Config) WithBaud(baud int) *Config {
	c.Baud = baud
	return c
}

func (c *Config) WithChunkSize(n int) *Config {
	c.ChunkSize = n
	return c
}

func (c *Config) WithCompress(b bool) *Config {
	c.Compress = &b
	return c
}

func (c *Config) WithForce(force bool) *Config {
	c.Force = force
	return c
}

func (c *Config) WithTimeout(d time.Duration) *Config {
	c.Timeout = d
	return c
}

func (c *Config) WithReconnectTimeout(d time.Duration) *Config {
	c.ReconnectTimeout = d
	return c
}

// LoadConfig reads a YAML session config document from path, starting from
// DefaultConfig so an omitted field keeps its default rather than
// zeroing out.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
