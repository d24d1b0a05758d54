// Package config loads the vmi command configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blacktop/go-vmi"
	"github.com/blacktop/go-vmi/driver"
	"github.com/blacktop/go-vmi/driver/dummy"
	"github.com/blacktop/go-vmi/driver/kvm"
	"github.com/blacktop/go-vmi/driver/libvirt"
)

type Config struct {
	Driver  string        `yaml:"driver"`
	Domain  string        `yaml:"domain"`
	KVMi    KVMiConfig    `yaml:"kvmi"`
	Libvirt LibvirtConfig `yaml:"libvirt"`
	Listen  ListenConfig  `yaml:"listen"`
	Dummy   DummyConfig   `yaml:"dummy"`
}

type KVMiConfig struct {
	Socket           string        `yaml:"socket"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

type LibvirtConfig struct {
	URI         string        `yaml:"uri"`
	Socket      string        `yaml:"socket"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type ListenConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type DummyConfig struct {
	VCPUs  uint16 `yaml:"vcpus"`
	Memory uint64 `yaml:"memory"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Driver: vmi.KVM.String(),
		KVMi: KVMiConfig{
			Socket:           kvm.DefaultSocket,
			HandshakeTimeout: 30 * time.Second,
			DrainTimeout:     time.Second,
		},
		Libvirt: LibvirtConfig{
			URI:         libvirt.DefaultURI,
			Socket:      libvirt.DefaultSocket,
			DialTimeout: libvirt.DefaultDialTimeout,
		},
		Listen: ListenConfig{
			Timeout: time.Second,
		},
		Dummy: DummyConfig{
			VCPUs:  dummy.DefaultVCPUs,
			Memory: dummy.DefaultMemorySize,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// DriverType resolves the configured driver name.
func (c *Config) DriverType() (vmi.DriverType, error) {
	return vmi.ParseDriverType(c.Driver)
}

// Validate reports the first setting that cannot be used to open a driver.
func (c *Config) Validate() error {
	if _, err := c.DriverType(); err != nil {
		return err
	}
	if c.Domain == "" {
		return errors.New("config: domain is required")
	}
	if c.Listen.Timeout <= 0 {
		return fmt.Errorf("config: listen.timeout must be positive, got %v", c.Listen.Timeout)
	}
	if c.Dummy.VCPUs == 0 {
		return errors.New("config: dummy.vcpus must be at least 1")
	}
	return nil
}

// Options converts the per-driver sections for driver.Open.
func (c *Config) Options() driver.Options {
	return driver.Options{
		KVMi: driver.KVMiOptions{
			Socket:           c.KVMi.Socket,
			HandshakeTimeout: c.KVMi.HandshakeTimeout,
			DrainTimeout:     c.KVMi.DrainTimeout,
		},
		Libvirt: libvirt.Options{
			URI:         c.Libvirt.URI,
			Socket:      c.Libvirt.Socket,
			DialTimeout: c.Libvirt.DialTimeout,
		},
		Dummy: dummy.Options{
			VCPUs:        c.Dummy.VCPUs,
			MemorySize:   c.Dummy.Memory,
			DrainTimeout: c.KVMi.DrainTimeout,
		},
	}
}
