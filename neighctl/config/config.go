// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for neighctl. Each setting is declared as a field of Config, tagged with the
// flag that sets it and the keys used in configuration files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/dwadeiv/neighcache/pkg/log"
	"github.com/dwadeiv/neighcache/pkg/tcpip/addrcache"
	"github.com/dwadeiv/neighcache/pkg/tcpip/neighbor"
)

// Config holds configuration that is not part of the per-command flags.
type Config struct {
	// ConfigFile is the path of a TOML or YAML file with default values.
	// Flags set on the command line take precedence over the file.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// ARPCapacity is the number of ARP cache entries.
	ARPCapacity int `flag:"arp-capacity" toml:"arp_capacity" yaml:"arp_capacity"`

	// NDPCapacity is the number of NDP cache entries.
	NDPCapacity int `flag:"ndp-capacity" toml:"ndp_capacity" yaml:"ndp_capacity"`

	// ARPThreshold is the number of hits that promotes an ARP entry.
	ARPThreshold uint `flag:"arp-threshold" toml:"arp_threshold" yaml:"arp_threshold"`

	// NDPThreshold is the number of hits that promotes an NDP entry.
	NDPThreshold uint `flag:"ndp-threshold" toml:"ndp_threshold" yaml:"ndp_threshold"`

	// MaxPending bounds the datagrams queued on one unresolved entry. Zero
	// means unbounded.
	MaxPending int `flag:"max-pending" toml:"max_pending" yaml:"max_pending"`

	// ResolutionTimeout is how long a destination may stay unresolved.
	ResolutionTimeout time.Duration `flag:"resolution-timeout" toml:"resolution_timeout" yaml:"resolution_timeout"`

	// Timers is the size of the timer pool. Zero sizes it to the total
	// number of cache entries.
	Timers int `flag:"timers" toml:"timers" yaml:"timers"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if c.ARPThreshold > addrcache.MaxAccessedThreshold || c.NDPThreshold > addrcache.MaxAccessedThreshold {
		return fmt.Errorf("accessed thresholds must be in [%d, %d], got arp=%d ndp=%d", addrcache.MinAccessedThreshold, addrcache.MaxAccessedThreshold, c.ARPThreshold, c.NDPThreshold)
	}
	if c.Timers < 0 {
		return fmt.Errorf("timers must be non-negative, got %d", c.Timers)
	}
	if c.ResolutionTimeout <= 0 {
		return fmt.Errorf("resolution timeout must be positive, got %v", c.ResolutionTimeout)
	}
	cc := c.CacheConfig()
	if err := cc.Validate(); err != nil {
		return fmt.Errorf("invalid cache configuration %+v: %s", cc, err)
	}
	return nil
}

// CacheConfig returns the cache configuration described by c.
func (c *Config) CacheConfig() addrcache.Config {
	return addrcache.Config{
		ARP: addrcache.KindConfig{
			Capacity:          c.ARPCapacity,
			AccessedThreshold: uint16(c.ARPThreshold),
		},
		NDP: addrcache.KindConfig{
			Capacity:          c.NDPCapacity,
			AccessedThreshold: uint16(c.NDPThreshold),
		},
		MaxPendingPackets: c.MaxPending,
	}
}

// NeighborOptions returns the resolver options described by c. Clock,
// Timers and Link are left to the caller.
func (c *Config) NeighborOptions() neighbor.Options {
	opts := neighbor.DefaultOptions()
	opts.ResolutionTimeout = c.ResolutionTimeout
	return opts
}

// TimerCapacity returns the size of the timer pool to create.
func (c *Config) TimerCapacity() int {
	if c.Timers > 0 {
		return c.Timers
	}
	return c.ARPCapacity + c.NDPCapacity
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %v", name, obj.Field(i).Interface())
	}
}

// loadFile decodes the file at path over c. The format is chosen by the file
// extension.
func (c *Config) loadFile(path string) error {
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("decoding %q: %w", path, err)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return fmt.Errorf("unknown configuration file extension %q, must be .toml, .yaml or .yml", ext)
	}
	return nil
}
