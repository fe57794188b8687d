// Copyright 2020 The gVisor Authors.
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

package addrcache

import (
	"github.com/dwadeiv/neighcache/pkg/tcpip"
)

const (
	// MinAccessedThreshold is the smallest accepted promotion threshold.
	MinAccessedThreshold = 10

	// MaxAccessedThreshold is the largest accepted promotion threshold.
	MaxAccessedThreshold = 65000

	// DefaultAccessedThreshold is the promotion threshold used when none is
	// configured.
	DefaultAccessedThreshold = 100

	// DefaultCapacity is the default number of entries per kind.
	DefaultCapacity = 64

	// MaxCapacity bounds the number of entries per kind. Lookups scan the
	// active list, so the table is kept small.
	MaxCapacity = 4096

	// DefaultMaxPendingPackets is the default bound on datagrams queued on a
	// single entry.
	DefaultMaxPendingPackets = 64
)

// KindConfig configures the table of one kind.
type KindConfig struct {
	// Capacity is the number of entries in the table.
	Capacity int

	// AccessedThreshold is the number of lookup hits after which an entry is
	// promoted to the head of the active list.
	AccessedThreshold uint16
}

// Config configures a Cache.
type Config struct {
	ARP KindConfig
	NDP KindConfig

	// MaxPendingPackets bounds the datagrams queued on one entry. When the
	// bound is reached the oldest datagram is discarded. Zero means
	// unbounded.
	MaxPendingPackets int
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		ARP: KindConfig{
			Capacity:          DefaultCapacity,
			AccessedThreshold: DefaultAccessedThreshold,
		},
		NDP: KindConfig{
			Capacity:          DefaultCapacity,
			AccessedThreshold: DefaultAccessedThreshold,
		},
		MaxPendingPackets: DefaultMaxPendingPackets,
	}
}

// For returns the configuration of kind k.
func (c *Config) For(k Kind) *KindConfig {
	switch k {
	case KindARP:
		return &c.ARP
	case KindNDP:
		return &c.NDP
	default:
		return nil
	}
}

// Validate returns tcpip.ErrInvalidOptionValue if any value is out of
// bounds.
func (c *Config) Validate() *tcpip.Error {
	for _, k := range Kinds {
		kc := c.For(k)
		if kc.Capacity <= 0 || kc.Capacity > MaxCapacity {
			return tcpip.ErrInvalidOptionValue
		}
		if !validThreshold(kc.AccessedThreshold) {
			return tcpip.ErrInvalidOptionValue
		}
	}
	if c.MaxPendingPackets < 0 {
		return tcpip.ErrInvalidOptionValue
	}
	return nil
}

func validThreshold(th uint16) bool {
	return th >= MinAccessedThreshold && th <= MaxAccessedThreshold
}
