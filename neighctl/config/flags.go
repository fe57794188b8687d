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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/dwadeiv/neighcache/pkg/tcpip/addrcache"
	"github.com/dwadeiv/neighcache/pkg/tcpip/neighbor"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML (.toml) or YAML (.yaml, .yml) configuration file. Flags set on the command line override it.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")

	// Cache sizing.
	flagSet.Int("arp-capacity", addrcache.DefaultCapacity, "number of ARP cache entries.")
	flagSet.Int("ndp-capacity", addrcache.DefaultCapacity, "number of NDP cache entries.")
	flagSet.Uint("arp-threshold", addrcache.DefaultAccessedThreshold, "number of hits after which an ARP entry is moved to the head of its list.")
	flagSet.Uint("ndp-threshold", addrcache.DefaultAccessedThreshold, "number of hits after which an NDP entry is moved to the head of its list.")
	flagSet.Int("max-pending", addrcache.DefaultMaxPendingPackets, "maximum number of datagrams queued on an unresolved entry, 0 for no limit.")

	// Resolution.
	flagSet.Duration("resolution-timeout", neighbor.DefaultResolutionTimeout, "how long a destination may stay unresolved before its queued datagrams are dropped.")
	flagSet.Int("timers", 0, "size of the timer pool, 0 sizes it to the number of cache entries.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags. If --config names a file, its values are used for every flag not
// set on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	setFields(conf, func(name string) (*flag.Flag, bool) {
		fl := flagSet.Lookup(name)
		return fl, fl != nil
	})

	if conf.ConfigFile != "" {
		fileConf := conf.Copy()
		if err := fileConf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		set := make(map[string]*flag.Flag)
		flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = fl })
		setFields(fileConf, func(name string) (*flag.Flag, bool) {
			fl, ok := set[name]
			return fl, ok
		})
		conf = fileConf
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFields copies the value of every flag found by lookup into the tagged
// field of conf.
func setFields(conf *Config, lookup func(name string) (*flag.Flag, bool)) {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl, ok := lookup(name)
		if !ok {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags with default values are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
