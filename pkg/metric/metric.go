// Copyright 2022 The gVisor Authors.
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

// Package metric exports counter structs in the Prometheus data format,
// documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
//
// A counter struct is any struct whose fields are tcpip.StatCounter values or
// further counter structs. Each counter becomes one Prometheus counter named
// after its path through the struct.
package metric

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/dwadeiv/neighcache/pkg/tcpip"
)

var (
	// ErrNotCounterStruct indicates that a registered value is not a pointer
	// to a counter struct.
	ErrNotCounterStruct = errors.New("metric source is not a pointer to a struct")

	// ErrNameInUse indicates that another source already exports the same
	// name and labels.
	ErrNameInUse = errors.New("metric name already in use")
)

// Namespace prefixes every exported metric name.
const Namespace = "neighcache"

type source struct {
	subsystem string
	stats     reflect.Value
	labels    map[string]string
}

// Registry holds the counter structs to export.
type Registry struct {
	mu      sync.Mutex
	sources []source
}

// Register adds the counter struct stats under subsystem. labels are
// attached to every counter of stats.
func (r *Registry) Register(subsystem string, stats any, labels map[string]string) error {
	v := reflect.ValueOf(stats)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotCounterStruct
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		if s.subsystem == subsystem && sameLabels(s.labels, labels) {
			return fmt.Errorf("%w: %s %v", ErrNameInUse, subsystem, labels)
		}
	}
	r.sources = append(r.sources, source{subsystem: subsystem, stats: v.Elem(), labels: labels})
	return nil
}

func sameLabels(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Gather reads every registered counter and returns the metric families
// sorted by name.
func (r *Registry) Gather() []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()

	families := make(map[string]*dto.MetricFamily)
	for _, s := range r.sources {
		walk(Namespace+"_"+s.subsystem, s.stats, func(name string, c *tcpip.StatCounter) {
			mf, ok := families[name]
			if !ok {
				mf = &dto.MetricFamily{
					Name: proto.String(name),
					Help: proto.String(fmt.Sprintf("Counter %s.", name)),
					Type: dto.MetricType_COUNTER.Enum(),
				}
				families[name] = mf
			}
			mf.Metric = append(mf.Metric, &dto.Metric{
				Label:   labelPairs(s.labels),
				Counter: &dto.Counter{Value: proto.Float64(float64(c.Value()))},
			})
		})
	}

	out := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// WriteText writes a snapshot of the registry to w in the Prometheus text
// format.
func (r *Registry) WriteText(w io.Writer) error {
	for _, mf := range r.Gather() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Parse reads metric families in the Prometheus text format.
func Parse(r io.Reader) (map[string]*dto.MetricFamily, error) {
	return (&expfmt.TextParser{}).TextToMetricFamilies(r)
}

// Value returns the value of the counter name whose labels include labels,
// as found in families. ok is false if there is no such counter.
func Value(families map[string]*dto.MetricFamily, name string, labels map[string]string) (v float64, ok bool) {
	mf, ok := families[name]
	if !ok {
		return 0, false
	}
	for _, m := range mf.GetMetric() {
		have := make(map[string]string)
		for _, lp := range m.GetLabel() {
			have[lp.GetName()] = lp.GetValue()
		}
		match := true
		for k, want := range labels {
			if have[k] != want {
				match = false
				break
			}
		}
		if match {
			return m.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func labelPairs(labels map[string]string) []*dto.LabelPair {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]*dto.LabelPair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(labels[k])})
	}
	return pairs
}

// walk calls fn for every counter reachable from v, a struct value.
func walk(prefix string, v reflect.Value, fn func(name string, c *tcpip.StatCounter)) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := prefix + "_" + snakeCase(f.Name)
		fv := v.Field(i)
		switch {
		case f.Type == reflect.TypeOf(tcpip.StatCounter{}):
			fn(name, fv.Addr().Interface().(*tcpip.StatCounter))
		case f.Type.Kind() == reflect.Struct:
			walk(name, fv, fn)
		}
	}
}

// snakeCase converts a Go field name, e.g. TxReplayed or ARPHits, to
// tx_replayed or arp_hits.
func snakeCase(s string) string {
	rs := []rune(s)
	var b strings.Builder
	for i, r := range rs {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := unicode.IsLower(rs[i-1]) || unicode.IsDigit(rs[i-1])
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if prevLower || (unicode.IsUpper(rs[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
