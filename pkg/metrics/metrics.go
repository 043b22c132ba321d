// Copyright The Remus Project Authors. All Rights Reserved.
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

// Package metrics implements a registry of named prometheus collectors,
// organized into groups, with glob-based selection of which collectors a
// gatherer exposes. Collectors are registered at init time; a gatherer is
// built once the configuration is known.
package metrics

import (
	"fmt"
	"path"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xhttp "github.com/remus-project/remus/pkg/http"
	logger "github.com/remus-project/remus/pkg/log"
)

var log = logger.Get("metrics")

// Namespace is the common prefix of namespaced metrics.
const Namespace = "remus"

// DefaultGroup is the name of the default group. An alias for "".
const DefaultGroup = "default"

type (
	// Collector is a registered prometheus.Collector.
	Collector struct {
		collector prometheus.Collector
		name      string
		group     string
		enabled   bool
		namespace bool
		subsystem bool
	}

	// CollectorOption is an option for a Collector.
	CollectorOption func(*Collector)
)

// WithoutNamespace disables the common namespace prefix for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.namespace = false
	}
}

// WithoutSubsystem disables the group prefix for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.subsystem = false
	}
}

// Name returns the group-qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the collector matches the given glob pattern.
func (c *Collector) Matches(glob string) bool {
	for _, s := range []string{c.group, c.name, c.Name()} {
		if glob == s {
			return true
		}
		ok, err := path.Match(glob, s)
		if err != nil {
			log.Warnf("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.enabled {
		return
	}
	if log.DebugEnabled() {
		log.Debugf("collecting %q", c.Name())
	}
	c.collector.Collect(ch)
}

type group struct {
	name       string
	collectors []*Collector
}

func (g *group) add(c *Collector) {
	c.group = g.name
	g.collectors = append(g.collectors, c)
	log.Infof("registered collector %q", c.Name())
}

func (g *group) register(plain, ns prometheus.Registerer) error {
	plainGrp := prefixedRegisterer(g.name, plain)
	nsGrp := prefixedRegisterer(g.name, ns)

	for _, c := range g.collectors {
		var reg prometheus.Registerer
		switch {
		case c.namespace && c.subsystem:
			reg = nsGrp
		case c.namespace:
			reg = ns
		case c.subsystem:
			reg = plainGrp
		default:
			reg = plain
		}
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (g *group) configure(enabled []string, matched map[string]struct{}) {
	for _, c := range g.collectors {
		c.enabled = false
		for _, glob := range enabled {
			if c.Matches(glob) {
				matched[glob] = struct{}{}
				c.enabled = true
			}
		}
		log.Infof("collector %q enabled: %v", c.Name(), c.enabled)
	}
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}

type (
	// Registry is a collection of collector groups.
	Registry struct {
		groups map[string]*group
	}

	// RegisterOptions are options for registering a collector.
	RegisterOptions struct {
		group string
		copts []CollectorOption
	}

	// RegisterOption is an option for registering a collector.
	RegisterOption func(*RegisterOptions)
)

// WithGroup registers a collector into the named group.
func WithGroup(name string) RegisterOption {
	return func(o *RegisterOptions) {
		if name == "" {
			name = DefaultGroup
		}
		o.group = name
	}
}

// WithCollectorOptions passes collector options through registration.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *RegisterOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]*group)}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	options := &RegisterOptions{group: DefaultGroup}
	for _, o := range opts {
		o(options)
	}

	grp, ok := r.groups[options.group]
	if !ok {
		grp = &group{name: options.group}
		r.groups[grp.name] = grp
	}

	c := &Collector{
		name:      name,
		collector: collector,
		enabled:   true,
		namespace: true,
		subsystem: true,
	}
	for _, o := range options.copts {
		o(c)
	}
	grp.add(c)
	return nil
}

// Configure enables exactly the collectors matching any of the given
// globs. A glob that matches nothing is an error.
func (r *Registry) Configure(enabled []string) error {
	log.Infof("configuring registry with collectors enabled=[%s]",
		strings.Join(enabled, ","))

	matched := make(map[string]struct{})
	for _, g := range r.groups {
		g.configure(enabled, matched)
	}

	var unmatched []string
	for _, glob := range enabled {
		if _, ok := matched[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("metrics: no collectors match globs %s",
			strings.Join(unmatched, ", "))
	}
	return nil
}

type (
	// Gatherer exposes the enabled collectors of a registry.
	Gatherer struct {
		*prometheus.Registry
		namespace string
		enabled   []string
	}

	// GathererOption is an option for the gatherer.
	GathererOption func(*Gatherer)
)

// WithNamespace overrides the common namespace prefix.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics selects which groups or collectors the gatherer exposes.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
	}
}

// NewGatherer builds a gatherer over the registry with the given options.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry:  prometheus.NewPedanticRegistry(),
		namespace: Namespace,
	}
	for _, o := range opts {
		o(g)
	}
	if g.enabled == nil {
		g.enabled = []string{"*"}
	}

	if err := r.Configure(g.enabled); err != nil {
		return nil, err
	}

	ns := prefixedRegisterer(g.namespace, g.Registry)
	for _, grp := range r.groups {
		if err := grp.register(g.Registry, ns); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Setup registers the /metrics handler for the gatherer on the given
// multiplexer.
func (g *Gatherer) Setup(mux *xhttp.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog: promhttpLogger{},
	}))
}

type promhttpLogger struct{}

func (promhttpLogger) Println(v ...interface{}) {
	log.Error(fmt.Sprintln(v...))
}

var _ promhttp.Logger = promhttpLogger{}

var defaultRegistry = NewRegistry()

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry and
// panics on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer builds a gatherer over the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
