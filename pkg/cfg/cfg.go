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

// Package cfg defines the configuration surface of a runtime process: the
// recognized options with their defaults, flag registration, an optional
// YAML configuration file whose fields mirror the flag set, and
// validation. A process may act as a memory node, a compute node, or both,
// depending on which id ranges its own id falls into.
package cfg

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	logger "github.com/remus-project/remus/pkg/log"
	"github.com/remus-project/remus/pkg/rdma/policy"
)

// Config carries every recognized option of a runtime process.
type Config struct {
	// NodeID is this process's job-wide peer id.
	NodeID uint32 `json:"node_id"`
	// FirstMNID and LastMNID bound the inclusive memory node id range.
	FirstMNID uint32 `json:"first_mn_id"`
	LastMNID  uint32 `json:"last_mn_id"`
	// FirstCNID and LastCNID bound the inclusive compute node id range.
	FirstCNID uint32 `json:"first_cn_id"`
	LastCNID  uint32 `json:"last_cn_id"`
	// SegSize is the published segment size as a log2 byte count.
	SegSize uint `json:"seg_size"`
	// SegsPerMN is the number of segments each memory node publishes.
	SegsPerMN int `json:"segs_per_mn"`
	// MNPort is the port memory nodes listen on.
	MNPort uint16 `json:"mn_port"`
	// QPLanes is the number of parallel connections per compute to
	// memory peer pair.
	QPLanes int `json:"qp_lanes"`
	// QPSchedPol names the lane scheduling policy.
	QPSchedPol string `json:"qp_sched_pol"`
	// AllocPol names the segment allocation policy.
	AllocPol string `json:"alloc_pol"`
	// CNThreads is the compute thread count per compute node.
	CNThreads int `json:"cn_threads"`
	// CNOpsPerThread is the concurrent op cap per compute thread.
	CNOpsPerThread int `json:"cn_ops_per_thread"`
	// CNThreadBufSize is the per-thread buffer size as a log2 byte count.
	CNThreadBufSize uint `json:"cn_thread_bufsz"`
	// CNWRsPerSeq caps the work requests chained into a sequenced batch.
	CNWRsPerSeq int `json:"cn_wrs_per_seq"`
	// PeersFile names a YAML file mapping peer ids to host addresses.
	PeersFile string `json:"peers"`
	// HTTPEndpoint is the address the process serves /healthz and
	// /metrics on. Empty disables the HTTP server.
	HTTPEndpoint string `json:"http_endpoint"`
	// Metrics selects the metrics collectors to expose, by glob.
	Metrics []string `json:"metrics"`
	// Log carries runtime logging configuration.
	Log logger.Config `json:"log"`

	laneKind policy.LaneKind
	segKind  policy.SegmentKind
}

// Default returns a Config with every optional knob at its default.
func Default() *Config {
	return &Config{
		SegSize:         20,
		SegsPerMN:       2,
		QPLanes:         2,
		QPSchedPol:      "RAND",
		AllocPol:        "GLOBAL-RR",
		CNOpsPerThread:  8,
		CNThreadBufSize: 20,
		CNWRsPerSeq:     16,
		Metrics:         []string{"*"},
	}
}

// FromFile reads a YAML configuration file over the defaults.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cfg: failed to read %q", path)
	}
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, errors.Wrapf(err, "cfg: failed to parse %q", path)
	}
	return c, nil
}

// RegisterFlags registers every option on the given flag set. The option
// names match the configuration file fields.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	uint32Var(fs, &c.NodeID, "node_id", "this process's peer id")
	uint32Var(fs, &c.FirstMNID, "first_mn_id", "first memory node id")
	uint32Var(fs, &c.LastMNID, "last_mn_id", "last memory node id")
	uint32Var(fs, &c.FirstCNID, "first_cn_id", "first compute node id")
	uint32Var(fs, &c.LastCNID, "last_cn_id", "last compute node id")
	fs.UintVar(&c.SegSize, "seg_size", c.SegSize, "log2 of the published segment size in bytes")
	fs.IntVar(&c.SegsPerMN, "segs_per_mn", c.SegsPerMN, "segments published per memory node")
	uint16Var(fs, &c.MNPort, "mn_port", "memory node listening port")
	fs.IntVar(&c.QPLanes, "qp_lanes", c.QPLanes, "lanes per compute to memory peer pair")
	fs.StringVar(&c.QPSchedPol, "qp_sched_pol", c.QPSchedPol, "lane scheduling policy (RAND, RR, MOD, ONE_TO_ONE)")
	fs.StringVar(&c.AllocPol, "alloc_pol", c.AllocPol, "segment allocation policy (RAND, GLOBAL-RR, GLOBAL-MOD, LOCAL-RR, LOCAL-MOD)")
	fs.IntVar(&c.CNThreads, "cn_threads", c.CNThreads, "compute threads per compute node")
	fs.IntVar(&c.CNOpsPerThread, "cn_ops_per_thread", c.CNOpsPerThread, "concurrent op cap per compute thread")
	fs.UintVar(&c.CNThreadBufSize, "cn_thread_bufsz", c.CNThreadBufSize, "log2 of the per-thread buffer size in bytes")
	fs.IntVar(&c.CNWRsPerSeq, "cn_wrs_per_seq", c.CNWRsPerSeq, "work request cap per sequenced batch")
	fs.StringVar(&c.PeersFile, "peers", c.PeersFile, "YAML file mapping peer ids to host addresses")
	fs.StringVar(&c.HTTPEndpoint, "http_endpoint", c.HTTPEndpoint, "address serving /healthz and /metrics, empty disables")
}

// Parse builds a validated configuration from command line arguments. A
// -config flag names a YAML file whose values serve as defaults; options
// given on the command line override the file.
func Parse(name string, args []string) (*Config, error) {
	c := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "YAML configuration file")
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path != "" {
		fc, err := FromFile(*path)
		if err != nil {
			return nil, err
		}
		*c = *fc
		fs = flag.NewFlagSet(name, flag.ContinueOnError)
		fs.String("config", "", "YAML configuration file")
		c.RegisterFlags(fs)
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks option consistency and parses the policy names. It must
// be called before the policy accessors.
func (c *Config) Validate() error {
	if c.FirstMNID > c.LastMNID {
		return fmt.Errorf("cfg: memory id range [%d, %d] is empty", c.FirstMNID, c.LastMNID)
	}
	if c.FirstCNID > c.LastCNID {
		return fmt.Errorf("cfg: compute id range [%d, %d] is empty", c.FirstCNID, c.LastCNID)
	}
	if !c.IsMemory() && !c.IsCompute() {
		return fmt.Errorf("cfg: node id %d is in neither id range", c.NodeID)
	}
	if c.SegSize < 12 || c.SegSize > 40 {
		return fmt.Errorf("cfg: seg_size %d out of range [12, 40]", c.SegSize)
	}
	if c.SegsPerMN < 1 {
		return fmt.Errorf("cfg: segs_per_mn must be positive, got %d", c.SegsPerMN)
	}
	if c.MNPort == 0 {
		return fmt.Errorf("cfg: mn_port is required")
	}
	if c.QPLanes < 1 {
		return fmt.Errorf("cfg: qp_lanes must be positive, got %d", c.QPLanes)
	}
	if c.IsCompute() {
		if c.CNThreads < 1 {
			return fmt.Errorf("cfg: cn_threads must be positive, got %d", c.CNThreads)
		}
		if c.CNOpsPerThread < 1 {
			return fmt.Errorf("cfg: cn_ops_per_thread must be positive, got %d", c.CNOpsPerThread)
		}
		if c.CNWRsPerSeq < 1 {
			return fmt.Errorf("cfg: cn_wrs_per_seq must be positive, got %d", c.CNWRsPerSeq)
		}
		if c.CNThreadBufSize < 8 || c.CNThreadBufSize > 32 {
			return fmt.Errorf("cfg: cn_thread_bufsz %d out of range [8, 32]", c.CNThreadBufSize)
		}
	}

	var err error
	if c.laneKind, err = policy.ParseLaneKind(c.QPSchedPol); err != nil {
		return errors.Wrap(err, "cfg")
	}
	if c.segKind, err = policy.ParseSegmentKind(c.AllocPol); err != nil {
		return errors.Wrap(err, "cfg")
	}
	return nil
}

// IsMemory returns true if this process acts as a memory node.
func (c *Config) IsMemory() bool {
	return c.NodeID >= c.FirstMNID && c.NodeID <= c.LastMNID
}

// IsCompute returns true if this process acts as a compute node.
func (c *Config) IsCompute() bool {
	return c.NodeID >= c.FirstCNID && c.NodeID <= c.LastCNID
}

// LaneKind returns the parsed lane scheduling policy.
func (c *Config) LaneKind() policy.LaneKind {
	return c.laneKind
}

// SegmentKind returns the parsed segment allocation policy.
func (c *Config) SegmentKind() policy.SegmentKind {
	return c.segKind
}

func uint32Var(fs *flag.FlagSet, p *uint32, name, usage string) {
	fs.Var((*uint32Value)(p), name, usage)
}

func uint16Var(fs *flag.FlagSet, p *uint16, name, usage string) {
	fs.Var((*uint16Value)(p), name, usage)
}

type uint32Value uint32

func (v *uint32Value) String() string {
	return strconv.FormatUint(uint64(*v), 10)
}

func (v *uint32Value) Set(s string) error {
	u, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	*v = uint32Value(u)
	return nil
}

type uint16Value uint16

func (v *uint16Value) String() string {
	return strconv.FormatUint(uint64(*v), 10)
}

func (v *uint16Value) Set(s string) error {
	u, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return err
	}
	*v = uint16Value(u)
	return nil
}
