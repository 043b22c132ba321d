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

// rdma-bench brings up every node of the configured job in one process
// over the simulated transport and drives read, write, and atomic
// patterns through all compute threads. It reports per-pattern rates and
// exposes the runtime collectors over HTTP while running.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/remus-project/remus/pkg/cfg"
	xhttp "github.com/remus-project/remus/pkg/http"
	logger "github.com/remus-project/remus/pkg/log"
	"github.com/remus-project/remus/pkg/metrics"
	_ "github.com/remus-project/remus/pkg/metrics/collectors"
	"github.com/remus-project/remus/pkg/rdma/compute"
	"github.com/remus-project/remus/pkg/rdma/memnode"
	"github.com/remus-project/remus/pkg/rdma/verbs"
)

var log = logger.Get("rdma-bench")

func main() {
	c := cfg.Default()
	fs := flag.NewFlagSet("rdma-bench", flag.ExitOnError)
	c.RegisterFlags(fs)
	iters := fs.Int("iters", 4096, "operations per thread and pattern")
	opSize := fs.Int("op_size", 64, "payload bytes for the read and write patterns")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	// The bench hosts every node of both id ranges; the process id only
	// matters for validation.
	c.NodeID = c.FirstCNID
	if err := c.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := logger.Configure(&c.Log); err != nil {
		log.Fatalf("invalid logging configuration: %v", err)
	}
	if *iters < 1 || *opSize < 1 {
		log.Fatalf("iters and op_size must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	peers := cfg.SyntheticPeers(c.FirstMNID, c.LastMNID)
	if c.PeersFile != "" {
		var err error
		if peers, err = cfg.PeersFromFile(c.PeersFile); err != nil {
			log.Fatalf("%v", err)
		}
	}

	j, err := bringup(ctx, c, peers)
	if err != nil {
		log.Fatalf("bring-up failed: %v", err)
	}

	srv := serveMetrics(c, j)
	defer srv.Stop()

	if err := j.run(*iters, uint64(*opSize)); err != nil {
		log.Fatalf("benchmark failed: %v", err)
	}
	if err := j.teardown(ctx); err != nil {
		log.Fatalf("teardown failed: %v", err)
	}
}

// job is a whole in-process deployment: every memory node, every compute
// node, and the compute threads of the latter.
type job struct {
	mns     map[uint32]*memnode.MemoryNode
	cns     []*compute.ComputeNode
	threads []*compute.Thread
}

// bringup constructs the memory nodes, connects the compute nodes to all
// of them, joins the listeners, and registers the compute threads.
func bringup(ctx context.Context, c *cfg.Config, peers cfg.Peers) (*job, error) {
	b := verbs.NewSimulated()
	j := &job{mns: make(map[uint32]*memnode.MemoryNode)}

	for id := c.FirstMNID; id <= c.LastMNID; id++ {
		address, err := peers.Resolve(id)
		if err != nil {
			return nil, err
		}
		m, err := memnode.New(ctx, b, memnode.Config{
			NodeID:            id,
			Address:           address,
			Port:              c.MNPort,
			Segments:          c.SegsPerMN,
			SegSizeBits:       c.SegSize,
			QPLanes:           c.QPLanes,
			FirstCompute:      c.FirstCNID,
			LastCompute:       c.LastCNID,
			ThreadsPerCompute: c.CNThreads,
		})
		if err != nil {
			return nil, err
		}
		j.mns[id] = m
	}

	var cnPeers []compute.Peer
	for id := c.FirstMNID; id <= c.LastMNID; id++ {
		address, _ := peers.Resolve(id)
		cnPeers = append(cnPeers, compute.Peer{ID: id, Address: address, Port: c.MNPort})
	}

	for id := c.FirstCNID; id <= c.LastCNID; id++ {
		cn, err := compute.New(b, compute.Config{
			NodeID:        id,
			QPLanes:       c.QPLanes,
			Threads:       c.CNThreads,
			ThreadBufBits: c.CNThreadBufSize,
			SegSizeBits:   c.SegSize,
			SegsPerMN:     c.SegsPerMN,
			FirstMemNode:  c.FirstMNID,
			LastMemNode:   c.LastMNID,
			FirstCompute:  c.FirstCNID,
			LastCompute:   c.LastCNID,
			OpsPerThread:  c.CNOpsPerThread,
			WRsPerSeq:     c.CNWRsPerSeq,
			LanePolicy:    c.LaneKind(),
			SegPolicy:     c.SegmentKind(),
		})
		if err != nil {
			return nil, err
		}
		if m, hosted := j.mns[id]; hosted {
			if err := cn.ConnectLocal(m.PD(), m.LocalRecords()); err != nil {
				return nil, err
			}
		}
		if err := cn.ConnectRemote(ctx, cnPeers); err != nil {
			return nil, err
		}
		j.cns = append(j.cns, cn)
	}

	for _, m := range j.mns {
		if err := m.InitDone(); err != nil {
			return nil, err
		}
	}

	for _, cn := range j.cns {
		for i := 0; i < c.CNThreads; i++ {
			t, err := compute.NewThread(cn)
			if err != nil {
				return nil, err
			}
			j.threads = append(j.threads, t)
		}
	}

	log.Infof("job up: %d memory nodes, %d compute nodes, %d threads",
		len(j.mns), len(j.cns), len(j.threads))
	return j, nil
}

// run drives the write, read, and atomic patterns through every thread and
// logs the job-wide op and byte totals; worker logs the per-thread rates.
func (j *job) run(iters int, opSize uint64) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, t := range j.threads {
		wg.Add(1)
		go func(t *compute.Thread) {
			defer wg.Done()
			if err := worker(t, iters, opSize); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	if len(errs) > 0 {
		return errs[0]
	}

	var total compute.Metrics
	for _, t := range j.threads {
		m := t.Metrics()
		total.ReadOps += m.ReadOps
		total.ReadBytes += m.ReadBytes
		total.WriteOps += m.WriteOps
		total.WriteBytes += m.WriteBytes
		total.CASOps += m.CASOps
		total.FAAOps += m.FAAOps
	}
	log.Infof("totals: %d reads (%dB), %d writes (%dB), %d CAS, %d FAA",
		total.ReadOps, total.ReadBytes, total.WriteOps, total.WriteBytes,
		total.CASOps, total.FAAOps)
	return nil
}

// worker runs the benchmark patterns of one thread.
func worker(t *compute.Thread, iters int, opSize uint64) error {
	buf := t.Allocate(opSize)
	payload := make([]byte, opSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < iters; i++ {
		t.WriteBytes(buf, payload)
	}
	writes := time.Since(start)

	start = time.Now()
	for i := 0; i < iters; i++ {
		t.ReadBytes(buf, opSize)
	}
	reads := time.Since(start)

	t.Barrier()

	if t.ID() == 0 && t.UID() == 0 {
		// The first thread publishes the shared counter through the root.
		p := compute.AllocateArray[uint64](t, 1)
		compute.Write[uint64](t, p, 0)
		t.SetRoot(p)
	}
	t.Barrier()
	counter := compute.NewAtomic[uint64](t, t.GetRoot())

	start = time.Now()
	for i := 0; i < iters; i++ {
		counter.FetchAdd(1)
	}
	atomics := time.Since(start)
	t.Barrier()

	log.Infof("thread %d: %s writes, %s reads, %s FAAs of %dB payloads (%d iters)",
		t.UID(), rate(iters, writes), rate(iters, reads), rate(iters, atomics),
		opSize, iters)

	t.Deallocate(buf)
	return t.Close()
}

// rate formats an iteration count over a duration as ops per second.
func rate(iters int, d time.Duration) string {
	if d <= 0 {
		return "inf ops/s"
	}
	ops := float64(iters) / d.Seconds()
	switch {
	case ops >= 1e6:
		return fmt.Sprintf("%.2fM ops/s", ops/1e6)
	case ops >= 1e3:
		return fmt.Sprintf("%.2fk ops/s", ops/1e3)
	default:
		return fmt.Sprintf("%.2f ops/s", ops)
	}
}

// teardown closes every node; the memory nodes wait for the checkouts the
// workers performed in Close.
func (j *job) teardown(ctx context.Context) error {
	for _, m := range j.mns {
		if err := m.Close(ctx); err != nil {
			return err
		}
	}
	for _, cn := range j.cns {
		if err := cn.Close(); err != nil {
			return err
		}
	}
	log.Info("job down")
	return nil
}

// serveMetrics exposes the compute collectors while the bench runs.
func serveMetrics(c *cfg.Config, j *job) *xhttp.Server {
	srv := xhttp.NewServer()
	for i, cn := range j.cns {
		name := "node"
		if len(j.cns) > 1 {
			name = "node" + strconv.Itoa(i)
		}
		metrics.MustRegister(name, cn.Collector(), metrics.WithGroup("compute"),
			metrics.WithCollectorOptions(metrics.WithoutNamespace(), metrics.WithoutSubsystem()))
	}
	g, err := metrics.NewGatherer(metrics.WithMetrics(c.Metrics))
	if err != nil {
		log.Fatalf("failed to set up metrics: %v", err)
	}
	g.Setup(srv.GetMux())
	if err := srv.Start(c.HTTPEndpoint); err != nil {
		log.Fatalf("failed to start HTTP server: %v", err)
	}
	return srv
}
