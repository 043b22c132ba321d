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

// memnoded runs a single memory node: it publishes its segments, serves
// lane connections from compute peers, exposes /healthz and /metrics, and
// holds teardown until every compute thread in the job has checked out.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/remus-project/remus/pkg/cfg"
	"github.com/remus-project/remus/pkg/healthz"
	xhttp "github.com/remus-project/remus/pkg/http"
	logger "github.com/remus-project/remus/pkg/log"
	"github.com/remus-project/remus/pkg/metrics"
	_ "github.com/remus-project/remus/pkg/metrics/collectors"
	"github.com/remus-project/remus/pkg/rdma/memnode"
	"github.com/remus-project/remus/pkg/rdma/verbs"
)

var log = logger.Get("memnoded")

// state tracks bring-up for the health check: 0 starting, 1 serving,
// 2 failed.
var state atomic.Int32

func main() {
	c, err := cfg.Parse("memnoded", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := logger.Configure(&c.Log); err != nil {
		log.Fatalf("invalid logging configuration: %v", err)
	}
	if !c.IsMemory() {
		log.Fatalf("node id %d is not in the memory id range [%d, %d]",
			c.NodeID, c.FirstMNID, c.LastMNID)
	}
	if c.PeersFile == "" {
		log.Fatalf("a peers file is required to resolve our listening address")
	}
	peers, err := cfg.PeersFromFile(c.PeersFile)
	if err != nil {
		log.Fatalf("%v", err)
	}
	address, err := peers.Resolve(c.NodeID)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	m, err := memnode.New(ctx, verbs.NewSimulated(), memnode.Config{
		NodeID:            c.NodeID,
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
		state.Store(2)
		log.Fatalf("failed to bring up memory node: %v", err)
	}

	metrics.MustRegister("memnode", m.Collector(), metrics.WithGroup("memnode"),
		metrics.WithCollectorOptions(metrics.WithoutNamespace(), metrics.WithoutSubsystem()))
	srv := setupServices(c)
	defer srv.Stop()

	if err := m.InitDone(); err != nil {
		state.Store(2)
		log.Fatalf("bring-up failed: %v", err)
	}
	state.Store(1)
	log.Infof("memory node %d up, waiting for thread checkouts", c.NodeID)

	if err := m.Close(ctx); err != nil {
		log.Fatalf("teardown failed: %v", err)
	}
	log.Infof("memory node %d down", c.NodeID)
}

// setupServices starts the HTTP endpoint with the health check and the
// metrics gatherer mounted.
func setupServices(c *cfg.Config) *xhttp.Server {
	srv := xhttp.NewServer()

	healthz.Register("memnode", func() (healthz.Status, error) {
		switch state.Load() {
		case 1:
			return healthz.Healthy, nil
		case 2:
			return healthz.NonFunctional, errors.New("bring-up failed")
		default:
			return healthz.Degraded, errors.New("bring-up in progress")
		}
	})
	healthz.Setup(srv.GetMux())

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
