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

// Package healthz serves an aggregate health check over HTTP. Components
// register named checker functions; a request to /healthz runs them all
// and reports the worst outcome.
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	xhttp "github.com/remus-project/remus/pkg/http"
	logger "github.com/remus-project/remus/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	sorted   []string
	log      = logger.Get("healthz")
)

// CheckFn reports the health of one component.
type CheckFn func() (Status, error)

// Status describes the health of a component or the whole process.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

// Setup registers the /healthz handler on the given multiplexer.
func Setup(mux *xhttp.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

// Register adds a named health checker.
func Register(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		log.Fatalf("checker %q registered twice", name)
	}

	checkers[name] = fn
	sorted = append(sorted, name)
	sort.Strings(sorted)
}

func serve(w http.ResponseWriter, req *http.Request) {
	status, details := check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Errorf("failed to write response: %v", err)
		}
		return
	}

	body := ""
	for _, name := range sorted {
		if err, ok := details[name]; ok {
			body += fmt.Sprintf("%s: %v\n", name, err)
		}
	}
	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}

func check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range sorted {
		if s, err := checkers[name](); s != Healthy {
			if s > status {
				status = s
			}
			if err != nil {
				details[name] = err
				log.Errorf("component %s reported unhealthy: %v", name, err)
			}
		}
	}

	return status, details
}
