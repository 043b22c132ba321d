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

package cfg

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Peer names one node of the job.
type Peer struct {
	// ID is the node's job-wide peer id.
	ID uint32 `json:"id"`
	// Address is the node's host address.
	Address string `json:"address"`
}

// Peers maps peer ids to host addresses.
type Peers []Peer

// PeersFromFile reads a YAML peer list.
func PeersFromFile(path string) (Peers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cfg: failed to read peers file %q", path)
	}
	var peers Peers
	if err := yaml.UnmarshalStrict(data, &peers); err != nil {
		return nil, errors.Wrapf(err, "cfg: failed to parse peers file %q", path)
	}
	seen := make(map[uint32]struct{}, len(peers))
	for _, p := range peers {
		if p.Address == "" {
			return nil, fmt.Errorf("cfg: peer %d has no address", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("cfg: duplicate peer id %d", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return peers, nil
}

// Resolve returns the host address of the given peer id.
func (p Peers) Resolve(id uint32) (string, error) {
	for _, peer := range p {
		if peer.ID == id {
			return peer.Address, nil
		}
	}
	return "", fmt.Errorf("cfg: no address known for peer %d", id)
}

// SyntheticPeers generates an address per id in [first, last] on a
// private test network. Useful with the simulated transport, where
// addresses only need to be distinct.
func SyntheticPeers(first, last uint32) Peers {
	var peers Peers
	for id := first; id <= last; id++ {
		peers = append(peers, Peer{ID: id, Address: fmt.Sprintf("10.0.0.%d", id)})
	}
	return peers
}
