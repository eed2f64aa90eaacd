/*
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package discovery

import (
	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// RadSet is one AIX resource set under the current SDL (scheduler
// dispatch level): a package-equivalent grouping of OS ids, with the
// number of SMT threads each core in this RAD exposes.
type RadSet struct {
	ID         int
	OSIDs      []int
	SMTThreads int
}

// SradSource is the AIX resource-set collaborator of spec.md §4.2 item 5.
type SradSource interface {
	Supported() bool
	ResourceSets() ([]RadSet, error)
}

// AIXSradBackend implements spec.md §4.2 item 5: each RAD becomes a
// package, cores are derived as os_id / smt_threads.
type AIXSradBackend struct {
	Source SradSource
}

func (AIXSradBackend) Method() Method { return MethodAIXSrad }

func (b AIXSradBackend) Discover(full mask.Mask, _ ThreadBinder) (*topology.Topology, error) {
	if !b.Source.Supported() {
		return nil, Fail(NoSradSupport, "aix srad: not supported on this system")
	}
	rads, err := b.Source.ResourceSets()
	if err != nil {
		return nil, Fail(NoSradSupport, "aix srad: enumerate resource sets: %v", err)
	}
	if len(rads) == 0 {
		return nil, Fail(UnknownTopology, "aix srad: no resource sets found")
	}

	var threads []topology.HWThread
	idx := 0
	for _, rad := range rads {
		smt := rad.SMTThreads
		if smt < 1 {
			smt = 1
		}
		for _, osID := range rad.OSIDs {
			if !full.Test(osID) {
				continue
			}
			coreID := osID / smt
			threadID := osID % smt
			threads = append(threads, topology.HWThread{
				OSID:        osID,
				OriginalIdx: idx,
				IDs:         []int{rad.ID, coreID, threadID},
				Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
			})
			idx++
		}
	}
	if len(threads) == 0 {
		return nil, Fail(UnknownTopology, "aix srad: no processors in full mask")
	}

	topo := topology.New([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, topology.FullMaskFromThreads(threads))
	if err := topo.Canonicalize(); err != nil {
		return nil, err
	}
	return topo, nil
}
