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
	ghwcpu "github.com/jaypipes/ghw/pkg/cpu"
	ghwtopology "github.com/jaypipes/ghw/pkg/topology"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// GHWSource is the snapshot-or-live host introspection collaborator the
// ghw-backed back-end consumes, mirroring the teacher's GHWHandler
// wrapper (profilecreator.go) around the real jaypipes/ghw calls. Tests
// substitute a fake; production code points this at ghw.CPU/ghw.Topology.
type GHWSource interface {
	CPU() (*ghwcpu.Info, error)
	Topology() (*ghwtopology.Info, error)
}

// GHWBackend is the NUMA/socket/core walk of spec.md §4.2 item 1 (the
// hwloc-analog): it walks ghw's node/core/logical-processor tree and
// folds it into the canonical thread-record list, with each thread's NUMA
// node id as a NUMA layer between socket and core. A NUMA node with no
// cores (memory-only) yields no threads and so does not appear.
type GHWBackend struct {
	Source GHWSource
}

func (GHWBackend) Method() Method { return MethodHwloc }

func (b GHWBackend) Discover(full mask.Mask, _ ThreadBinder) (*topology.Topology, error) {
	topoInfo, err := b.Source.Topology()
	if err != nil {
		return nil, Fail(NoHwlocSupport, "ghw topology: %v", err)
	}
	cpuInfo, err := b.Source.CPU()
	if err != nil {
		return nil, Fail(NoHwlocSupport, "ghw cpu info: %v", err)
	}

	socketOfCore := map[int]int{}
	for _, proc := range cpuInfo.Processors {
		for _, core := range proc.Cores {
			socketOfCore[core.ID] = int(proc.ID)
		}
	}

	var threads []topology.HWThread
	idx := 0
	for _, node := range topoInfo.Nodes {
		for _, core := range node.Cores {
			sockID, ok := socketOfCore[core.ID]
			if !ok {
				sockID = 0
			}
			for thr, lp := range core.LogicalProcessors {
				if !full.Test(lp) {
					continue
				}
				threads = append(threads, topology.HWThread{
					OSID:        lp,
					OriginalIdx: idx,
					IDs:         []int{sockID, node.ID, core.ID, thr},
					Attrs: topology.CoreAttrs{
						Type:       topology.CoreTypeUnknown,
						Efficiency: topology.EfficiencyUnknown,
					},
				})
				idx++
			}
		}
	}
	if len(threads) == 0 {
		return nil, Fail(UnknownTopology, "ghw: no logical processors discovered within full mask")
	}

	topo := topology.New(
		[]topology.LayerKind{topology.Socket, topology.Numa, topology.Core, topology.Thread},
		threads,
		topology.FullMaskFromThreads(threads),
	)
	if err := topo.Canonicalize(); err != nil {
		return nil, err
	}
	return topo, nil
}
