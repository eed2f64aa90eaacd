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

// FlatBackend is the always-succeeds fallback of spec.md §4.2 item 7: one
// package, one core per OS processor, one thread per core.
type FlatBackend struct{}

func (FlatBackend) Method() Method { return MethodFlat }

func (FlatBackend) Discover(full mask.Mask, _ ThreadBinder) (*topology.Topology, error) {
	ids := full.List()
	threads := make([]topology.HWThread, 0, len(ids))
	for i, osID := range ids {
		threads = append(threads, topology.HWThread{
			OSID:        osID,
			OriginalIdx: i,
			IDs:         []int{0, i, 0},
			Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
		})
	}
	return topology.New([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, full), nil
}

// FlatSynthetic fabricates a topology purely from the global
// (packages, cores_per_pkg, threads_per_core) counters, per spec.md §7's
// failure policy when every requested back-end has failed. OS ids are
// assigned densely over full's members in discovery order.
func FlatSynthetic(full mask.Mask, packages, coresPerPkg, threadsPerCore int) (*topology.Topology, error) {
	ids := full.List()
	want := packages * coresPerPkg * threadsPerCore
	if want > len(ids) {
		want = len(ids)
	}
	threads := make([]topology.HWThread, 0, want)
	idx := 0
	for pkg := 0; pkg < packages && idx < want; pkg++ {
		for core := 0; core < coresPerPkg && idx < want; core++ {
			for thr := 0; thr < threadsPerCore && idx < want; thr++ {
				threads = append(threads, topology.HWThread{
					OSID:        ids[idx],
					OriginalIdx: idx,
					IDs:         []int{pkg, core, thr},
					Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
				})
				idx++
			}
		}
	}
	synthFull := topology.FullMaskFromThreads(threads)
	topo := topology.New([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, synthFull)
	if err := topo.Canonicalize(); err != nil {
		return nil, err
	}
	return topo, nil
}
