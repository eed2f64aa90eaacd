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

// BitsPerGroup is the fixed Windows processor-group size.
const BitsPerGroup = 64

// WinGroupsSource reports the number of active processor groups the
// current process can see; everything else follows arithmetically from
// BitsPerGroup, per spec.md §4.2 item 6.
type WinGroupsSource interface {
	Supported() bool
	GroupCount() (int, error)
}

// WinGroupsBackend implements spec.md §4.2 item 6:
// (group, core, thread) with thread = core = os_id mod BitsPerGroup,
// group = os_id / BitsPerGroup.
type WinGroupsBackend struct {
	Source WinGroupsSource
}

func (WinGroupsBackend) Method() Method { return MethodWinGroups }

func (b WinGroupsBackend) Discover(full mask.Mask, _ ThreadBinder) (*topology.Topology, error) {
	if !b.Source.Supported() {
		return nil, Fail(NoProcessorGroups, "windows groups: processor groups not supported")
	}
	groupCount, err := b.Source.GroupCount()
	if err != nil {
		return nil, Fail(NoProcessorGroups, "windows groups: %v", err)
	}
	if groupCount < 1 {
		return nil, Fail(NoProcessorGroups, "windows groups: group count %d < 1", groupCount)
	}

	ids := full.List()
	threads := make([]topology.HWThread, 0, len(ids))
	groupOf := make(map[int]int, len(ids))
	for i, osID := range ids {
		group := osID / BitsPerGroup
		within := osID % BitsPerGroup
		groupOf[osID] = group
		threads = append(threads, topology.HWThread{
			OSID:        osID,
			OriginalIdx: i,
			IDs:         []int{group, within, within},
			Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
		})
	}

	newFull := topology.FullMaskFromThreads(threads).WithGroups(groupOf)
	topo := topology.New([]topology.LayerKind{topology.ProcGroup, topology.Core, topology.Thread}, threads, newFull)
	if groupCount > 1 {
		// groups already form the outermost layer above; nothing further
		// to insert. Single-group systems never see PROC_GROUP at all,
		// per spec.md §4.3.1 step 1's "Windows only, when >1 groups"
		// condition — drop it here instead.
	} else {
		topo.Types = topo.Types[1:]
		for i := range topo.Threads {
			topo.Threads[i].IDs = topo.Threads[i].IDs[1:]
		}
	}
	if err := topo.Canonicalize(); err != nil {
		return nil, err
	}
	return topo, nil
}
