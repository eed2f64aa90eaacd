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

package places

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// Policy is an OMP_PROC_BIND-style place-construction policy. Balanced is
// handled by pkg/affinity/balanced instead of Build: a non-uniform
// topology has no single compact/offset characterization (spec.md §4.7).
type Policy int

const (
	PolicyLogical Policy = iota
	PolicyPhysical
	PolicyCompact
	PolicyScatter
)

// Request bundles everything Build needs: the resolved granularity, the
// construction policy, the user-supplied compact/offset knobs (spec.md
// §6.5), an optional cap on the number of places (OMP_NUM_PLACES), and
// whether to emit one place per thread (Dups) instead of one per leader.
type Request struct {
	Granularity Granularity
	Policy      Policy
	UserCompact int // the raw 'compact' knob, meaning depends on Policy
	UserOffset  int // the raw 'offset' knob
	NumPlaces   int // 0 means uncapped
	Dups        bool
}

// Build implements spec.md §4.4.3's compact/offset table: resolve the
// granularity, group threads into one mask per granularity unit (the
// topology itself is never reordered — it may be read concurrently by
// other in-flight place builds), order those groups per the policy's
// compact value, partition into places (one per leader, or one per thread
// if Dups), rotate by the resolved offset, cap at NumPlaces, and degrade
// to a single "none" place (the whole full mask) if nothing survived.
func Build(topo *topology.Topology, req Request) ([]mask.Mask, error) {
	layer, attrs, err := Resolve(topo, req.Granularity)
	if err != nil {
		return nil, err
	}
	depth := topo.Depth()

	var compact, offset int
	switch req.Policy {
	case PolicyLogical:
		compact = 0
		offset = req.UserOffset * topo.ThreadsPerCore
	case PolicyPhysical:
		compact = clamp(1, 0, depth)
		offset = req.UserOffset * topo.ThreadsPerCore
	case PolicyScatter:
		compact = clamp(depth-1-req.UserCompact, 0, depth)
	case PolicyCompact:
		compact = clamp(req.UserCompact, 0, depth-1)
	default:
		return nil, errors.Errorf("places: unknown policy %d", req.Policy)
	}

	groups, err := BuildOSIDMaskTable(topo, layer, attrs)
	if err != nil {
		return nil, err
	}
	markLeaders(topo, groups)
	sortGroups(groups, compact)

	var places []mask.Mask
	if req.Dups {
		places = make([]mask.Mask, 0, len(topo.Threads))
		for _, g := range groups {
			for range g.Mask.List() {
				places = append(places, g.Mask)
			}
		}
	} else {
		places = make([]mask.Mask, 0, len(groups))
		for _, g := range groups {
			places = append(places, g.Mask)
		}
	}

	if len(places) == 0 {
		klog.Warningf("places: granularity %s with the requested attributes matched nothing, degrading to a single whole-mask place", layer)
		return []mask.Mask{topo.FullMask}, nil
	}

	places = rotate(places, offset)

	if req.NumPlaces > 0 && req.NumPlaces < len(places) {
		places = places[:req.NumPlaces]
	}
	return places, nil
}

// markLeaders sets topo.Threads[i].Leader for the one OS id BuildOSIDMaskTable
// picked as each group's Leader, clearing it everywhere else. This reflects
// the granularity of the most recent Build call, not a stable per-topology
// property: a second Build at a different granularity re-marks the array.
func markLeaders(topo *topology.Topology, groups []Group) {
	leaders := make(map[int]bool, len(groups))
	for _, g := range groups {
		leaders[g.Leader] = true
	}
	for i := range topo.Threads {
		topo.Threads[i].Leader = leaders[topo.Threads[i].OSID]
	}
}

// rotate cyclically shifts places so that the element at index
// (offset mod len) becomes the first, implementing the "apply an offset
// modulo num_masks" step of spec.md §4.4.3.
func rotate(places []mask.Mask, offset int) []mask.Mask {
	n := len(places)
	if n == 0 {
		return places
	}
	shift := ((offset % n) + n) % n
	if shift == 0 {
		return places
	}
	out := make([]mask.Mask, n)
	for i := 0; i < n; i++ {
		out[i] = places[(i+shift)%n]
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
