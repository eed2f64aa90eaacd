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
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
	"github.com/ompkit/topocore/pkg/topology/subset"
)

// Group is one place-granularity group: every OS id sharing the same id
// prefix up to and including layer. subIDs is that shared prefix expressed
// in dense sub-id form, used to order groups the same way SortByCompact
// orders individual threads, without needing to reorder the topology's own
// thread array (which stays in canonical order for every other reader).
type Group struct {
	Mask   mask.Mask
	Attrs  topology.CoreAttrs // aggregated; CoreTypeMultiple/EfficiencyMultiple if mixed
	Leader int                // lowest OS id in the group
	subIDs []int              // length idx+1, this group's defining prefix
}

// BuildOSIDMaskTable implements spec.md §4.4.2: group every thread sharing
// an id prefix up to layer into one mask, aggregate their hybrid
// attributes, and drop any group that fails the attrs filter. Unlike a
// walk over one particular thread ordering, grouping is keyed by id
// prefix rather than array adjacency, so it gives the same result
// regardless of what order the topology's threads currently happen to be
// in — the topology stays read-only here, consistent with it being a
// shared, single-writer structure other in-flight place builds may be
// reading concurrently.
func BuildOSIDMaskTable(topo *topology.Topology, layer topology.LayerKind, attrs []subset.Attr) ([]Group, error) {
	idx := topo.LayerIndex(layer)
	if idx < 0 {
		return nil, errors.Errorf("places: layer %s not present in topology", layer)
	}

	type accum struct {
		osIDs  []int
		attrs  topology.CoreAttrs
		subIDs []int
		first  bool
	}
	byKey := map[string]*accum{}
	var order []string

	for _, th := range topo.Threads {
		key := prefixKey(th.IDs[:idx+1])
		a, ok := byKey[key]
		if !ok {
			a = &accum{subIDs: append([]int(nil), th.SubIDs[:idx+1]...), attrs: th.Attrs}
			byKey[key] = a
			order = append(order, key)
		} else {
			a.attrs = mergeAttrs(a.attrs, th.Attrs)
		}
		a.osIDs = append(a.osIDs, th.OSID)
	}

	groups := make([]Group, 0, len(order))
	for _, key := range order {
		a := byKey[key]
		if !attrsFilterMatch(a.attrs, attrs) {
			continue
		}
		sort.Ints(a.osIDs)
		groups = append(groups, Group{
			Mask:   mask.New(a.osIDs...),
			Attrs:  a.attrs,
			Leader: a.osIDs[0],
			subIDs: a.subIDs,
		})
	}
	return groups, nil
}

// prefixKey builds a stable map key from an id prefix.
func prefixKey(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteByte('|')
		sb.WriteString(strconv.Itoa(id))
	}
	return sb.String()
}

func mergeAttrs(a, b topology.CoreAttrs) topology.CoreAttrs {
	out := a
	if a.Type != b.Type {
		out.Type = topology.CoreTypeMultiple
	}
	if a.Efficiency != b.Efficiency {
		out.Efficiency = topology.EfficiencyMultiple
	}
	return out
}

func attrsFilterMatch(attrs topology.CoreAttrs, want []subset.Attr) bool {
	for _, a := range want {
		switch a.Kind {
		case subset.AttrIntelCore:
			if attrs.Type != topology.CoreTypeCore {
				return false
			}
		case subset.AttrIntelAtom:
			if attrs.Type != topology.Atom {
				return false
			}
		case subset.AttrEfficiency:
			if attrs.Efficiency != a.EffLevel {
				return false
			}
		}
	}
	return true
}

// sortGroups orders groups the way Topology.SortByCompact orders threads,
// but scoped to each group's own defining prefix (indices 0..len(subIDs)-1):
// comparing the innermost compact levels of that prefix first, then the
// remaining outer levels, tie-breaking on the group's leader OS id.
func sortGroups(groups []Group, compact int) {
	if len(groups) == 0 {
		return
	}
	width := len(groups[0].subIDs)
	if compact > width {
		compact = width
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].subIDs, groups[j].subIDs
		for l := width - 1; l >= width-compact; l-- {
			if a[l] != b[l] {
				return a[l] < b[l]
			}
		}
		for l := 0; l < width-compact; l++ {
			if a[l] != b[l] {
				return a[l] < b[l]
			}
		}
		return groups[i].Leader < groups[j].Leader
	})
}
