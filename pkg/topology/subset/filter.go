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

package subset

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// Apply runs spec.md §4.3.3's algorithm in Relative mode (the grammar's
// plain item-list form, with no leading "absolute:" keyword). It is a
// thin wrapper around ApplyMode for the common case and every existing
// caller that predates Mode.
func Apply(topo *topology.Topology, items []Item) error {
	return ApplyMode(topo, items, Relative)
}

// ApplyMode runs spec.md §4.3.3's algorithm: validate the parsed items
// against topo, walk its threads once testing each item's sub-id range
// and attribute constraints under the given quantification Mode, clear
// any thread failing a constraint, and finally call topo.RestrictToMask
// with the surviving set. ApplyMode is not idempotent in general: a second
// run validates and numbers against the already-restricted topology, so a
// counted item with a non-zero offset, or an attributed item once only one
// core kind remains, is rejected there.
func ApplyMode(topo *topology.Topology, items []Item, mode Mode) error {
	sorted := append([]Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return topo.LayerIndex(sorted[i].Layer) < topo.LayerIndex(sorted[j].Layer)
	})

	if err := validate(topo, sorted, mode); err != nil {
		return err
	}

	keep := walkAndFilter(topo, sorted, mode)
	if keep.Empty() {
		klog.Warningf("hw_subset: request would clear every processor, ignoring subset")
		return nil
	}
	return topo.RestrictToMask(keep)
}

func validate(topo *topology.Topology, items []Item, mode Mode) error {
	seenClass := map[topology.LayerKind]bool{}
	var coreItems []Item
	for _, it := range items {
		idx := topo.LayerIndex(it.Layer)
		if idx < 0 {
			return errors.Errorf("hw_subset: layer %s not present in topology", it.Layer)
		}
		class := topo.Resolve(it.Layer)
		if seenClass[class] {
			return errors.Errorf("hw_subset: layer %s referenced twice (same equivalence class)", it.Layer)
		}
		seenClass[class] = true

		// In relative mode an item is bounded by the fan-out under its
		// immediate parent (Ratio); in absolute mode it is bounded by the
		// total distinct count of that layer across the whole topology
		// (Count), since it is no longer quantified per-parent.
		bound := topo.Ratio[idx]
		if mode == Absolute {
			bound = topo.Count[idx]
		}
		if it.Num != UseAll && it.Num+it.Offset > bound {
			return errors.Errorf("hw_subset: %s num+offset (%d+%d) exceeds bound %d", it.Layer, it.Num, it.Offset, bound)
		}

		hasAttrs := len(it.Attrs) > 0
		if hasAttrs {
			if it.Layer != topology.Core {
				return errors.Errorf("hw_subset: attributes only valid at the CORE layer, got %s", it.Layer)
			}
			if len(topo.CoreTypesSeen) <= 1 && topo.NumCoreEfficiencies <= 1 {
				return errors.New("hw_subset: core-attribute items require a hybrid CPU")
			}
			hasType, hasEff := false, false
			for _, a := range it.Attrs {
				if a.Kind == AttrIntelCore || a.Kind == AttrIntelAtom {
					hasType = true
				}
				if a.Kind == AttrEfficiency {
					hasEff = true
				}
			}
			if hasType && hasEff {
				return errors.New("hw_subset: core-type and core-efficiency attributes are mutually exclusive within one item")
			}
		}
		if it.Layer == topology.Core {
			coreItems = append(coreItems, it)
		}
	}
	attributed, plain := 0, 0
	for _, it := range coreItems {
		if len(it.Attrs) > 0 {
			attributed++
		} else {
			plain++
		}
	}
	if attributed > 0 && plain > 0 {
		return errors.New("hw_subset: a non-attributed CORE item and an attributed CORE item together are ambiguous")
	}
	return nil
}

// walkAndFilter implements step 3 of spec.md §4.3.3, maintaining the
// three counters the algorithm names:
//
//   - natural sub-ids: the dense per-parent canonicalization already on
//     HWThread.SubIDs, resetting to zero whenever an ancestor layer's id
//     changes. Used in Relative mode for items without attributes.
//   - absolute sub-ids: a per-layer counter that increments whenever that
//     layer's own id changes from the previous thread, never reset by an
//     outer layer — so it quantifies the layer independently over the
//     whole topology. Used in Absolute mode for items without attributes.
//   - per-attribute sub-ids at the core layer: for an attributed CORE
//     item, only cores whose threads' attrs match the item are counted at
//     all, numbered 0..k-1 within their parent in discovery order (every
//     thread of one core carries that core's number). A plain
//     natural/absolute sub-id would instead count every core regardless
//     of attribute, so "the 2nd E-core" and "the 2nd core, which happens
//     to be an E-core" would disagree whenever P-cores and E-cores are
//     interleaved under the same parent.
//
// A thread failing any item's test is dropped from the kept mask.
func walkAndFilter(topo *topology.Topology, items []Item, mode Mode) mask.Mask {
	absoluteSubIDs := computeAbsoluteSubIDs(topo, items)
	attrSubIDs := computeAttributeSubIDs(topo, items)
	keepIDs := make([]int, 0, len(topo.Threads))

	for i := range topo.Threads {
		th := &topo.Threads[i]
		ok := true
		for _, it := range items {
			idx := topo.LayerIndex(it.Layer)

			if len(it.Attrs) > 0 {
				pos := attrSubIDs[idx][i]
				if pos < 0 {
					ok = false
					continue
				}
				if it.Num != UseAll && (pos < it.Offset || pos >= it.Offset+it.Num) {
					ok = false
				}
				continue
			}

			pos := th.SubIDs[idx]
			if mode == Absolute {
				pos = absoluteSubIDs[idx][i]
			}
			if it.Num != UseAll && (pos < it.Offset || pos >= it.Offset+it.Num) {
				ok = false
			}
		}
		if ok {
			keepIDs = append(keepIDs, th.OSID)
		}
	}
	return mask.New(keepIDs...)
}

// computeAbsoluteSubIDs returns, for each layer index targeted by items,
// a per-thread counter that increments only when that layer's own id
// differs from the previous thread in sort order — spec.md §4.3.3's
// "absolute sub-ids", independent of any ancestor layer's grouping.
func computeAbsoluteSubIDs(topo *topology.Topology, items []Item) map[int][]int {
	out := make(map[int][]int)
	for _, it := range items {
		idx := topo.LayerIndex(it.Layer)
		if _, done := out[idx]; done {
			continue
		}
		sub := make([]int, len(topo.Threads))
		counter := -1
		for i, th := range topo.Threads {
			if i == 0 || th.IDs[idx] != topo.Threads[i-1].IDs[idx] {
				counter++
			}
			sub[i] = counter
		}
		out[idx] = sub
	}
	return out
}

// computeAttributeSubIDs returns, for each attributed CORE item's layer
// index, a per-thread counter numbering only the cores matching that
// item's attribute filter, 0..k-1 in discovery order within their parent
// (the id prefix up to, but not including, the core layer), with every
// thread of a core sharing its number; a non-matching thread gets -1,
// which every attributed item rejects.
func computeAttributeSubIDs(topo *topology.Topology, items []Item) map[int][]int {
	out := make(map[int][]int)
	for _, it := range items {
		if len(it.Attrs) == 0 {
			continue
		}
		idx := topo.LayerIndex(it.Layer)
		if _, done := out[idx]; done {
			continue
		}
		sub := make([]int, len(topo.Threads))
		counters := map[string]int{}
		lastCore := map[string]int{}
		for i, th := range topo.Threads {
			if !attrsMatch(th.Attrs, it.Attrs) {
				sub[i] = -1
				continue
			}
			key := idsKey(th.IDs[:idx])
			if last, seen := lastCore[key]; seen && last != th.IDs[idx] {
				counters[key]++
			}
			lastCore[key] = th.IDs[idx]
			sub[i] = counters[key]
		}
		out[idx] = sub
	}
	return out
}

// idsKey builds a stable map key from an id prefix, the same way
// pkg/places groups OS-id masks by shared prefix.
func idsKey(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteByte('|')
		sb.WriteString(strconv.Itoa(id))
	}
	return sb.String()
}

func attrsMatch(attrs topology.CoreAttrs, want []Attr) bool {
	for _, a := range want {
		switch a.Kind {
		case AttrIntelCore:
			if attrs.Type != topology.CoreTypeCore {
				return false
			}
		case AttrIntelAtom:
			if attrs.Type != topology.Atom {
				return false
			}
		case AttrEfficiency:
			if attrs.Efficiency != a.EffLevel {
				return false
			}
		}
	}
	return true
}
