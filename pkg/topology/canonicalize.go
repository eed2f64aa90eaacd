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

package topology

import (
	"sort"

	"k8s.io/klog/v2"
)

// Canonicalize runs steps 2-7 of spec.md §4.3.1: drop radix-1 layers,
// gather enumeration, compute uniformity, assign sub-ids, compute
// aggregate globals, and alias LLC. Step 1, the processor-group layer, is
// not inserted here; that is InsertProcGroupLayer, a separate call. It is
// idempotent when called again with the
// same thread set and is the routine restrict_to_mask re-runs after
// filtering the thread array.
func (t *Topology) Canonicalize() error {
	t.dropRadix1Layers()
	t.sortByIDs()
	t.gatherEnumeration()
	t.computeUniform()
	t.assignSubIDs()
	t.computeGlobals()
	t.aliasLLC()
	klog.V(2).InfoS("canonicalized topology", "depth", t.Depth(), "threads", len(t.Threads), "uniform", t.Uniform)
	return nil
}

// InsertProcGroupLayer prepends the PROC_GROUP layer (Windows-only, step 1
// of spec.md §4.3.1), populating ids from the given os_id->group mapping,
// and re-sorts. Callers only invoke this when more than one processor
// group exists; a single-group machine has no use for the layer.
func (t *Topology) InsertProcGroupLayer(osIDToGroup map[int]int) {
	t.Types = append([]LayerKind{ProcGroup}, t.Types...)
	for i := range t.Threads {
		th := &t.Threads[i]
		group, ok := osIDToGroup[th.OSID]
		if !ok {
			group = UnknownID
		}
		th.IDs = append([]int{group}, th.IDs...)
	}
	t.Equivalent[ProcGroup] = ProcGroup
	t.sortByIDs()
}

// dropRadix1Layers implements step 2: a layer Lj is radix-1 under its
// neighbour Li iff every thread sharing an Li id also shares one Lj id.
// When that holds and neither layer is SOCKET/CORE/THREAD, the
// lower-preference layer is dropped and aliased onto the survivor. If all
// inner ids are identical (the inner layer carries no information at
// all), the inner layer is the one dropped so outer ids are preserved.
func (t *Topology) dropRadix1Layers() {
	changed := true
	for changed {
		changed = false
		for i := 0; i+1 < len(t.Types); i++ {
			outer, inner := t.Types[i], t.Types[i+1]
			if !t.radix1(i, i+1) {
				continue
			}
			if isProtected(outer) && isProtected(inner) {
				continue
			}
			sameInner := true
			for _, th := range t.Threads {
				if th.IDs[i+1] != t.Threads[0].IDs[i+1] {
					sameInner = false
					break
				}
			}
			var drop, keep int
			switch {
			case isProtected(outer):
				drop, keep = i+1, i
			case isProtected(inner):
				drop, keep = i, i+1
			case sameInner:
				drop, keep = i+1, i
			case preferOver(outer, inner):
				drop, keep = i+1, i
			default:
				drop, keep = i, i+1
			}
			t.Equivalent[t.Types[drop]] = t.Types[keep]
			t.removeLayer(drop)
			changed = true
			break
		}
	}
	for _, k := range t.Types {
		if _, ok := t.Equivalent[k]; !ok {
			t.Equivalent[k] = k
		}
	}
	t.compressEquivalent()
}

// compressEquivalent collapses every Equivalent chain to its fixed point.
// A layer dropped early in dropRadix1Layers' loop is aliased onto
// whatever survivor is adjacent *at that moment*; if that survivor is
// itself dropped and re-aliased in a later round, the earlier entry is
// left pointing at a layer no longer in Types. This walks every chain to
// its end so `equivalent[equivalent[K]] == equivalent[K]` always holds,
// per spec.md §8's testable invariant.
func (t *Topology) compressEquivalent() {
	for k := range t.Equivalent {
		v := t.Equivalent[k]
		seen := map[LayerKind]struct{}{k: {}}
		for {
			next, ok := t.Equivalent[v]
			if !ok || next == v {
				break
			}
			if _, looped := seen[v]; looped {
				break // defensive: the map should never actually cycle
			}
			seen[v] = struct{}{}
			v = next
		}
		t.Equivalent[k] = v
	}
}

func isProtected(k LayerKind) bool {
	return k == Socket || k == Core || k == Thread
}

// radix1 reports whether layer j is radix-1 under layer i: grouping
// threads by their id at layer i, every group has exactly one distinct id
// at layer j.
func (t *Topology) radix1(i, j int) bool {
	seen := map[int]int{}
	for _, th := range t.Threads {
		key := th.IDs[i]
		if prev, ok := seen[key]; ok {
			if prev != th.IDs[j] {
				return false
			}
		} else {
			seen[key] = th.IDs[j]
		}
	}
	return true
}

func (t *Topology) removeLayer(idx int) {
	t.Types = append(t.Types[:idx], t.Types[idx+1:]...)
	for i := range t.Threads {
		th := &t.Threads[i]
		th.IDs = append(th.IDs[:idx], th.IDs[idx+1:]...)
	}
}

// sortByIDs is the "by ids" stable canonical sort of spec.md §4.3.2:
// lex-compare IDs[0..depth-1], UnknownID sorting last; at the CORE layer
// on a hybrid CPU, compare by descending efficiency first; ties break on
// OSID.
func (t *Topology) sortByIDs() {
	coreIdx := t.LayerIndex(Core)
	sort.SliceStable(t.Threads, func(a, b int) bool {
		ta, tb := t.Threads[a], t.Threads[b]
		for l := 0; l < len(ta.IDs); l++ {
			if coreIdx >= 0 && l == coreIdx && hybrid(ta.Attrs, tb.Attrs) {
				if ta.Attrs.Efficiency != tb.Attrs.Efficiency {
					return ta.Attrs.Efficiency > tb.Attrs.Efficiency
				}
			}
			ia, ib := normalizeForSort(ta.IDs[l]), normalizeForSort(tb.IDs[l])
			if ia != ib {
				return ia < ib
			}
		}
		return ta.OSID < tb.OSID
	})
}

func hybrid(a, b CoreAttrs) bool {
	return a.Efficiency != EfficiencyUnknown || b.Efficiency != EfficiencyUnknown
}

// normalizeForSort maps UnknownID to a value that sorts after every real
// (non-negative) id, per spec.md's "UNKNOWN sorts last" rule.
func normalizeForSort(id int) int {
	if id == UnknownID {
		return int(^uint(0) >> 1) // max int
	}
	return id
}

// gatherEnumeration is step 3: a single pass computing Count[l] (distinct
// id tuples at prefix length l+1) and Ratio[l] (max fan-out at level l),
// plus the distinct hybrid core types/efficiencies seen.
func (t *Topology) gatherEnumeration() {
	depth := t.Depth()
	t.Count = make([]int, depth)
	t.Ratio = make([]int, depth)

	prefixSeen := make([]map[string]struct{}, depth)
	fanoutSeen := make([]map[string]map[int]struct{}, depth)
	for l := 0; l < depth; l++ {
		prefixSeen[l] = map[string]struct{}{}
		fanoutSeen[l] = map[string]map[int]struct{}{}
	}

	coreIdx := t.LayerIndex(Core)
	typesSeen := map[CoreType]struct{}{}
	effSeen := map[int]struct{}{}

	for _, th := range t.Threads {
		for l := 0; l < depth; l++ {
			prefixSeen[l][idsKey(th.IDs[:l+1])] = struct{}{}
			parentKey := idsKey(th.IDs[:l])
			if fanoutSeen[l][parentKey] == nil {
				fanoutSeen[l][parentKey] = map[int]struct{}{}
			}
			fanoutSeen[l][parentKey][th.IDs[l]] = struct{}{}
		}
		if coreIdx >= 0 && th.Attrs.Type != CoreTypeUnknown {
			typesSeen[th.Attrs.Type] = struct{}{}
		}
		if th.Attrs.Efficiency >= 0 {
			effSeen[th.Attrs.Efficiency] = struct{}{}
		}
	}

	for l := 0; l < depth; l++ {
		t.Count[l] = len(prefixSeen[l])
		max := 0
		for _, children := range fanoutSeen[l] {
			if len(children) > max {
				max = len(children)
			}
		}
		if max == 0 {
			max = 1
		}
		t.Ratio[l] = max
	}

	t.CoreTypesSeen = t.CoreTypesSeen[:0]
	for ct := range typesSeen {
		t.CoreTypesSeen = append(t.CoreTypesSeen, ct)
	}
	sort.Slice(t.CoreTypesSeen, func(i, j int) bool { return t.CoreTypesSeen[i] < t.CoreTypesSeen[j] })
	t.NumCoreEfficiencies = len(effSeen)
}

// computeUniform is step 4: uniform iff product(Ratio) == Count[depth-1].
func (t *Topology) computeUniform() {
	product := 1
	for _, r := range t.Ratio {
		product *= r
	}
	t.Uniform = len(t.Count) > 0 && product == t.Count[len(t.Count)-1]
}

// assignSubIDs is step 5: sub_ids[l] is a dense per-layer index such that
// within any ancestor, children are numbered 0..k-1 in discovery (sorted)
// order. It increments whenever ids[l] changes from the previous thread;
// whenever an outer layer changes, every inner layer's counter resets to
// zero, since that inner layer now enumerates a fresh parent's children.
func (t *Topology) assignSubIDs() {
	depth := t.Depth()
	counters := make([]int, depth)
	var prevIDs []int

	for i := range t.Threads {
		th := &t.Threads[i]
		th.SubIDs = make([]int, depth)

		if i == 0 {
			prevIDs = append([]int(nil), th.IDs...)
			continue
		}

		changeLevel := depth
		for l := 0; l < depth; l++ {
			if th.IDs[l] != prevIDs[l] {
				changeLevel = l
				break
			}
		}
		for l := changeLevel; l < depth; l++ {
			if l == changeLevel {
				counters[l]++
			} else {
				counters[l] = 0
			}
		}
		for l := 0; l < depth; l++ {
			th.SubIDs[l] = counters[l]
		}
		copy(prevIDs, th.IDs)
	}
}

// computeGlobals is step 6: aggregate counters used throughout the rest
// of the system (threads-per-core, cores-per-package, package count).
func (t *Topology) computeGlobals() {
	threadIdx := t.LayerIndex(Thread)
	coreIdx := t.LayerIndex(Core)
	sockIdx := t.LayerIndex(Socket)

	// Ratio[l] is already the max fan-out under one immediate parent
	// (gatherEnumeration groups by the full parent prefix), so
	// Ratio[threadIdx] is directly the max threads observed on a single
	// core — no further division needed.
	if threadIdx >= 0 {
		t.ThreadsPerCore = t.Ratio[threadIdx]
	} else {
		t.ThreadsPerCore = 1
	}
	if t.ThreadsPerCore < 1 {
		t.ThreadsPerCore = 1
	}

	if coreIdx >= 0 {
		t.CoresPerPkg = t.Count[coreIdx]
		if sockIdx >= 0 && t.Count[sockIdx] > 0 {
			t.CoresPerPkg = t.Count[coreIdx] / t.Count[sockIdx]
			if t.CoresPerPkg < 1 {
				t.CoresPerPkg = 1
			}
		}
	}
	if sockIdx >= 0 {
		t.NumPackages = t.Count[sockIdx]
	} else {
		t.NumPackages = 1
	}
}

// aliasLLC is step 7: equivalent[LLC] is whichever real cache layer is
// innermost (L3 -> L2 -> L1), falling back to SOCKET then CORE. The order
// is observable through the equivalence map and, per spec.md §9, must not
// be altered silently by an implementer.
func (t *Topology) aliasLLC() {
	for _, cache := range []LayerKind{L3, L2, L1} {
		if t.HasLayer(cache) {
			t.Equivalent[LLC] = cache
			return
		}
	}
	if t.HasLayer(Socket) {
		t.Equivalent[LLC] = Socket
		return
	}
	t.Equivalent[LLC] = Core
}
