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
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"

	"github.com/ompkit/topocore/pkg/topology/mask"
)

// Topology is the canonical, process-wide representation of the discovered
// machine. It is built once by a discovery back-end, canonicalized, and
// thereafter treated as a single-writer/many-reader value: restrict_to_mask
// filters it in place, and SortByCompact re-sorts its Threads in place
// (spec.md §5).
type Topology struct {
	// Types holds the ordered layer kinds, outermost first. Depth() is
	// len(Types).
	Types []LayerKind
	// Threads is the dense, canonically-sorted array of hardware-thread
	// records.
	Threads []HWThread

	// Count[l] is the number of distinct id tuples at prefix length l+1.
	Count []int
	// Ratio[l] is the maximum fan-out observed at layer l.
	Ratio []int

	// Equivalent collapses redundant layer kinds onto the "real" layer
	// that subsumes them; Equivalent[k] == k for every k in Types.
	Equivalent map[LayerKind]LayerKind

	// CoreTypesSeen is the distinct hybrid core types observed.
	CoreTypesSeen []CoreType
	// NumCoreEfficiencies is the count of distinct hybrid core
	// efficiencies observed.
	NumCoreEfficiencies int

	// Uniform is true iff product(Ratio) == Count[Depth()-1].
	Uniform bool
	// Compact is the current sort bias, an integer in [0, Depth()].
	Compact int

	// FullMask is the set of OS processors the process is permitted to
	// use. Mutable only during discovery/subset filtering; immutable
	// thereafter.
	FullMask mask.Mask

	// Aggregates filled in by canonicalization (spec.md §4.3.1 step 6).
	ThreadsPerCore int
	CoresPerPkg    int
	NumPackages    int

	osIDIndex map[int]int // os_id -> index into Threads, rebuilt on any filtering
}

// Depth is the number of layers in the canonical representation.
func (t *Topology) Depth() int {
	return len(t.Types)
}

// NumOSIDMasks is max(os_id)+1 across all discovered threads: the bound
// place-array and os-id-indexed structures must respect.
func (t *Topology) NumOSIDMasks() int {
	max := -1
	for _, th := range t.Threads {
		if th.OSID > max {
			max = th.OSID
		}
	}
	return max + 1
}

// IndexOfOSID returns the thread-array index for the given OS id, or -1.
// Implementers must not embed an os_id->thread back-pointer on HWThread
// itself (per spec.md §9): this map is rebuilt whenever filtering changes
// the Threads array, so it alone is allowed to go stale between calls.
func (t *Topology) IndexOfOSID(osID int) int {
	if t.osIDIndex == nil {
		t.rebuildOSIDIndex()
	}
	idx, ok := t.osIDIndex[osID]
	if !ok {
		return -1
	}
	return idx
}

func (t *Topology) rebuildOSIDIndex() {
	t.osIDIndex = make(map[int]int, len(t.Threads))
	for i, th := range t.Threads {
		t.osIDIndex[th.OSID] = i
	}
}

// LayerIndex returns the position of kind within Types, or -1 if absent
// (after resolving through Equivalent).
func (t *Topology) LayerIndex(kind LayerKind) int {
	resolved := t.Resolve(kind)
	for i, k := range t.Types {
		if k == resolved {
			return i
		}
	}
	return -1
}

// Resolve follows the Equivalent map to the "real" layer kind, or returns
// kind unchanged if it has no entry (not yet canonicalized, or genuinely
// absent from this topology).
func (t *Topology) Resolve(kind LayerKind) LayerKind {
	if t.Equivalent == nil {
		return kind
	}
	if real, ok := t.Equivalent[kind]; ok {
		return real
	}
	return kind
}

// HasLayer reports whether kind (after equivalence resolution) appears in
// Types.
func (t *Topology) HasLayer(kind LayerKind) bool {
	return t.LayerIndex(kind) >= 0
}

// New builds an un-canonicalized Topology from discovered types and
// threads. Canonicalize must be called before the invariants of spec.md
// §4.3.1 can be relied upon.
func New(types []LayerKind, threads []HWThread, fullMask mask.Mask) *Topology {
	return &Topology{
		Types:      append([]LayerKind(nil), types...),
		Threads:    threads,
		Equivalent: map[LayerKind]LayerKind{},
		FullMask:   fullMask,
	}
}

// Validate checks the post-canonicalization invariants of spec.md §4.3.1
// and §8. It is meant to run under tests and in verbose/debug builds, not
// on every production call.
func (t *Topology) Validate() error {
	if t.Depth() == 0 {
		return errors.New("topology: depth must be > 0")
	}
	for l := 0; l < t.Depth(); l++ {
		if t.Count[l] <= 0 {
			return errors.Errorf("topology: count[%d] = %d, want > 0", l, t.Count[l])
		}
		if t.Ratio[l] <= 0 {
			return errors.Errorf("topology: ratio[%d] = %d, want > 0", l, t.Ratio[l])
		}
	}
	for _, k := range t.Types {
		if t.Equivalent[k] != k {
			return errors.Errorf("topology: layer %s is not self-equivalent (maps to %s)", k, t.Equivalent[k])
		}
	}
	seen := map[string]int{}
	for i, th := range t.Threads {
		key := idsKey(th.IDs)
		if prev, ok := seen[key]; ok {
			return errors.Errorf("topology: threads %d and %d share id tuple %v", prev, i, th.IDs)
		}
		seen[key] = i
	}
	if !t.HasLayer(Core) {
		return errors.New("topology: CORE layer must exist after canonicalization")
	}
	if !t.HasLayer(Thread) {
		return errors.New("topology: THREAD layer must exist after canonicalization")
	}
	return nil
}

func idsKey(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteByte('|')
		sb.WriteString(strconv.Itoa(id))
	}
	return sb.String()
}

// RestrictToMask rewrites the topology in place to contain only the
// threads whose OS id is a member of keep, per spec.md §4.3.3 step 5. It
// is a no-op when keep already equals FullMask, and applying it twice with
// the same mask equals applying it once (spec.md §8).
func (t *Topology) RestrictToMask(keep mask.Mask) error {
	if keep.Equal(t.FullMask) {
		return nil
	}
	filtered := make([]HWThread, 0, len(t.Threads))
	for _, th := range t.Threads {
		if keep.Test(th.OSID) {
			filtered = append(filtered, th)
		}
	}
	if len(filtered) == 0 {
		return errors.New("topology: restrict_to_mask would remove every processor")
	}
	t.Threads = filtered
	t.FullMask = keep
	t.osIDIndex = nil
	if err := t.Canonicalize(); err != nil {
		return errors.Wrap(err, "topology: re-canonicalize after restrict_to_mask")
	}
	klog.V(2).InfoS("restricted topology to mask", "mask", keep.String(), "threads", len(t.Threads))
	return nil
}

// FullMaskFromThreads derives a mask.Mask covering every thread currently
// in t, useful when a discovery back-end needs to report its own result
// as the new process full mask.
func FullMaskFromThreads(threads []HWThread) mask.Mask {
	ids := make([]int, len(threads))
	for i, th := range threads {
		ids[i] = th.OSID
	}
	return mask.New(ids...)
}

// CPUSet is a convenience accessor returning every OS id currently present
// in the topology as a cpuset.CPUSet, the representation consumers such as
// pkg/affinity exchange.
func (t *Topology) CPUSet() cpuset.CPUSet {
	ids := make([]int, len(t.Threads))
	for i, th := range t.Threads {
		ids[i] = th.OSID
	}
	return cpuset.New(ids...)
}
