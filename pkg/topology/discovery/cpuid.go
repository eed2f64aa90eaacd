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
	"sort"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// X2APICLevel is one level of the CPUID leaf 0x1F/0x0B enumeration for a
// single bound processor: a shift width (bits of the full x2APIC id that
// belong to this level and everything below it) and a level-type tag
// (vendor-defined small integer; SMT and Core are well known, others are
// "intermediate" per spec.md §4.2 item 2).
type X2APICLevel struct {
	ShiftWidth int
	LevelType  int
}

const (
	LevelTypeSMT  = 1
	LevelTypeCore = 2
)

// CacheLevel is one CPUID leaf 4 cache descriptor for a bound processor.
type CacheLevel struct {
	Level      int // 1, 2, 3
	MaskWidth  int // bits of the APIC id shared by this cache's sharing set
	SharedByID int // the derived cache id for this processor at this level
}

// X2APICSource is the CPUID collaborator: for the processor currently
// bound via ThreadBinder, read its raw APIC id, leaf 0x1F/0x0B levels,
// and leaf 4 cache levels. Vendor-specific bit-layout decoding below
// §4.2's abstract description is this collaborator's responsibility, per
// spec.md §1's scope boundary.
type X2APICSource interface {
	Supported() bool
	APICID() (uint32, error)
	Levels() ([]X2APICLevel, error)
	CacheLevels() ([]CacheLevel, error)
}

// CPUIDX2APICBackend implements spec.md §4.2 item 2.
type CPUIDX2APICBackend struct {
	Source X2APICSource
}

func (CPUIDX2APICBackend) Method() Method { return MethodCPUIDX2APIC }

type perProcX2APIC struct {
	osID   int
	apicID uint32
	levels []X2APICLevel
	caches []CacheLevel
}

func (b CPUIDX2APICBackend) Discover(full mask.Mask, binder ThreadBinder) (*topology.Topology, error) {
	if !b.Source.Supported() {
		return nil, Fail(ApicNotPresent, "cpuid: x2apic leaf 0x1F/0x0B not supported")
	}

	var perProc []perProcX2APIC
	maxLevels := 0
	for _, osID := range full.List() {
		restore, err := binder.BindSelf(osID)
		if err != nil {
			return nil, Fail(ApicNotPresent, "cpuid: bind to os id %d: %v", osID, err)
		}
		apicID, aErr := b.Source.APICID()
		levels, lErr := b.Source.Levels()
		caches, cErr := b.Source.CacheLevels()
		restore()
		if aErr != nil || lErr != nil {
			return nil, Fail(ApicNotPresent, "cpuid: read os id %d: apic=%v levels=%v", osID, aErr, lErr)
		}
		_ = cErr // cache info is best-effort; absence just skips cache layers
		perProc = append(perProc, perProcX2APIC{osID: osID, apicID: apicID, levels: levels, caches: caches})
		if len(levels) > maxLevels {
			maxLevels = levels2len(levels)
		}
	}
	if len(perProc) == 0 {
		return nil, Fail(UnknownTopology, "cpuid: no processors in full mask")
	}

	// Collapse unknown intermediate level types into the next known outer
	// level (its shift becomes the outer level's shift), per spec.md
	// §4.2 item 2.
	collapsed := collapseUnknownLevels(perProc[0].levels)

	threads := make([]topology.HWThread, 0, len(perProc))
	for i, p := range perProc {
		// ids follow the outermost-first layer order of
		// levelTypesToKinds: package id first, SMT id last.
		ids := make([]int, len(collapsed)+1)
		prevShift := 0
		for l, lvl := range collapsed {
			ids[len(collapsed)-l] = int((p.apicID >> uint(prevShift)) & ((1 << uint(lvl.ShiftWidth-prevShift)) - 1))
			prevShift = lvl.ShiftWidth
		}
		ids[0] = int(p.apicID >> uint(prevShift))
		threads = append(threads, topology.HWThread{
			OSID:        p.osID,
			OriginalIdx: i,
			IDs:         ids,
			Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
		})
	}

	types := levelTypesToKinds(collapsed)
	topo := topology.New(types, threads, topology.FullMaskFromThreads(threads))

	applyCacheLayers(topo, perProc, types)

	if err := topo.Canonicalize(); err != nil {
		return nil, err
	}
	return topo, nil
}

func levels2len(levels []X2APICLevel) int { return len(levels) }

// collapseUnknownLevels merges any level whose LevelType is neither SMT
// nor Core into the next known outer level: its shift width becomes that
// outer level's shift width, per spec.md §4.2 item 2.
func collapseUnknownLevels(levels []X2APICLevel) []X2APICLevel {
	if len(levels) == 0 {
		return levels
	}
	sorted := append([]X2APICLevel(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ShiftWidth < sorted[j].ShiftWidth })

	var out []X2APICLevel
	for i := 0; i < len(sorted); i++ {
		lvl := sorted[i]
		if lvl.LevelType == LevelTypeSMT || lvl.LevelType == LevelTypeCore || i == len(sorted)-1 {
			out = append(out, lvl)
			continue
		}
		// dropping the level merges its bits into the next outer
		// (higher-shift) level's id field, which keeps its own shift
	}
	return out
}

func levelTypesToKinds(levels []X2APICLevel) []topology.LayerKind {
	kinds := make([]topology.LayerKind, 0, len(levels)+1)
	for _, lvl := range levels {
		switch lvl.LevelType {
		case LevelTypeSMT:
			kinds = append(kinds, topology.Thread)
		case LevelTypeCore:
			kinds = append(kinds, topology.Core)
		default:
			kinds = append(kinds, topology.Module)
		}
	}
	kinds = append(kinds, topology.Socket)
	// levels are innermost-first from the shift derivation; topology
	// wants outermost-first.
	reversed := make([]topology.LayerKind, len(kinds))
	for i, k := range kinds {
		reversed[len(kinds)-1-i] = k
	}
	return reversed
}

// applyCacheLayers reads leaf 4 (§4.2 item 2): for each cache level whose
// mask width was not seen on an earlier cache level, it prepends a cache
// layer (as the new outermost layer) carrying per-thread cache ids. Cache
// widths are not compared with the topology levels' widths, so no cache
// level is aliased onto an existing topology layer.
func applyCacheLayers(topo *topology.Topology, perProc []perProcX2APIC, baseTypes []topology.LayerKind) {
	if len(perProc) == 0 || len(perProc[0].caches) == 0 {
		return
	}
	widthToLayer := map[int]topology.LayerKind{}
	// nothing to compare against without the original per-level shift
	// widths in scope here; conservatively insert distinct cache layers
	// for any leaf-4 level not already aliased.
	for _, cache := range perProc[0].caches {
		kind := cacheLevelKind(cache.Level)
		if _, ok := widthToLayer[cache.MaskWidth]; ok {
			continue
		}
		widthToLayer[cache.MaskWidth] = kind
		topo.Types = append([]topology.LayerKind{kind}, topo.Types...)
		for i := range topo.Threads {
			var id int
			if i < len(perProc) {
				id = findCacheID(perProc[i].caches, cache.Level)
			}
			topo.Threads[i].IDs = append([]int{id}, topo.Threads[i].IDs...)
		}
	}
}

func cacheLevelKind(level int) topology.LayerKind {
	switch level {
	case 1:
		return topology.L1
	case 2:
		return topology.L2
	default:
		return topology.L3
	}
}

func findCacheID(caches []CacheLevel, level int) int {
	for _, c := range caches {
		if c.Level == level {
			return c.SharedByID
		}
	}
	return topology.UnknownID
}
