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
	"math/bits"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// LegacyAPICSource is the CPUID-1/CPUID-4 collaborator for pre-x2APIC
// processors (spec.md §4.2 item 3): for the processor currently bound via
// ThreadBinder, report its 8-bit legacy APIC id and the package-wide
// max-cores/max-threads figures CPUID leaf 1/4 expose.
type LegacyAPICSource interface {
	Supported() bool
	APICID() (uint8, error)
	MaxCoresPerPackage() (int, error)
	MaxThreadsPerPackage() (int, error)
}

// LegacyAPICBackend implements spec.md §4.2 item 3: a two-level
// (package, core, thread) derivation from the 8-bit legacy APIC id.
type LegacyAPICBackend struct {
	Source LegacyAPICSource
}

func (LegacyAPICBackend) Method() Method { return MethodLegacyAPIC }

func (b LegacyAPICBackend) Discover(full mask.Mask, binder ThreadBinder) (*topology.Topology, error) {
	if !b.Source.Supported() {
		return nil, Fail(ApicNotPresent, "legacy apic: cpuid leaf 1 not present")
	}

	type rec struct {
		osID                          int
		apicID                        uint8
		maxCoresPerPkg, maxThreadsPkg int
	}
	var recs []rec
	for _, osID := range full.List() {
		restore, err := binder.BindSelf(osID)
		if err != nil {
			return nil, Fail(ApicNotPresent, "legacy apic: bind os id %d: %v", osID, err)
		}
		apicID, aErr := b.Source.APICID()
		maxCores, cErr := b.Source.MaxCoresPerPackage()
		maxThreads, tErr := b.Source.MaxThreadsPerPackage()
		restore()
		if aErr != nil || cErr != nil || tErr != nil {
			return nil, Fail(ApicNotPresent, "legacy apic: read os id %d failed", osID)
		}
		recs = append(recs, rec{osID, apicID, maxCores, maxThreads})
	}
	if len(recs) == 0 {
		return nil, Fail(UnknownTopology, "legacy apic: no processors in full mask")
	}

	// Validate per-package consistency of max-cores/max-threads.
	firstCores, firstThreads := recs[0].maxCoresPerPkg, recs[0].maxThreadsPkg
	for _, r := range recs {
		if r.maxCoresPerPkg != firstCores || r.maxThreadsPkg != firstThreads {
			return nil, Fail(InconsistentCpuidInfo, "legacy apic: inconsistent max-cores/max-threads across processors")
		}
	}

	threadWidth := ceilLog2(firstThreads)
	coreWidth := ceilLog2(firstCores)

	threads := make([]topology.HWThread, 0, len(recs))
	seen := map[[3]int]bool{}
	for i, r := range recs {
		threadID := int(r.apicID) & ((1 << threadWidth) - 1)
		coreID := int(r.apicID>>threadWidth) & ((1 << coreWidth) - 1)
		pkgID := int(r.apicID) >> (threadWidth + coreWidth)
		key := [3]int{pkgID, coreID, threadID}
		if seen[key] {
			return nil, Fail(LegacyApicIDsNotUnique, "legacy apic: duplicate (pkg,core,thread)=%v", key)
		}
		seen[key] = true
		threads = append(threads, topology.HWThread{
			OSID:        r.osID,
			OriginalIdx: i,
			IDs:         []int{pkgID, coreID, threadID},
			Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
		})
	}

	topo := topology.New([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, topology.FullMaskFromThreads(threads))
	if err := topo.Canonicalize(); err != nil {
		return nil, err
	}
	return topo, nil
}

// ceilLog2 returns ceil(log2(n)) for n >= 1, with ceilLog2(1) == 0.
func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}
