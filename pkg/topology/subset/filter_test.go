package subset

import (
	"testing"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// buildUniform2x8x2 mirrors spec.md §8 scenario 1: 2 sockets x 8 cores x
// 2 SMT threads, OS ids 0..31, socket-major/core-minor/thread-innermost.
func buildUniform2x8x2(t *testing.T) *topology.Topology {
	t.Helper()
	var threads []topology.HWThread
	osID := 0
	for sock := 0; sock < 2; sock++ {
		for core := 0; core < 8; core++ {
			for thr := 0; thr < 2; thr++ {
				threads = append(threads, topology.HWThread{
					OSID:        osID,
					OriginalIdx: osID,
					IDs:         []int{sock, core, thr},
					Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
				})
				osID++
			}
		}
	}
	ids := make([]int, 0, 32)
	for i := 0; i < 32; i++ {
		ids = append(ids, i)
	}
	topo := topology.New([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, mask.New(ids...))
	if err := topo.Canonicalize(); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	return topo
}

// spec.md §8 scenario 3: "1@1 sockets, 4 cores" against the 2x8x2 uniform
// topology keeps only the second socket's first four cores, both threads.
func TestApplySocketAndCoreSubset(t *testing.T) {
	topo := buildUniform2x8x2(t)
	items, err := ParseHWSubset("1@1sockets,4cores")
	if err != nil {
		t.Fatalf("ParseHWSubset: %v", err)
	}
	if err := Apply(topo, items); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(topo.Threads) != 8 {
		t.Fatalf("expected 8 surviving threads (4 cores x 2 threads), got %d", len(topo.Threads))
	}
	for _, th := range topo.Threads {
		if th.OSID < 16 {
			t.Fatalf("thread %+v belongs to socket 0, expected only socket 1 to survive", th)
		}
	}
}

// TestApplyModeAbsoluteCountsAcrossWholeTopology exercises spec.md §4.3.3's
// absolute quantification: "4@8cores" is out of range in relative mode
// (ratio is 8 cores per socket), but in absolute mode the core layer is
// numbered 0..15 across both sockets, so offset 8 lands exactly on the
// second socket's first core.
func TestApplyModeAbsoluteCountsAcrossWholeTopology(t *testing.T) {
	topo := buildUniform2x8x2(t)
	items, mode, err := ParseHWSubsetRequest("absolute:4@8cores")
	if err != nil {
		t.Fatalf("ParseHWSubsetRequest: %v", err)
	}
	if mode != Absolute {
		t.Fatalf("expected Absolute mode, got %v", mode)
	}
	if err := ApplyMode(topo, items, mode); err != nil {
		t.Fatalf("ApplyMode: %v", err)
	}
	if len(topo.Threads) != 8 {
		t.Fatalf("expected 8 surviving threads (4 cores x 2 threads), got %d", len(topo.Threads))
	}
	for _, th := range topo.Threads {
		if th.OSID < 16 || th.OSID > 23 {
			t.Fatalf("thread %+v outside expected OS id range [16,23] (socket 1, cores 0-3)", th)
		}
	}
}

// TestApplyModeAbsoluteRejectsRelativeOnlyBound confirms the same "4@8cores"
// request is rejected under the default Relative mode, where the bound is
// the per-socket ratio (8), not the whole-topology count (16).
func TestApplyModeAbsoluteRejectsRelativeOnlyBound(t *testing.T) {
	topo := buildUniform2x8x2(t)
	items, err := ParseHWSubset("4@8cores")
	if err != nil {
		t.Fatalf("ParseHWSubset: %v", err)
	}
	if err := Apply(topo, items); err == nil {
		t.Fatalf("expected relative mode to reject an offset exceeding the per-parent ratio")
	}
}

func TestApplyWildcardKeepsEverything(t *testing.T) {
	topo := buildUniform2x8x2(t)
	before := len(topo.Threads)
	items, err := ParseHWSubset("*sockets,*cores")
	if err != nil {
		t.Fatalf("ParseHWSubset: %v", err)
	}
	if err := Apply(topo, items); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(topo.Threads) != before {
		t.Fatalf("wildcard subset changed thread count: %d -> %d", before, len(topo.Threads))
	}
}

func TestApplyRejectsDuplicateLayerClass(t *testing.T) {
	topo := buildUniform2x8x2(t)
	items := []Item{
		{Layer: topology.Socket, Num: 1},
		{Layer: topology.Socket, Num: 1, Offset: 1},
	}
	if err := Apply(topo, items); err == nil {
		t.Fatalf("expected error for duplicate layer reference")
	}
}

func TestApplyRejectsOutOfRangeCount(t *testing.T) {
	topo := buildUniform2x8x2(t)
	items := []Item{{Layer: topology.Core, Num: 100}}
	if err := Apply(topo, items); err == nil {
		t.Fatalf("expected error for count exceeding ratio")
	}
}

func TestApplyRejectsAttrsOnNonHybrid(t *testing.T) {
	topo := buildUniform2x8x2(t)
	items := []Item{{Layer: topology.Core, Num: 2, Attrs: []Attr{{Kind: AttrIntelCore}}}}
	if err := Apply(topo, items); err == nil {
		t.Fatalf("expected error: core attributes require a hybrid CPU")
	}
}

func TestApplyRejectsAmbiguousMixedCoreItems(t *testing.T) {
	topo := buildHybridUniform(t)
	items := []Item{
		{Layer: topology.Core, Num: 2},
		{Layer: topology.Core, Num: 1, Attrs: []Attr{{Kind: AttrIntelCore}}},
	}
	if err := Apply(topo, items); err == nil {
		t.Fatalf("expected error for duplicate CORE layer reference before attribute ambiguity check")
	}
}

func TestApplyFiltersByCoreAttribute(t *testing.T) {
	topo := buildHybridUniform(t)
	items := []Item{{Layer: topology.Core, Num: UseAll, Attrs: []Attr{{Kind: AttrIntelAtom}}}}
	if err := Apply(topo, items); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, th := range topo.Threads {
		if th.Attrs.Type != topology.Atom {
			t.Fatalf("expected only atom cores to survive, got %+v", th)
		}
	}
}

// TestApplyAttributeOffsetUsesPerAttributeSubID reproduces spec.md §4.3.3
// step 3's per-attribute counter: on a 6-core hybrid part where cores
// alternate P/E/P/E/P/E, the mandatory efficiency-descending tie-break in
// sortByIDs groups all P-cores before all E-cores, so the E-cores' natural
// (all-core) sub-ids are 3,4,5 — not 0,1,2. A bounded attributed request
// must count E-cores independently of that natural numbering, or
// "2@1cores:eff0" silently matches nothing.
func TestApplyAttributeOffsetUsesPerAttributeSubID(t *testing.T) {
	topo := buildHybridInterleavedEff(t)
	items, err := ParseHWSubset("2@1cores:eff0")
	if err != nil {
		t.Fatalf("ParseHWSubset: %v", err)
	}
	if err := Apply(topo, items); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(topo.Threads) != 2 {
		t.Fatalf("expected 2 surviving threads, got %d: %+v", len(topo.Threads), topo.Threads)
	}
	want := map[int]bool{3: true, 5: true}
	for _, th := range topo.Threads {
		if !want[th.OSID] {
			t.Fatalf("unexpected surviving OS id %d, want the 2nd and 3rd E-cores (OS ids 3,5)", th.OSID)
		}
		if th.Attrs.Efficiency != 0 {
			t.Fatalf("thread %+v is not an E-core", th)
		}
	}
}

// buildHybridInterleavedEff is a 1-socket, 6-core, 1-thread hybrid fixture
// with cores discovered in alternating P/E order (core ids 0,2,4 are
// efficiency 1, core ids 1,3,5 are efficiency 0).
func buildHybridInterleavedEff(t *testing.T) *topology.Topology {
	t.Helper()
	var threads []topology.HWThread
	for core := 0; core < 6; core++ {
		eff := 1
		if core%2 == 1 {
			eff = 0
		}
		threads = append(threads, topology.HWThread{
			OSID:        core,
			OriginalIdx: core,
			IDs:         []int{0, core, 0},
			Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: eff},
		})
	}
	topo := topology.New([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, mask.New(0, 1, 2, 3, 4, 5))
	if err := topo.Canonicalize(); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	return topo
}

// buildHybridUniform is a small 1-socket, 4-core, 1-thread hybrid fixture:
// cores 0-1 are "big" (CoreTypeCore), cores 2-3 are "small" (Atom).
func buildHybridUniform(t *testing.T) *topology.Topology {
	t.Helper()
	var threads []topology.HWThread
	for core := 0; core < 4; core++ {
		typ := topology.CoreTypeCore
		if core >= 2 {
			typ = topology.Atom
		}
		threads = append(threads, topology.HWThread{
			OSID:        core,
			OriginalIdx: core,
			IDs:         []int{0, core, 0},
			Attrs:       topology.CoreAttrs{Type: typ, Efficiency: topology.EfficiencyUnknown},
		})
	}
	topo := topology.New([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, mask.New(0, 1, 2, 3))
	if err := topo.Canonicalize(); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	return topo
}
