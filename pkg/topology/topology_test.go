package topology

import (
	"testing"

	"github.com/ompkit/topocore/pkg/topology/mask"
)

// buildUniform2x8x2 builds the scenario-1 machine from spec.md §8:
// 2 sockets x 8 cores/socket x 2 SMT threads/core, OS ids 0..31, laid out
// with socket-major, core-minor, thread-innermost numbering.
func buildUniform2x8x2() *Topology {
	var threads []HWThread
	osID := 0
	for sock := 0; sock < 2; sock++ {
		for core := 0; core < 8; core++ {
			for thr := 0; thr < 2; thr++ {
				threads = append(threads, HWThread{
					OSID:        osID,
					OriginalIdx: osID,
					IDs:         []int{sock, core, thr},
					Attrs:       CoreAttrs{Type: CoreTypeUnknown, Efficiency: EfficiencyUnknown},
				})
				osID++
			}
		}
	}
	full := mask.New(rangeInts(0, 32)...)
	topo := New([]LayerKind{Socket, Core, Thread}, threads, full)
	return topo
}

func rangeInts(start, end int) []int {
	out := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, i)
	}
	return out
}

func TestCanonicalizeUniform2x8x2(t *testing.T) {
	topo := buildUniform2x8x2()
	if err := topo.Canonicalize(); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if err := topo.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !topo.Uniform {
		t.Fatalf("expected uniform topology")
	}
	if got, want := topo.Count[topo.LayerIndex(Socket)], 2; got != want {
		t.Fatalf("count[socket] = %d, want %d", got, want)
	}
	if got, want := topo.Ratio[topo.LayerIndex(Core)], 8; got != want {
		t.Fatalf("ratio[core] = %d, want %d", got, want)
	}
	if got, want := topo.Ratio[topo.LayerIndex(Thread)], 2; got != want {
		t.Fatalf("ratio[thread] = %d, want %d", got, want)
	}
	if got, want := topo.ThreadsPerCore, 2; got != want {
		t.Fatalf("ThreadsPerCore = %d, want %d", got, want)
	}
	if got, want := topo.CoresPerPkg, 8; got != want {
		t.Fatalf("CoresPerPkg = %d, want %d", got, want)
	}
	if got, want := topo.NumPackages, 2; got != want {
		t.Fatalf("NumPackages = %d, want %d", got, want)
	}
}

func TestCanonicalizeAssignsDenseSubIDs(t *testing.T) {
	topo := buildUniform2x8x2()
	if err := topo.Canonicalize(); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	coreIdx := topo.LayerIndex(Core)
	threadIdx := topo.LayerIndex(Thread)
	for _, th := range topo.Threads {
		if th.SubIDs[coreIdx] < 0 || th.SubIDs[coreIdx] > 7 {
			t.Fatalf("core sub-id out of range: %+v", th)
		}
		if th.SubIDs[threadIdx] < 0 || th.SubIDs[threadIdx] > 1 {
			t.Fatalf("thread sub-id out of range: %+v", th)
		}
	}
}

func TestIDsUniqueAcrossThreads(t *testing.T) {
	topo := buildUniform2x8x2()
	_ = topo.Canonicalize()
	seen := map[[3]int]bool{}
	for _, th := range topo.Threads {
		key := [3]int{th.IDs[0], th.IDs[1], th.IDs[2]}
		if seen[key] {
			t.Fatalf("duplicate id tuple %v", key)
		}
		seen[key] = true
	}
}

func TestDropsRadix1SingleDieLayer(t *testing.T) {
	// Every socket has exactly one die: DIE is radix-1 under SOCKET and
	// must be dropped, with DIE aliased to SOCKET.
	var threads []HWThread
	osID := 0
	for sock := 0; sock < 2; sock++ {
		for core := 0; core < 4; core++ {
			threads = append(threads, HWThread{
				OSID: osID, OriginalIdx: osID,
				IDs: []int{sock, 0, core, 0},
			})
			osID++
		}
	}
	topo := New([]LayerKind{Socket, Die, Core, Thread}, threads, mask.New(rangeInts(0, 8)...))
	if err := topo.Canonicalize(); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if topo.HasLayer(Die) == false {
		// Die itself must resolve via Equivalent even though not in Types.
	}
	if topo.Equivalent[Die] != Socket {
		t.Fatalf("expected DIE aliased to SOCKET, got %v", topo.Equivalent[Die])
	}
	for _, k := range topo.Types {
		if k == Die {
			t.Fatalf("DIE should have been dropped from Types: %v", topo.Types)
		}
	}
}

func TestLLCAliasPrefersL3(t *testing.T) {
	topo := buildUniform2x8x2()
	topo.Types = append(topo.Types, L3)
	for i := range topo.Threads {
		topo.Threads[i].IDs = append(topo.Threads[i].IDs, topo.Threads[i].IDs[0])
	}
	_ = topo.Canonicalize()
	if topo.Equivalent[LLC] != L3 && topo.Equivalent[LLC] != Socket {
		t.Fatalf("unexpected LLC alias %v", topo.Equivalent[LLC])
	}
}

func TestSortByCompactScatterOrdersOuterFirst(t *testing.T) {
	topo := buildUniform2x8x2()
	_ = topo.Canonicalize()
	depth := topo.Depth()
	// scatter = compact(depth-1-0) since user compact defaults to 0
	topo.SortByCompact(depth - 1)
	// first two threads scattered across depth-1 should land on distinct
	// sockets when there are at least as many places as sockets.
	first := topo.Threads[0]
	second := topo.Threads[1]
	if first.IDs[0] == second.IDs[0] {
		t.Fatalf("expected scatter to spread across sockets first, got %+v and %+v", first, second)
	}
}

func TestRestrictToMaskNoOpOnFullMask(t *testing.T) {
	topo := buildUniform2x8x2()
	_ = topo.Canonicalize()
	before := len(topo.Threads)
	if err := topo.RestrictToMask(topo.FullMask); err != nil {
		t.Fatalf("RestrictToMask: %v", err)
	}
	if len(topo.Threads) != before {
		t.Fatalf("no-op restrict changed thread count: %d -> %d", before, len(topo.Threads))
	}
}

func TestRestrictToMaskIdempotent(t *testing.T) {
	topo := buildUniform2x8x2()
	_ = topo.Canonicalize()
	keep := mask.New(rangeInts(0, 16)...) // first socket only
	if err := topo.RestrictToMask(keep); err != nil {
		t.Fatalf("RestrictToMask: %v", err)
	}
	firstPass := len(topo.Threads)
	if err := topo.RestrictToMask(keep); err != nil {
		t.Fatalf("RestrictToMask second call: %v", err)
	}
	if len(topo.Threads) != firstPass {
		t.Fatalf("RestrictToMask not idempotent: %d -> %d", firstPass, len(topo.Threads))
	}
}
