package discovery

import (
	"testing"

	"github.com/ompkit/topocore/pkg/topology/mask"
)

func TestFlatBackendAlwaysSucceeds(t *testing.T) {
	full := mask.New(0, 1, 2, 3)
	topo, err := FlatBackend{}.Discover(full, nil)
	if err != nil {
		t.Fatalf("FlatBackend.Discover: %v", err)
	}
	if len(topo.Threads) != 4 {
		t.Fatalf("expected 4 threads, got %d", len(topo.Threads))
	}
}

func TestDriverFallsThroughToFlat(t *testing.T) {
	d := NewDriver(map[Method]Backend{
		MethodFlat: FlatBackend{},
	})
	full := mask.New(0, 1, 2, 3)
	topo, err := d.Discover(full, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(topo.Threads) != 4 {
		t.Fatalf("expected 4 threads, got %d", len(topo.Threads))
	}
}

func TestDriverSynthesizesWhenAllFail(t *testing.T) {
	d := NewDriver(map[Method]Backend{}).WithSynthetic(SyntheticCounts{Packages: 1, CoresPerPkg: 2, ThreadsPerCore: 2})
	full := mask.New(0, 1, 2, 3)
	topo, err := d.Discover(full, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(topo.Threads) != 4 {
		t.Fatalf("expected 4 synthetic threads, got %d", len(topo.Threads))
	}
}

func TestDriverPinFailsHard(t *testing.T) {
	d := NewDriver(map[Method]Backend{})
	d.Pin(MethodHwloc)
	full := mask.New(0, 1)
	if _, err := d.Discover(full, nil); err == nil {
		t.Fatalf("expected pinned backend failure to be fatal")
	}
}

func TestMessageIDSentinelComparison(t *testing.T) {
	err := Fail(NoProcRecords, "boom")
	if !Is(err, NoProcRecords) {
		t.Fatalf("expected Is to match NoProcRecords")
	}
	if Is(err, TooManyProcRecords) {
		t.Fatalf("did not expect match against unrelated sentinel")
	}
}
