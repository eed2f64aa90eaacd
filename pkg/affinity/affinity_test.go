package affinity

import (
	"testing"

	"github.com/ompkit/topocore/pkg/places"
	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

func buildUniform1x4x1(t *testing.T) *topology.Topology {
	t.Helper()
	var threads []topology.HWThread
	for core := 0; core < 4; core++ {
		threads = append(threads, topology.HWThread{
			OSID:        core,
			OriginalIdx: core,
			IDs:         []int{0, core, 0},
			Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
		})
	}
	topo := topology.New([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, mask.New(0, 1, 2, 3))
	if err := topo.Canonicalize(); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	return topo
}

type fakeBinder struct {
	bound       mask.Mask
	lastEnforce bool
}

func (f *fakeBinder) BindThread(osID int) error { return nil }

func (f *fakeBinder) SetSystemAffinity(m mask.Mask, enforce bool) error {
	f.bound = m
	f.lastEnforce = enforce
	return nil
}

func (f *fakeBinder) GetSystemAffinity() (mask.Mask, error) {
	return f.bound, nil
}

func initCoresConfig(t *testing.T, topo *topology.Topology) *Config {
	t.Helper()
	cfg := &Config{
		Type:        TypeLogical,
		Granularity: places.Granularity{Layer: topology.Core},
	}
	if err := cfg.Init(topo); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return cfg
}

func TestConfigInitLogicalCores(t *testing.T) {
	topo := buildUniform1x4x1(t)
	cfg := initCoresConfig(t, topo)
	if cfg.NumMasks != 4 {
		t.Fatalf("expected 4 masks, got %d", cfg.NumMasks)
	}
	for _, id := range []int{0, 1, 2, 3} {
		if _, ok := cfg.OSIDMasks[id]; !ok {
			t.Fatalf("os id %d missing from os_id_masks", id)
		}
	}
}

func TestBindAssignsPlaceFromGTID(t *testing.T) {
	topo := buildUniform1x4x1(t)
	cfg := initCoresConfig(t, topo)
	binder := &fakeBinder{}

	tb, err := Bind(cfg, binder, 2, 0, false, topo.FullMask)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if tb.Place != 2 {
		t.Fatalf("expected place 2, got %d", tb.Place)
	}
	if tb.FirstPlace != 0 || tb.LastPlace != 3 {
		t.Fatalf("expected partition [0,3], got [%d,%d]", tb.FirstPlace, tb.LastPlace)
	}
	if !binder.bound.Equal(tb.Mask) {
		t.Fatalf("binder was not invoked with the chosen place mask")
	}
}

func TestBindAppliesOffsetModuloNumMasks(t *testing.T) {
	topo := buildUniform1x4x1(t)
	cfg := initCoresConfig(t, topo)
	binder := &fakeBinder{}

	tb, err := Bind(cfg, binder, 3, 2, false, topo.FullMask)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if tb.Place != 1 { // (3+2) mod 4 == 1
		t.Fatalf("expected place 1, got %d", tb.Place)
	}
}

func TestBindHiddenHelperThreadsPassThrough(t *testing.T) {
	topo := buildUniform1x4x1(t)
	cfg := initCoresConfig(t, topo)
	binder := &fakeBinder{}

	for _, gtid := range []int{hiddenHelperPrimary, hiddenHelperMain} {
		tb, err := Bind(cfg, binder, gtid, 0, false, topo.FullMask)
		if err != nil {
			t.Fatalf("Bind gtid %d: %v", gtid, err)
		}
		if tb.Place != -1 {
			t.Fatalf("expected hidden helper gtid %d to pass through unbound, got place %d", gtid, tb.Place)
		}
	}
}

func TestBindProcBindOffUsesFullMask(t *testing.T) {
	topo := buildUniform1x4x1(t)
	cfg := initCoresConfig(t, topo)
	binder := &fakeBinder{}

	tb, err := Bind(cfg, binder, 5, 0, true, topo.FullMask)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if tb.Place != 0 {
		t.Fatalf("expected place 0 when OMP_PROC_BIND=off, got %d", tb.Place)
	}
	if !tb.Mask.Equal(topo.FullMask) {
		t.Fatalf("expected full mask when OMP_PROC_BIND=off")
	}
}

func TestBindPlaceValidatesPartition(t *testing.T) {
	topo := buildUniform1x4x1(t)
	cfg := initCoresConfig(t, topo)
	binder := &fakeBinder{}

	tb, err := Bind(cfg, binder, 2, 0, false, topo.FullMask)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := BindPlace(cfg, binder, tb, 3); err != nil {
		t.Fatalf("BindPlace within partition should succeed: %v", err)
	}
	if err := BindPlace(cfg, binder, tb, 99); err == nil {
		t.Fatalf("expected BindPlace to reject an out-of-partition place")
	}
}

func TestSetAffinityRejectsDisjointMask(t *testing.T) {
	topo := buildUniform1x4x1(t)
	cfg := initCoresConfig(t, topo)
	binder := &fakeBinder{}
	tb := &ThreadBinding{bound: true}

	if err := SetAffinity(cfg, binder, tb, mask.New(99), topo.FullMask); err == nil {
		t.Fatalf("expected error for a mask disjoint from the process mask")
	}
}

func TestSetAffinityResetsPlaceRange(t *testing.T) {
	topo := buildUniform1x4x1(t)
	cfg := initCoresConfig(t, topo)
	binder := &fakeBinder{}
	tb := &ThreadBinding{bound: true}

	if err := SetAffinity(cfg, binder, tb, mask.New(1, 2), topo.FullMask); err != nil {
		t.Fatalf("SetAffinity: %v", err)
	}
	if tb.FirstPlace != 0 || tb.LastPlace != cfg.NumMasks-1 {
		t.Fatalf("expected place range reset to [0,%d]", cfg.NumMasks-1)
	}
}

func TestAffinityMaskProcBoundsAndMembership(t *testing.T) {
	topo := buildUniform1x4x1(t)
	full := topo.FullMask
	m := mask.New(0, 1)

	if got := GetAffinityMaskProc(-1, m, full, 4); got != -1 {
		t.Fatalf("expected -1 for negative proc, got %d", got)
	}
	if got := GetAffinityMaskProc(4, m, full, 4); got != -1 {
		t.Fatalf("expected -1 for out-of-range proc, got %d", got)
	}
	if got := GetAffinityMaskProc(0, m, full, 4); got != 1 {
		t.Fatalf("expected 1 for a set, in-range proc, got %d", got)
	}
	if got := GetAffinityMaskProc(3, m, full, 4); got != 0 {
		t.Fatalf("expected 0 for an unset, in-range proc, got %d", got)
	}

	if got := SetAffinityMaskProc(2, true, &m, full, 4); got != 0 {
		t.Fatalf("expected 0 from a valid set, got %d", got)
	}
	if !m.Test(2) {
		t.Fatalf("expected proc 2 to be set after SetAffinityMaskProc")
	}
}
