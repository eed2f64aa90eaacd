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

// Package discovery implements the topology-discovery back-ends of
// spec.md §4.2: one pure function per back-end, (initial full mask,
// current-thread binder) -> (topology | failure, message id), plus the
// fixed-fallback-order driver that tries each until one succeeds.
package discovery

import (
	"k8s.io/klog/v2"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// ThreadBinder is the external collaborator a back-end uses to migrate the
// discovery thread onto each logical processor in turn (CPUID-style
// back-ends need this to read per-processor state). Implementations must
// be safe to call only from the single, non-reentrant discovery thread.
type ThreadBinder interface {
	// BindSelf pins the calling thread to a single OS processor and
	// returns a restore function the caller must invoke on every exit
	// path (RAII/defer-style scoped acquisition, per spec.md §9).
	BindSelf(osID int) (restore func(), err error)
}

// Backend is a single discovery back-end, named for diagnostics and
// identified by Method() for the top_method override.
type Backend interface {
	Method() Method
	// Discover builds a fresh topology from the processors in full; most
	// back-ends canonicalize it before returning (FlatBackend does not),
	// and Canonicalize may be run on the result again. It must not mutate
	// full.
	Discover(full mask.Mask, binder ThreadBinder) (*topology.Topology, error)
}

// Method names the closed set of discovery back-ends in spec.md §4.2's
// priority order.
type Method string

const (
	MethodHwloc       Method = "hwloc"
	MethodCPUIDX2APIC Method = "cpuid-x2apic"
	MethodLegacyAPIC  Method = "legacy-apic"
	MethodProcCPUInfo Method = "proc-cpuinfo"
	MethodAIXSrad     Method = "aix-srad"
	MethodWinGroups   Method = "windows-groups"
	MethodFlat        Method = "flat"
)

// DefaultOrder is the priority order a default (non-pinned) discovery
// policy tries, per spec.md §4.2.
var DefaultOrder = []Method{
	MethodHwloc,
	MethodCPUIDX2APIC,
	MethodLegacyAPIC,
	MethodProcCPUInfo,
	MethodAIXSrad,
	MethodWinGroups,
	MethodFlat,
}

// SyntheticCounts are the fallback (packages, cores_per_pkg,
// threads_per_core) figures used to fabricate a topology when every
// requested back-end fails (spec.md §7 propagation policy).
type SyntheticCounts struct {
	Packages       int
	CoresPerPkg    int
	ThreadsPerCore int
}

// Positive reports whether every field is > 0, the condition under which
// a synthetic topology may be fabricated.
func (c SyntheticCounts) Positive() bool {
	return c.Packages > 0 && c.CoresPerPkg > 0 && c.ThreadsPerCore > 0
}

// Driver runs the closed set of back-ends in a fixed fallback order (a
// tagged-variant dispatch, per spec.md §9, not virtual dispatch over an
// open set).
type Driver struct {
	backends map[Method]Backend
	order    []Method
	pinned   Method // empty string means "no pin"
	synth    SyntheticCounts
}

// NewDriver builds a Driver over the given backends, trying them in
// DefaultOrder unless a later call to Pin fixes a single one.
func NewDriver(backends map[Method]Backend) *Driver {
	return &Driver{backends: backends, order: DefaultOrder}
}

// Pin restricts the driver to a single back-end (the top_method knob of
// spec.md §6.5): its failure becomes fatal instead of falling through.
func (d *Driver) Pin(method Method) {
	d.pinned = method
}

// WithSynthetic attaches the global counters used to fabricate a topology
// if every remaining back-end fails.
func (d *Driver) WithSynthetic(c SyntheticCounts) *Driver {
	d.synth = c
	return d
}

// Discover runs the driver's policy: try the pinned back-end alone and
// fail hard on error, or try each back-end in order and fall through on
// failure, finally fabricating a synthetic flat topology if the counters
// allow it.
func (d *Driver) Discover(full mask.Mask, binder ThreadBinder) (*topology.Topology, error) {
	if d.pinned != "" {
		b, ok := d.backends[d.pinned]
		if !ok {
			return nil, Fail(UnknownTopology, "discovery: no backend registered for pinned method %q", d.pinned)
		}
		topo, err := b.Discover(full, binder)
		if err != nil {
			return nil, err // pinned back-end failure is always fatal
		}
		return topo, nil
	}

	var lastErr error
	for _, method := range d.order {
		b, ok := d.backends[method]
		if !ok {
			continue
		}
		topo, err := b.Discover(full, binder)
		if err == nil {
			return topo, nil
		}
		klog.V(1).InfoS("discovery backend failed, trying next", "method", method, "err", err)
		lastErr = err
	}

	if d.synth.Positive() {
		klog.Warningf("discovery: all backends failed (%v), fabricating synthetic topology", lastErr)
		return FlatSynthetic(full, d.synth.Packages, d.synth.CoresPerPkg, d.synth.ThreadsPerCore)
	}
	if lastErr == nil {
		lastErr = Fail(UnknownTopology, "discovery: no backends registered")
	}
	return nil, lastErr
}
