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

// Package balanced implements the "balanced" affinity type: spreading
// nthreads as evenly as possible across the cores of a topology that may
// not have the same number of SMT siblings on every core. pkg/places
// can't characterize this with a single compact/offset pair, so it is
// handled on its own, one core-sized accumulator per core rather than one
// flat place list.
package balanced

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/ompkit/topocore/pkg/places"
	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// Granularity selects whether Assign emits one bit per thread (Fine) or
// the whole owning core's mask (Coarse) for each assigned tid.
type Granularity int

const (
	Fine Granularity = iota
	Coarse
)

// coreAccumulator collects the OS ids belonging to one core, in discovery
// order, and finalizes into a mask the same way a cpu accumulator turns a
// set of logical-processor ids into a cpuset: accumulate, then Result.
type coreAccumulator struct {
	osIDs []int
}

func (ca *coreAccumulator) add(osID int) {
	ca.osIDs = append(ca.osIDs, osID)
}

func (ca *coreAccumulator) mask() mask.Mask {
	return mask.New(ca.osIDs...)
}

// Assign implements spec.md §4.7: distribute nthreads across the cores of
// topo as evenly as possible, returning one mask per thread id (tid is the
// result's index). For a uniform topology this is the closed-form
// chunk/big formula; for a non-uniform one it is the procarr fill.
func Assign(topo *topology.Topology, nthreads int, gran Granularity) ([]mask.Mask, error) {
	if nthreads <= 0 {
		return nil, errors.Errorf("balanced: nthreads must be positive, got %d", nthreads)
	}
	cores, err := coresByOSID(topo)
	if err != nil {
		return nil, err
	}
	ncores := len(cores)
	if ncores == 0 {
		return nil, errors.New("balanced: topology has no cores")
	}

	if topo.Uniform {
		return assignUniform(cores, topo.ThreadsPerCore, nthreads, gran), nil
	}
	return assignNonUniform(cores, nthreads, gran), nil
}

// coresByOSID groups threads into one coreAccumulator per core, in
// canonical (by-ids) order, mirroring the ordering pkg/places groups by
// before any policy-driven re-sort — balanced never reorders by policy.
func coresByOSID(topo *topology.Topology) ([]*coreAccumulator, error) {
	groups, err := places.BuildOSIDMaskTable(topo, topology.Core, nil)
	if err != nil {
		return nil, errors.Wrap(err, "balanced: grouping cores")
	}
	cores := make([]*coreAccumulator, 0, len(groups))
	for _, g := range groups {
		ids := g.Mask.List()
		sort.Ints(ids)
		ca := &coreAccumulator{osIDs: ids}
		cores = append(cores, ca)
	}
	return cores, nil
}

// assignUniform implements the chunk/big formula: every core has exactly
// nthPerCore SMT siblings.
func assignUniform(cores []*coreAccumulator, nthPerCore, nthreads int, gran Granularity) []mask.Mask {
	ncores := len(cores)
	chunk := nthreads / ncores
	big := nthreads % ncores

	result := make([]mask.Mask, nthreads)
	for tid := 0; tid < nthreads; tid++ {
		var core, sub int
		if tid < big*(chunk+1) {
			core = tid / (chunk + 1)
			sub = (tid % (chunk + 1)) % nthPerCore
		} else {
			core = (tid - big) / chunk
			sub = ((tid - big) % chunk) % nthPerCore
		}
		result[tid] = resolvePlace(cores[core], sub, gran)
	}
	return result
}

// assignNonUniform implements the procarr fill for cores with differing
// SMT sibling counts: procarr[core][col] is core's col'th OS id, or -1 if
// that core has fewer than col+1 siblings.
func assignNonUniform(cores []*coreAccumulator, nthreads int, gran Granularity) []mask.Mask {
	ncores := len(cores)
	maxPerCore := 0
	for _, c := range cores {
		if len(c.osIDs) > maxPerCore {
			maxPerCore = len(c.osIDs)
		}
	}
	procarr := make([][]int, ncores)
	for i, c := range cores {
		procarr[i] = make([]int, maxPerCore)
		for col := range procarr[i] {
			if col < len(c.osIDs) {
				procarr[i][col] = c.osIDs[col]
			} else {
				procarr[i][col] = -1
			}
		}
	}

	availProc := 0
	for _, c := range cores {
		availProc += len(c.osIDs)
	}

	result := make([]mask.Mask, 0, nthreads)
	switch {
	case nthreads == availProc:
		for _, c := range cores {
			for _, id := range c.osIDs {
				result = append(result, resolveOSID(cores, id, gran))
			}
		}
	case nthreads <= ncores:
		for core := 0; core < ncores && len(result) < nthreads; core++ {
			if len(cores[core].osIDs) == 0 {
				continue
			}
			result = append(result, resolvePlace(cores[core], 0, gran))
		}
	default:
		for col := 0; len(result) < nthreads; col = (col + 1) % maxPerCore {
			for core := 0; core < ncores && len(result) < nthreads; core++ {
				if procarr[core][col] == -1 {
					continue
				}
				result = append(result, resolvePlace(cores[core], col, gran))
			}
		}
	}
	return result
}

func resolvePlace(core *coreAccumulator, sub int, gran Granularity) mask.Mask {
	if gran == Coarse {
		return core.mask()
	}
	if sub >= len(core.osIDs) {
		sub = sub % len(core.osIDs)
	}
	return mask.New(core.osIDs[sub])
}

func resolveOSID(cores []*coreAccumulator, osID int, gran Granularity) mask.Mask {
	if gran == Fine {
		return mask.New(osID)
	}
	for _, c := range cores {
		for _, id := range c.osIDs {
			if id == osID {
				return c.mask()
			}
		}
	}
	return mask.New(osID)
}
