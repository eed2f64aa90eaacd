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

// Package affinity implements the binding engine: turning a resolved place
// list into per-thread OS bindings, plus the small set of public entry
// points ordinary runtime code uses to read or force a thread's affinity.
//
// A process typically carries two distinct Configs — one for user threads,
// one for the hidden-helper thread team — each produced from its own
// OMP_PLACES/OMP_PROC_BIND/GOMP_CPU_AFFINITY settings but sharing the same
// underlying Topology.
package affinity

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ompkit/topocore/pkg/affinity/balanced"
	"github.com/ompkit/topocore/pkg/places"
	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// Type is the bind policy a Config was initialized with.
type Type int

const (
	TypeNone Type = iota
	TypeExplicit
	TypeLogical
	TypePhysical
	TypeScatter
	TypeCompact
	TypeBalanced
	TypeDisabled
)

// Flags are the boolean knobs of spec.md §6.5 that don't otherwise have a
// dedicated Config field.
type Flags struct {
	Verbose        bool
	Respect        bool // don't expand beyond the process-initial mask
	Warnings       bool
	Dups           bool // one place per thread rather than per leader
	OMPPlaces      bool // OMP_PLACES, not GOMP_CPU_AFFINITY, supplied the layout
	CoreTypesGran  bool
	CoreEffsGran   bool
	initialized    bool
}

// Config is one affinity configuration (spec.md §3's "Affinity
// configuration"): the knobs that produced a place list, and the place
// list itself once Init has run.
type Config struct {
	Type          Type
	Granularity   places.Granularity
	CoreAttrGran  []topology.CoreAttrs
	ProcList      string // used only when Type == TypeExplicit and !Flags.OMPPlaces
	PlaceListText string // used only when Type == TypeExplicit and Flags.OMPPlaces
	Offset        int
	Compact       int
	Flags         Flags
	NumThreads    int // only consulted when Type == TypeBalanced

	// Outputs, populated by Init.
	NumMasks   int
	Masks      []mask.Mask
	OSIDMasks  map[int]mask.Mask // os_id -> the group mask it belongs to
}

// Init resolves Config's knobs into Masks, following spec.md §4.4: build
// the explicit/abstract place list first, then — unless Type is explicit —
// run the granularity/policy machinery in pkg/places. os_id_masks is
// derived from Masks before Init returns, matching the "os_id_masks
// produced before masks" ordering note only in the sense that both are
// ready together by the time a caller can observe either.
func (c *Config) Init(topo *topology.Topology) error {
	var built []mask.Mask
	var err error

	switch c.Type {
	case TypeNone, TypeDisabled:
		built = []mask.Mask{topo.FullMask}
	case TypeExplicit:
		built, err = c.initExplicit(topo)
	case TypeBalanced:
		gran := balanced.Coarse
		if c.Granularity.Layer == topology.Thread {
			gran = balanced.Fine
		}
		built, err = balanced.Assign(topo, c.NumThreads, gran)
	default:
		built, err = places.Build(topo, places.Request{
			Granularity: c.Granularity,
			Policy:      c.policy(),
			UserCompact: c.Compact,
			UserOffset:  c.Offset,
			NumPlaces:   0,
			Dups:        c.Flags.Dups,
		})
	}
	if err != nil {
		return errors.Wrap(err, "affinity: config init")
	}
	if len(built) == 0 {
		klog.Warningf("affinity: config produced no places, degrading to none")
		built = []mask.Mask{topo.FullMask}
		c.Type = TypeNone
	}

	c.Masks = built
	c.NumMasks = len(built)
	c.OSIDMasks = make(map[int]mask.Mask, len(built))
	for _, m := range built {
		for _, id := range m.List() {
			c.OSIDMasks[id] = m
		}
	}
	c.Flags.initialized = true
	return nil
}

func (c *Config) initExplicit(topo *topology.Topology) ([]mask.Mask, error) {
	if c.Flags.OMPPlaces {
		pl, err := places.ParsePlaceList(c.PlaceListText)
		if err != nil {
			return nil, err
		}
		if pl.AbstractName != "" {
			g, err := places.ParseGranularity(pl.AbstractName)
			if err != nil {
				return nil, err
			}
			built, err := places.Build(topo, places.Request{
				Granularity: g,
				Policy:      places.PolicyLogical,
				NumPlaces:   pl.NumPlaces,
				Dups:        c.Flags.Dups,
			})
			if err != nil {
				return nil, err
			}
			if pl.ReplCount == 0 || len(built) == 0 {
				return built, nil
			}
			return replicateAcrossOrderedThreads(topo, built[0], pl.ReplCount, pl.ReplStride), nil
		}
		out := make([]mask.Mask, 0, len(pl.Explicit))
		for _, m := range pl.Explicit {
			if pl.Complement {
				m = m.Complement(topo.NumOSIDMasks()).Intersect(topo.FullMask)
			}
			restricted := m.Intersect(topo.FullMask)
			if restricted.Empty() {
				klog.Warningf("affinity: explicit place %s has no bits in the process mask, dropping it", m.String())
				continue
			}
			out = append(out, restricted)
		}
		return out, nil
	}

	proclist, err := places.ParseProcList(c.ProcList)
	if err != nil {
		return nil, err
	}
	out := make([]mask.Mask, 0, len(proclist))
	for _, m := range proclist {
		restricted := m.Intersect(topo.FullMask)
		if restricted.Empty() {
			klog.Warningf("affinity: proclist place %s has no bits in the process mask, dropping it", m.String())
			continue
		}
		out = append(out, restricted)
	}
	return out, nil
}

// replicateAcrossOrderedThreads implements the "threads(n):count:stride"
// shorthand of spec.md §6.3: base is the first resolved abstract place,
// and each of the count generated places shifts every one of base's ids
// by k*stride positions through the topology's canonically-ordered
// thread list. A shift landing outside the ordered list is dropped
// silently, except the last requested copy, which warns — matching
// OMP_PLACES's own "trailing replica ran off the end" diagnostic.
func replicateAcrossOrderedThreads(topo *topology.Topology, base mask.Mask, count, stride int) []mask.Mask {
	ordered := make([]int, len(topo.Threads))
	indexOf := make(map[int]int, len(topo.Threads))
	for i, th := range topo.Threads {
		ordered[i] = th.OSID
		indexOf[th.OSID] = i
	}

	out := make([]mask.Mask, 0, count)
	for k := 0; k < count; k++ {
		var shiftedIDs []int
		for _, id := range base.List() {
			pos, ok := indexOf[id]
			if !ok {
				continue
			}
			newPos := pos + k*stride
			if newPos < 0 || newPos >= len(ordered) {
				continue
			}
			shiftedIDs = append(shiftedIDs, ordered[newPos])
		}
		if len(shiftedIDs) == 0 {
			if k == count-1 {
				klog.Warningf("affinity: replicated place %d of %d fell outside the ordered thread list, dropping it", k, count)
			}
			continue
		}
		out = append(out, mask.New(shiftedIDs...))
	}
	return out
}

func (c *Config) policy() places.Policy {
	switch c.Type {
	case TypePhysical:
		return places.PolicyPhysical
	case TypeScatter:
		return places.PolicyScatter
	case TypeCompact:
		return places.PolicyCompact
	default:
		return places.PolicyLogical
	}
}
