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

// Package places turns a resolved topology into the list of OS-processor
// masks ("places") OMP_PLACES/OMP_PROC_BIND describe: granularity
// resolution, the GOMP_CPU_AFFINITY and OMP_PLACES grammars, and the
// policy dispatch table (logical/physical/compact/scatter/balanced) that
// turns a granularity into an ordered list of place masks.
package places

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/subset"
)

// Granularity names a place-partitioning layer and an optional hybrid
// core-attribute filter, e.g. "cores" or "cores:intel_core".
type Granularity struct {
	Layer topology.LayerKind
	Attrs []subset.Attr
}

var granularityNames = map[string]topology.LayerKind{
	"threads":      topology.Thread,
	"cores":        topology.Core,
	"ll_caches":    topology.LLC,
	"l3_caches":    topology.L3,
	"l2_caches":    topology.L2,
	"l1_caches":    topology.L1,
	"numa_domains": topology.Numa,
	"sockets":      topology.Socket,
	"proc_groups":  topology.ProcGroup,
}

// ParseGranularity parses one OMP_PLACES granularity name, accepting the
// same `:attr` suffix grammar subset.ParseHWSubset uses for core items.
func ParseGranularity(s string) (Granularity, error) {
	name, attrsPart, hasAttrs := strings.Cut(s, ":")
	layer, ok := granularityNames[strings.TrimSpace(name)]
	if !ok {
		return Granularity{}, errors.Errorf("places: unknown granularity %q", name)
	}
	g := Granularity{Layer: layer}
	if !hasAttrs {
		return g, nil
	}
	for _, a := range strings.Split(attrsPart, ",") {
		attr, err := parseGranularityAttr(strings.TrimSpace(a))
		if err != nil {
			return Granularity{}, errors.Wrapf(err, "places: granularity %q", s)
		}
		g.Attrs = append(g.Attrs, attr)
	}
	if layer != topology.Core {
		return Granularity{}, errors.Errorf("places: attributes only valid on cores granularity, got %q", name)
	}
	return g, nil
}

func parseGranularityAttr(s string) (subset.Attr, error) {
	switch {
	case s == "intel_core":
		return subset.Attr{Kind: subset.AttrIntelCore}, nil
	case s == "intel_atom":
		return subset.Attr{Kind: subset.AttrIntelAtom}, nil
	case strings.HasPrefix(s, "eff"):
		lvl, err := strconv.Atoi(strings.TrimPrefix(s, "eff"))
		if err != nil {
			return subset.Attr{}, errors.Wrapf(err, "invalid efficiency attribute %q", s)
		}
		return subset.Attr{Kind: subset.AttrEfficiency, EffLevel: lvl}, nil
	default:
		return subset.Attr{}, errors.Errorf("places: unknown attribute %q", s)
	}
}

// Resolve maps a requested Granularity onto a concrete layer actually
// present in topo, applying the fallback and clamping rules of spec.md
// §4.4.1:
//
//   - ll_caches resolves through the topology's own LLC alias (L3 -> L2 ->
//     L1 -> SOCKET -> CORE), already computed by canonicalization.
//   - A granularity coarser than an active PROC_GROUP layer is clamped
//     down to PROC_GROUP: a place can never span more than one processor
//     group.
//   - A requested granularity absent from this topology (e.g. numa_domains
//     on a single-node machine) falls back to CORE, the always-present
//     finest non-thread layer.
//   - Core-type/efficiency attributes on a non-hybrid CPU are dropped with
//     a warning rather than rejected outright, since they carry no
//     discriminating information there.
func Resolve(topo *topology.Topology, g Granularity) (topology.LayerKind, []subset.Attr, error) {
	layer := g.Layer
	if !topo.HasLayer(layer) {
		if layer == topology.LLC {
			layer = topo.Resolve(topology.LLC)
		} else {
			klog.Warningf("places: granularity %s not present in topology, falling back to CORE", layer)
			layer = topology.Core
		}
	}

	if topo.HasLayer(topology.ProcGroup) {
		pgIdx := topo.LayerIndex(topology.ProcGroup)
		reqIdx := topo.LayerIndex(layer)
		if reqIdx < pgIdx {
			klog.Warningf("places: granularity %s coarser than PROC_GROUP, clamping", layer)
			layer = topology.ProcGroup
		}
	}

	attrs := g.Attrs
	if len(attrs) > 0 && len(topo.CoreTypesSeen) <= 1 && topo.NumCoreEfficiencies <= 1 {
		klog.Warningf("places: dropping core attributes, CPU is not hybrid")
		attrs = nil
	}
	if !topo.HasLayer(layer) {
		return topology.Unknown, nil, errors.Errorf("places: granularity %s has no substitute in this topology", layer)
	}
	return layer, attrs, nil
}
