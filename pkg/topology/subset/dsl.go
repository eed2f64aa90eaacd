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

// Package subset implements the HW_SUBSET DSL (spec.md §6.4) and the
// filter algorithm that applies a parsed subset request to a topology
// (spec.md §4.3.3).
package subset

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ompkit/topocore/pkg/topology"
)

// UseAll is the num field's "*" sentinel: quantify over everything
// available at this layer.
const UseAll = -1

// AttrKind is the closed attribute vocabulary of spec.md §6.4.
type AttrKind int

const (
	AttrNone AttrKind = iota
	AttrIntelCore
	AttrIntelAtom
	AttrEfficiency
)

// Attr is one `:attr` clause; EffLevel is only meaningful when Kind is
// AttrEfficiency.
type Attr struct {
	Kind     AttrKind
	EffLevel int
}

// Item is one comma-separated element of an HW_SUBSET request:
// `num('@'offset)? layer (':' attrs)?`.
type Item struct {
	Layer  topology.LayerKind
	Num    int // UseAll, or a non-negative count
	Offset int
	Attrs  []Attr
}

// Mode selects how an Item list is quantified, per spec.md §4.3.3: each
// requested layer counted within its next-outer requested layer
// (Relative, the default), or each requested layer counted independently
// over the whole topology (Absolute).
type Mode int

const (
	Relative Mode = iota
	Absolute
)

// absolutePrefix is the optional leading keyword selecting Absolute mode;
// its absence means Relative. Not part of the item grammar itself (§6.4
// only describes the item list), it precedes that list the same way a
// top-level flag would.
const absolutePrefix = "absolute:"

var layerNames = map[string]topology.LayerKind{
	"sockets":      topology.Socket,
	"dice":         topology.Die,
	"modules":      topology.Module,
	"tiles":        topology.Tile,
	"numa_domains": topology.Numa,
	"l3_caches":    topology.L3,
	"l2_caches":    topology.L2,
	"l1_caches":    topology.L1,
	"cores":        topology.Core,
	"threads":      topology.Thread,
	"proc_groups":  topology.ProcGroup,
}

// ParseHWSubset parses the HW_SUBSET grammar of spec.md §6.4 into a list
// of Items, left to right, comma-separated.
func ParseHWSubset(s string) ([]Item, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("hw_subset: empty subset string")
	}
	var items []Item
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		item, err := parseItem(part)
		if err != nil {
			return nil, errors.Wrapf(err, "hw_subset: item %q", part)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, errors.New("hw_subset: no items parsed")
	}
	return items, nil
}

// ParseHWSubsetRequest parses a full HW_SUBSET string, including the
// optional leading "absolute:" keyword (case-insensitive) that switches
// the item list to Absolute quantification; without it, the request is
// Relative, matching ParseHWSubset's plain item-list grammar exactly.
func ParseHWSubsetRequest(s string) ([]Item, Mode, error) {
	trimmed := strings.TrimSpace(s)
	mode := Relative
	if len(trimmed) >= len(absolutePrefix) && strings.EqualFold(trimmed[:len(absolutePrefix)], absolutePrefix) {
		mode = Absolute
		trimmed = trimmed[len(absolutePrefix):]
	}
	items, err := ParseHWSubset(trimmed)
	if err != nil {
		return nil, mode, err
	}
	return items, mode, nil
}

func parseItem(s string) (Item, error) {
	// split off :attrs suffix
	layerPart := s
	var attrsPart string
	if idx := strings.Index(s, ":"); idx >= 0 {
		layerPart, attrsPart = s[:idx], s[idx+1:]
	}

	// num ('@' offset)? layer
	numEnd := 0
	for numEnd < len(layerPart) && (isDigit(layerPart[numEnd]) || layerPart[numEnd] == '*') {
		numEnd++
	}
	if numEnd == 0 {
		return Item{}, errors.Errorf("missing count")
	}
	numStr := layerPart[:numEnd]
	rest := layerPart[numEnd:]

	num := UseAll
	if numStr != "*" {
		n, err := strconv.Atoi(numStr)
		if err != nil {
			return Item{}, errors.Wrapf(err, "invalid count %q", numStr)
		}
		num = n
	}

	offset := 0
	if strings.HasPrefix(rest, "@") {
		rest = rest[1:]
		offEnd := 0
		for offEnd < len(rest) && isDigit(rest[offEnd]) {
			offEnd++
		}
		if offEnd == 0 {
			return Item{}, errors.New("missing offset after '@'")
		}
		off, err := strconv.Atoi(rest[:offEnd])
		if err != nil {
			return Item{}, errors.Wrapf(err, "invalid offset %q", rest[:offEnd])
		}
		offset = off
		rest = rest[offEnd:]
	}

	layerName := strings.TrimSpace(rest)
	layer, ok := layerNames[layerName]
	if !ok {
		return Item{}, errors.Errorf("unknown layer %q", layerName)
	}

	var attrs []Attr
	if attrsPart != "" {
		for _, a := range strings.Split(attrsPart, ",") {
			attr, err := parseAttr(strings.TrimSpace(a))
			if err != nil {
				return Item{}, err
			}
			attrs = append(attrs, attr)
		}
	}

	return Item{Layer: layer, Num: num, Offset: offset, Attrs: attrs}, nil
}

func parseAttr(s string) (Attr, error) {
	switch {
	case s == "intel_core":
		return Attr{Kind: AttrIntelCore}, nil
	case s == "intel_atom":
		return Attr{Kind: AttrIntelAtom}, nil
	case strings.HasPrefix(s, "eff"):
		levelStr := strings.TrimPrefix(s, "eff")
		level, err := strconv.Atoi(levelStr)
		if err != nil {
			return Attr{}, errors.Wrapf(err, "invalid efficiency attribute %q", s)
		}
		return Attr{Kind: AttrEfficiency, EffLevel: level}, nil
	default:
		return Attr{}, errors.Errorf("unknown attribute %q", s)
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// String renders items back into normalized HW_SUBSET text: this is the
// inverse ParseHWSubset -> String -> ParseHWSubset must fix-point, per
// spec.md §8's round-trip property.
func String(items []Item) string {
	var sb strings.Builder
	for i, it := range items {
		if i > 0 {
			sb.WriteByte(',')
		}
		if it.Num == UseAll {
			sb.WriteByte('*')
		} else {
			sb.WriteString(strconv.Itoa(it.Num))
		}
		if it.Offset != 0 {
			sb.WriteByte('@')
			sb.WriteString(strconv.Itoa(it.Offset))
		}
		sb.WriteString(layerName(it.Layer))
		if len(it.Attrs) > 0 {
			sb.WriteByte(':')
			for j, a := range it.Attrs {
				if j > 0 {
					sb.WriteByte(',')
				}
				sb.WriteString(attrString(a))
			}
		}
	}
	return sb.String()
}

func layerName(k topology.LayerKind) string {
	for name, kind := range layerNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

func attrString(a Attr) string {
	switch a.Kind {
	case AttrIntelCore:
		return "intel_core"
	case AttrIntelAtom:
		return "intel_atom"
	case AttrEfficiency:
		return "eff" + strconv.Itoa(a.EffLevel)
	default:
		return ""
	}
}
