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

package places

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ompkit/topocore/pkg/topology/mask"
)

// PlaceList is the parsed result of an OMP_PLACES value (spec.md §6.3): it
// is either an abstract name to resolve against the discovered topology,
// or an explicit list of OS-id masks, one per place.
type PlaceList struct {
	AbstractName string // "", or one of the granularityNames keys
	NumPlaces    int    // 0 means unspecified ("use every place the abstract name yields")
	Explicit     []mask.Mask
	Complement   bool // leading '!': caller applies against the active full mask

	// ReplCount/ReplStride carry an abstract name's trailing
	// ":count:stride" shorthand (e.g. "threads(8):4:2"): the resolved
	// abstract base place is replicated ReplCount times, each copy
	// shifted ReplStride positions through the topology's ordered
	// thread list. ReplCount == 0 means no replication was requested.
	ReplCount  int
	ReplStride int
}

// ParsePlaceList parses the OMP_PLACES grammar: either an abstract name
// with an optional "(num-places)" suffix and an optional ":count:stride"
// suffix (kept in ReplCount/ReplStride), or a brace-delimited explicit
// list "{interval-list},{interval-list},...", itself optionally followed
// by the ":count:stride" shorthand, which requires exactly one brace
// definition and replicates it count times, shifting each copy's ids by
// stride.
func ParsePlaceList(s string) (PlaceList, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PlaceList{}, errors.New("placelist: empty OMP_PLACES value")
	}
	complement := false
	if strings.HasPrefix(s, "!") {
		complement = true
		s = strings.TrimSpace(s[1:])
	}

	if !strings.HasPrefix(s, "{") {
		base, replSuffix, hasRepl := cutAbstractReplication(s)
		name, numStr, hasNum := cutParen(base)
		if _, ok := granularityNames[name]; !ok {
			return PlaceList{}, errors.Errorf("placelist: unknown abstract name %q", name)
		}
		num := 0
		if hasNum {
			n, err := strconv.Atoi(numStr)
			if err != nil || n <= 0 {
				return PlaceList{}, errors.Errorf("placelist: invalid place count %q", numStr)
			}
			num = n
		}
		pl := PlaceList{AbstractName: name, NumPlaces: num, Complement: complement}
		if hasRepl {
			count, stride, err := parseReplicationSuffix(replSuffix)
			if err != nil {
				return PlaceList{}, err
			}
			pl.ReplCount, pl.ReplStride = count, stride
		}
		return pl, nil
	}

	terms, rest, err := splitBraceTerms(s)
	if err != nil {
		return PlaceList{}, err
	}
	explicit := make([]mask.Mask, 0, len(terms))
	for _, term := range terms {
		ids, err := parseIntervalList(term)
		if err != nil {
			return PlaceList{}, errors.Wrapf(err, "placelist: interval %q", term)
		}
		explicit = append(explicit, mask.New(ids...))
	}

	rest = strings.TrimSpace(rest)
	if rest != "" {
		count, stride, err := parseReplicationSuffix(rest)
		if err != nil {
			return PlaceList{}, err
		}
		if len(explicit) != 1 {
			return PlaceList{}, errors.New("placelist: replication suffix requires exactly one base definition")
		}
		base := explicit[0].List()
		explicit = explicit[:0]
		for i := 0; i < count; i++ {
			shifted := make([]int, len(base))
			for j, id := range base {
				shifted[j] = id + i*stride
			}
			explicit = append(explicit, mask.New(shifted...))
		}
	}

	return PlaceList{Explicit: explicit, Complement: complement}, nil
}

// cutAbstractReplication splits "name(num):count:stride" into
// ("name(num)", ":count:stride", true); an abstract name never contains
// ':' itself, so the first ':' in s (if any, past the optional
// parenthesized num-places) always starts the replication suffix.
func cutAbstractReplication(s string) (string, string, bool) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx:], true
}

// cutParen splits "name(num)" into ("name", "num", true), or returns
// (s, "", false) when there is no parenthesized suffix.
func cutParen(s string) (string, string, bool) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return strings.TrimSpace(s), "", false
	}
	return strings.TrimSpace(s[:open]), strings.TrimSpace(s[open+1 : len(s)-1]), true
}

// splitBraceTerms splits "{a},{b},{c}<rest>" into (["a","b","c"], "<rest>").
func splitBraceTerms(s string) ([]string, string, error) {
	var terms []string
	for strings.HasPrefix(s, "{") {
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return nil, "", errors.New("placelist: unterminated '{'")
		}
		terms = append(terms, s[1:end])
		s = s[end+1:]
		if strings.HasPrefix(s, ",") {
			s = s[1:]
		}
	}
	if len(terms) == 0 {
		return nil, "", errors.New("placelist: expected at least one '{...}' definition")
	}
	return terms, s, nil
}

// parseIntervalList parses the comma-separated contents of one "{...}"
// place definition: each element is "n", "n:length" or "n:length:stride"
// (default stride 1), per spec.md §6.3 — distinct from the proc-list
// grammar's "n-m:stride" range notation, since here the colon introduces a
// count rather than a range end.
func parseIntervalList(s string) ([]int, error) {
	var ids []int
	for _, elem := range strings.Split(s, ",") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			continue
		}
		parsed, err := parsePlaceInterval(elem)
		if err != nil {
			return nil, err
		}
		ids = append(ids, parsed...)
	}
	return ids, nil
}

func parsePlaceInterval(s string) ([]int, error) {
	parts := strings.Split(s, ":")
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid processor id %q", parts[0])
	}
	if len(parts) == 1 {
		return []int{start}, nil
	}
	length, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || length <= 0 {
		return nil, errors.Errorf("invalid interval length %q", parts[1])
	}
	stride := 1
	if len(parts) == 3 {
		n, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || n == 0 {
			return nil, errors.Errorf("invalid interval stride %q", parts[2])
		}
		stride = n
	}
	if len(parts) > 3 {
		return nil, errors.Errorf("invalid interval %q: too many ':' fields", s)
	}
	if length > maxProcListExpansion {
		return nil, errors.Errorf("placelist: interval %q expands past %d processors", s, maxProcListExpansion)
	}
	ids := make([]int, length)
	for i := range ids {
		ids[i] = start + i*stride
	}
	return ids, nil
}

// parseReplicationSuffix parses the trailing ":count:stride" shorthand.
func parseReplicationSuffix(s string) (int, int, error) {
	s = strings.TrimPrefix(s, ":")
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("placelist: expected ':count:stride', got %q", s)
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil || count <= 0 {
		return 0, 0, errors.Errorf("placelist: invalid replication count %q", parts[0])
	}
	stride, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errors.Errorf("placelist: invalid replication stride %q", parts[1])
	}
	return count, stride, nil
}
