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

// maxProcListExpansion bounds how many processors a single start-end/stride
// range may expand to; spec.md §6.2 makes this a fatal parse error rather
// than a silent truncation, since a typo here (stride 1 on a huge range)
// would otherwise hang the expansion.
const maxProcListExpansion = 65536

// ParseProcList parses the GOMP_CPU_AFFINITY grammar of spec.md §6.2: a
// comma-separated list of terms, each producing one or more places in
// order. A '{...}' term is a single place covering the union of its
// listed ids; every other term (a bare id, or a plain or strided range)
// expands to one single-id place per id it names — GOMP_CPU_AFFINITY's
// classic "0-3" meaning four separate places, not one mask covering four
// ids.
func ParseProcList(s string) ([]mask.Mask, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("proclist: empty affinity list")
	}
	var out []mask.Mask
	for _, term := range splitTopLevelCommas(s) {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if body, ok := cutBraces(term); ok {
			ids, err := parseIntset(body)
			if err != nil {
				return nil, errors.Wrapf(err, "proclist: term %q", term)
			}
			out = append(out, mask.New(ids...))
			continue
		}
		ids, err := parseProcTerm(term)
		if err != nil {
			return nil, errors.Wrapf(err, "proclist: term %q", term)
		}
		for _, id := range ids {
			out = append(out, mask.New(id))
		}
	}
	return out, nil
}

// splitTopLevelCommas splits s on commas that aren't nested inside a
// '{...}' group, so a brace-union term's own internal comma list survives
// intact.
func splitTopLevelCommas(s string) []string {
	var terms []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				terms = append(terms, s[start:i])
				start = i + 1
			}
		}
	}
	terms = append(terms, s[start:])
	return terms
}

func cutBraces(s string) (string, bool) {
	if len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}' {
		return s[1 : len(s)-1], true
	}
	return "", false
}

func parseIntset(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid processor id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseProcTerm(term string) ([]int, error) {
	rangePart, strideStr, hasStride := strings.Cut(term, ":")
	stride := 1
	if hasStride {
		n, err := strconv.Atoi(strideStr)
		if err != nil || n <= 0 {
			return nil, errors.Errorf("invalid stride %q", strideStr)
		}
		stride = n
	}

	start, end, isRange := strings.Cut(rangePart, "-")
	startN, err := strconv.Atoi(strings.TrimSpace(start))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid processor id %q", start)
	}
	if !isRange {
		if hasStride {
			return nil, errors.New("stride requires a start-end range")
		}
		return []int{startN}, nil
	}
	endN, err := strconv.Atoi(strings.TrimSpace(end))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid processor id %q", end)
	}
	if endN < startN {
		return nil, errors.Errorf("range end %d < start %d", endN, startN)
	}
	if (endN-startN)/stride > maxProcListExpansion {
		return nil, errors.Errorf("proclist: range %d-%d:%d expands past %d processors", startN, endN, stride, maxProcListExpansion)
	}
	var ids []int
	for i := startN; i <= endN; i += stride {
		ids = append(ids, i)
	}
	return ids, nil
}
