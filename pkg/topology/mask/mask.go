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

// Package mask implements the opaque OS-processor-id bitset used throughout
// omptopo: set algebra, iteration, pretty-printing and, on platforms with
// Windows-style processor groups, the group membership of each bit.
package mask

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/utils/cpuset"
)

// Empty is the zero-value Mask: no bits set, no group information.
var Empty = Mask{}

// Mask is a set of OS processor ids. It wraps cpuset.CPUSet, the same
// representation the teacher uses for reserved/isolated/offlined CPUs, and
// adds the processor-group bookkeeping spec.md §4.1 asks for on platforms
// where a mask may need to report which Windows processor group its bits
// belong to.
type Mask struct {
	set    cpuset.CPUSet
	groups map[int]int // os_id -> processor group, nil when groups are not tracked
}

// New builds a Mask containing exactly the given OS ids.
func New(ids ...int) Mask {
	return Mask{set: cpuset.New(ids...)}
}

// FromCPUSet adopts an existing cpuset.CPUSet as a Mask.
func FromCPUSet(s cpuset.CPUSet) Mask {
	return Mask{set: s}
}

// CPUSet returns the underlying cpuset.CPUSet.
func (m Mask) CPUSet() cpuset.CPUSet {
	return m.set
}

// WithGroups returns a copy of m that additionally tracks, for every bit it
// may ever test, which Windows processor group that OS id belongs to.
func (m Mask) WithGroups(osIDToGroup map[int]int) Mask {
	groups := make(map[int]int, len(osIDToGroup))
	for k, v := range osIDToGroup {
		groups[k] = v
	}
	m.groups = groups
	return m
}

// Set returns a copy of m with os id i added. Panics if i is negative: an
// out-of-range index here is a programming error, not a recoverable state.
func (m Mask) Set(i int) Mask {
	assertNonNegative(i)
	m.set = m.set.Union(cpuset.New(i))
	return m
}

// Clear returns a copy of m with os id i removed.
func (m Mask) Clear(i int) Mask {
	assertNonNegative(i)
	m.set = m.set.Difference(cpuset.New(i))
	return m
}

// Test reports whether os id i is a member of m.
func (m Mask) Test(i int) bool {
	assertNonNegative(i)
	return m.set.Contains(i)
}

// Union returns the set union of m and other.
func (m Mask) Union(other Mask) Mask {
	m.set = m.set.Union(other.set)
	return m
}

// Intersect returns the set intersection of m and other.
func (m Mask) Intersect(other Mask) Mask {
	m.set = m.set.Intersection(other.set)
	return m
}

// Complement returns the complement of m with respect to [0, universe).
func (m Mask) Complement(universe int) Mask {
	full := make([]int, 0, universe)
	for i := 0; i < universe; i++ {
		if !m.set.Contains(i) {
			full = append(full, i)
		}
	}
	return Mask{set: cpuset.New(full...), groups: m.groups}
}

// Equal reports whether m and other contain exactly the same os ids.
func (m Mask) Equal(other Mask) bool {
	return m.set.Equals(other.set)
}

// Empty reports whether m has no members.
func (m Mask) Empty() bool {
	return m.set.IsEmpty()
}

// Size returns the number of members.
func (m Mask) Size() int {
	return m.set.Size()
}

// List returns the members of m in ascending order.
func (m Mask) List() []int {
	return m.set.List()
}

// First returns the lowest member of m, or -1 if m is empty.
func (m Mask) First() int {
	for _, id := range m.set.List() {
		return id
	}
	return -1
}

// Next returns the smallest member of m strictly greater than i, or End()
// if there is none.
func (m Mask) Next(i int) int {
	for _, id := range m.set.List() {
		if id > i {
			return id
		}
	}
	return m.End()
}

// End is the sentinel "one past the last" iteration value.
func (m Mask) End() int {
	return -1
}

// GroupOf returns the Windows processor group the mask's bits all belong
// to, or -1 if the mask is empty, spans multiple groups, or group tracking
// was never attached via WithGroups.
func (m Mask) GroupOf() int {
	if m.groups == nil || m.set.IsEmpty() {
		return -1
	}
	group := -2
	for _, id := range m.set.List() {
		g, ok := m.groups[id]
		if !ok {
			return -1
		}
		if group == -2 {
			group = g
		} else if group != g {
			return -1
		}
	}
	return group
}

// minPrintBufferBytes is the smallest buffer PrettyInto promises to honor.
const minPrintBufferBytes = 40

// String renders m as a comma-separated list of integers and closed ranges,
// e.g. "1,2,4-7,9", or "{<empty>}" when m has no members. Only runs of
// three or more consecutive ids are written as a range; a run of two is
// written as two ids (cpuset.CPUSet.String would write "1-2" there).
func (m Mask) String() string {
	if m.set.IsEmpty() {
		return "{<empty>}"
	}
	ids := m.set.List()
	var out []byte
	for i := 0; i < len(ids); i++ {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}
		if j-i >= 2 {
			out = fmt.Appendf(out, ",%d-%d", ids[i], ids[j])
			i = j
		} else {
			out = fmt.Appendf(out, ",%d", ids[i])
		}
	}
	return string(out[1:])
}

// PrettyInto renders m into buf, truncating to the first len(buf) bytes if
// buf is smaller than the full rendering; the cut may fall inside a number.
// Callers must supply a buffer of at least minPrintBufferBytes bytes, per
// spec.md §4.1's failure model for the printer.
func PrettyInto(m Mask, buf []byte) (string, error) {
	if len(buf) < minPrintBufferBytes {
		return "", errors.Errorf("mask: print buffer must be >= %d bytes, got %d", minPrintBufferBytes, len(buf))
	}
	full := m.String()
	if len(full) <= len(buf) {
		return full, nil
	}
	n := copy(buf, full)
	return string(buf[:n]), nil
}

// Parse is the inverse of String: it accepts the same comma/range grammar
// cpuset.Parse understands. Round-tripping Parse(String(m)) == m is one of
// spec.md §8's testable invariants.
func Parse(s string) (Mask, error) {
	if s == "{<empty>}" || s == "" {
		return Empty, nil
	}
	set, err := cpuset.Parse(s)
	if err != nil {
		return Mask{}, errors.Wrapf(err, "mask: parse %q", s)
	}
	return Mask{set: set}, nil
}

func assertNonNegative(i int) {
	if i < 0 {
		panic(fmt.Sprintf("mask: negative processor index %d", i))
	}
}
