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

package topology

import "sort"

// SortByCompact realises both "compact" and "scatter" ordering policies
// (spec.md §4.3.2) within the same routine: given compact in [0, depth],
// threads are compared on SubIDs[depth-1 .. depth-compact] first (the
// innermost "compact" layers), then on SubIDs[0 .. depth-compact-1].
// Scatter is obtained by calling this with compact = depth-1-userCompact;
// straight "compact" policy calls it with compact = userCompact directly.
func (t *Topology) SortByCompact(compact int) {
	depth := t.Depth()
	if compact < 0 {
		compact = 0
	}
	if compact > depth {
		compact = depth
	}
	t.Compact = compact

	sort.SliceStable(t.Threads, func(a, b int) bool {
		ta, tb := t.Threads[a], t.Threads[b]
		for l := depth - 1; l >= depth-compact; l-- {
			if ta.SubIDs[l] != tb.SubIDs[l] {
				return ta.SubIDs[l] < tb.SubIDs[l]
			}
		}
		for l := 0; l < depth-compact; l++ {
			if ta.SubIDs[l] != tb.SubIDs[l] {
				return ta.SubIDs[l] < tb.SubIDs[l]
			}
		}
		return ta.OSID < tb.OSID
	})
}
