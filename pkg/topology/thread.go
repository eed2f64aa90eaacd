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

// HWThread is one hardware thread (logical processor) record, as produced
// by a discovery back-end and later enriched by canonicalization.
type HWThread struct {
	// OSID is the OS-assigned processor number, unique and non-negative.
	OSID int
	// OriginalIdx is this thread's position in discovery order, stable
	// across later sorts so callers can map back to it.
	OriginalIdx int
	// IDs holds one id per layer in Topology.Types, outermost first. An
	// entry may be UnknownID (sorts last) or MultipleID (aggregates only).
	IDs []int
	// SubIDs holds, for each layer, a small dense index such that within
	// any ancestor, children are numbered 0..k-1 in discovery order.
	// Derived by canonicalization, never discovered directly.
	SubIDs []int
	// Attrs is this thread's hybrid core type/efficiency, when known.
	Attrs CoreAttrs
	// Leader marks the first thread of its current granularity group.
	Leader bool
}

// Clone returns a deep copy of t (IDs/SubIDs slices are copied).
func (t HWThread) Clone() HWThread {
	out := t
	out.IDs = append([]int(nil), t.IDs...)
	out.SubIDs = append([]int(nil), t.SubIDs...)
	return out
}

// IDsEqual reports whether t and other carry identical id tuples over the
// first n layers.
func (t HWThread) IDsEqual(other HWThread, n int) bool {
	for l := 0; l < n; l++ {
		if t.IDs[l] != other.IDs[l] {
			return false
		}
	}
	return true
}
