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

package affinity

import (
	"github.com/pkg/errors"

	"github.com/ompkit/topocore/pkg/topology/mask"
)

// SetAffinity implements spec.md §4.6's set_affinity: copy the
// caller-supplied mask into the calling thread's per-thread slot and reset
// its place range to span every place, since an explicitly-set mask no
// longer corresponds to one particular place in cfg. Fails if m has no
// bits in common with the process full mask.
func SetAffinity(cfg *Config, binder OSBinder, tb *ThreadBinding, m mask.Mask, fullMask mask.Mask) error {
	if m.Intersect(fullMask).Empty() {
		return errors.New("affinity: set_affinity mask has no bits in the process mask")
	}
	// On platforms where group tracking is attached (Windows processor
	// groups), SetSystemAffinity is responsible for rejecting a mask that
	// spans more than one group; GroupOf can't distinguish "untracked"
	// from "spans groups" here, so that check belongs to the binder.
	tb.Mask = m
	tb.Place = -1
	tb.FirstPlace = 0
	tb.LastPlace = cfg.NumMasks - 1
	tb.bound = true
	return binder.SetSystemAffinity(m, false)
}

// GetAffinity implements spec.md §4.6's get_affinity: read the thread's
// current OS affinity straight from the binder. Back-ends that cache the
// per-thread mask instead of querying the OS (Windows/AIX) can satisfy
// OSBinder.GetSystemAffinity from that cache; this function itself stays
// platform-agnostic.
func GetAffinity(binder OSBinder) (mask.Mask, error) {
	m, err := binder.GetSystemAffinity()
	if err != nil {
		return mask.Empty, errors.Wrap(err, "affinity: get_affinity")
	}
	return m, nil
}

// SetAffinityMaskProc sets or clears a single proc bit in m, per spec.md
// §4.6's {set,unset}_affinity_mask_proc: -1 if proc is out of range, -2 if
// proc is not in the process full mask.
func SetAffinityMaskProc(proc int, set bool, m *mask.Mask, fullMask mask.Mask, maxProc int) int {
	if proc < 0 || proc >= maxProc {
		return -1
	}
	if !fullMask.Test(proc) {
		return -2
	}
	if set {
		*m = m.Set(proc)
	} else {
		*m = m.Clear(proc)
	}
	return 0
}

// GetAffinityMaskProc reports whether proc is set in m, per spec.md §4.6's
// get_affinity_mask_proc: -1 if proc is out of range, -2 if proc is not in
// the process full mask, otherwise 0 or 1.
func GetAffinityMaskProc(proc int, m mask.Mask, fullMask mask.Mask, maxProc int) int {
	if proc < 0 || proc >= maxProc {
		return -1
	}
	if !fullMask.Test(proc) {
		return -2
	}
	if m.Test(proc) {
		return 1
	}
	return 0
}
