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

// OSBinder is the three operations the binding engine asks the surrounding
// runtime for; it never touches OS affinity APIs directly.
type OSBinder interface {
	// BindThread pins the caller to a single OS processor.
	BindThread(osID int) error
	// SetSystemAffinity installs mask as the caller's affinity. If enforce
	// is set, it also sets process affinity (meaningful on Windows).
	SetSystemAffinity(m mask.Mask, enforce bool) error
	// GetSystemAffinity reads the caller's current OS affinity.
	GetSystemAffinity() (mask.Mask, error)
}

// hiddenHelperIDs are the two gtid values spec.md §4.5 passes through
// without binding: the regular primary thread and the helper-team main.
const (
	hiddenHelperPrimary = 0
	hiddenHelperMain    = 1
)

// ThreadBinding is one thread's current binding state: the place it was
// last assigned, the valid range for subsequent rebinds, and its per-thread
// mask.
type ThreadBinding struct {
	GTID       int
	Place      int
	FirstPlace int
	LastPlace  int
	Mask       mask.Mask
	bound      bool
}

// Bind implements spec.md §4.5 step 1-5 for one thread's first bind: pick
// its place from gtid, copy the place mask into its per-thread slot,
// record the [first_place, last_place] partition, and invoke the OS
// binder. procBindOff mirrors OMP_PROC_BIND=off: the place is always 0 and
// the thread gets the process full mask rather than one place's mask.
func Bind(cfg *Config, binder OSBinder, gtid int, offset int, procBindOff bool, fullMask mask.Mask) (*ThreadBinding, error) {
	if gtid == hiddenHelperPrimary || gtid == hiddenHelperMain {
		return &ThreadBinding{GTID: gtid, Place: -1, FirstPlace: 0, LastPlace: cfg.NumMasks - 1}, nil
	}

	tb := &ThreadBinding{GTID: gtid, FirstPlace: 0, LastPlace: cfg.NumMasks - 1}

	if procBindOff {
		tb.Place = 0
		tb.Mask = fullMask
	} else {
		if cfg.NumMasks == 0 {
			return nil, errors.New("affinity: bind requested before config init")
		}
		place := ((gtid + offset) % cfg.NumMasks)
		if place < 0 {
			place += cfg.NumMasks
		}
		tb.Place = place
		tb.Mask = cfg.Masks[place]
	}
	tb.bound = true

	if err := binder.SetSystemAffinity(tb.Mask, false); err != nil {
		if cfg.Type != TypeNone {
			return nil, errors.Wrapf(err, "affinity: binding gtid %d to place %d", gtid, tb.Place)
		}
	}
	return tb, nil
}

// BindPlace implements the rebind entry point spec.md §4.5 calls
// bind_place(new_place): the new place must fall within the thread's
// recorded [first_place, last_place] partition, treating that range as
// wrapping if last_place < first_place.
func BindPlace(cfg *Config, binder OSBinder, tb *ThreadBinding, newPlace int) error {
	if !tb.bound {
		return errors.New("affinity: bind_place called before an initial bind")
	}
	if !inRange(newPlace, tb.FirstPlace, tb.LastPlace) {
		return errors.Errorf("affinity: place %d outside partition [%d, %d]", newPlace, tb.FirstPlace, tb.LastPlace)
	}
	if newPlace < 0 || newPlace >= cfg.NumMasks {
		return errors.Errorf("affinity: place %d out of range [0, %d)", newPlace, cfg.NumMasks)
	}
	tb.Place = newPlace
	tb.Mask = cfg.Masks[newPlace]
	if err := binder.SetSystemAffinity(tb.Mask, false); err != nil {
		if cfg.Type != TypeNone {
			return errors.Wrapf(err, "affinity: rebinding to place %d", newPlace)
		}
	}
	return nil
}

func inRange(v, lo, hi int) bool {
	if lo <= hi {
		return v >= lo && v <= hi
	}
	// wrapping range
	return v >= lo || v <= hi
}
