//go:build linux

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

package main

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ompkit/topocore/pkg/topology/mask"
)

// currentFullMask reads the process's own current scheduling affinity,
// used as the discovery driver's initial full mask (spec.md §4.2).
func currentFullMask() (mask.Mask, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return mask.Empty, errors.Wrap(err, "cmd/omptopo: reading process affinity")
	}
	ids := make([]int, 0, set.Count())
	for cpu := 0; cpu < unix.CPU_SETSIZE; cpu++ {
		if set.IsSet(cpu) {
			ids = append(ids, cpu)
		}
	}
	return mask.New(ids...), nil
}

// discoveryThreadBinder implements discovery.ThreadBinder on Linux via
// sched_setaffinity(2)/sched_getaffinity(2), saving the caller's mask on
// entry and restoring it on every exit path, per spec.md §9's scoped
// acquisition requirement for discovery back-ends that pin the current
// thread.
type discoveryThreadBinder struct{}

func (discoveryThreadBinder) BindSelf(osID int) (func(), error) {
	var original unix.CPUSet
	if err := unix.SchedGetaffinity(0, &original); err != nil {
		return nil, errors.Wrap(err, "cmd/omptopo: saving original affinity")
	}

	var pinned unix.CPUSet
	pinned.Zero()
	pinned.Set(osID)
	if err := unix.SchedSetaffinity(0, &pinned); err != nil {
		return nil, errors.Wrapf(err, "cmd/omptopo: pinning discovery thread to os id %d", osID)
	}

	restore := func() {
		_ = unix.SchedSetaffinity(0, &original)
	}
	return restore, nil
}
