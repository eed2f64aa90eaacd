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

package affinity

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ompkit/topocore/pkg/topology/mask"
)

// LinuxBinder implements OSBinder on top of sched_setaffinity(2)/
// sched_getaffinity(2), the same syscalls every Linux OpenMP runtime uses
// to pin threads. enforce (§6.1's set_system_affinity "enforce" flag) has
// no separate process-affinity concept on Linux, so it is accepted and
// ignored — that distinction only matters on Windows processor groups.
type LinuxBinder struct{}

func (LinuxBinder) BindThread(osID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(osID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "affinity: bind_thread(%d)", osID)
	}
	return nil
}

func (LinuxBinder) SetSystemAffinity(m mask.Mask, enforce bool) error {
	var set unix.CPUSet
	set.Zero()
	for _, id := range m.List() {
		set.Set(id)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrap(err, "affinity: set_system_affinity")
	}
	return nil
}

func (LinuxBinder) GetSystemAffinity() (mask.Mask, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return mask.Empty, errors.Wrap(err, "affinity: get_system_affinity")
	}
	ids := make([]int, 0, set.Count())
	for cpu := 0; cpu < unix.CPU_SETSIZE; cpu++ {
		if set.IsSet(cpu) {
			ids = append(ids, cpu)
		}
	}
	return mask.New(ids...), nil
}
