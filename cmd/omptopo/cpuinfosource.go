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
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// sysfsCPUInfoSource is the real /proc and /sys collaborator for
// discovery.ProcCPUInfoBackend. Every sysfs lookup degrades to "not
// present" rather than erroring, matching a kernel that simply doesn't
// expose a given topology file on this architecture.
type sysfsCPUInfoSource struct{}

func (sysfsCPUInfoSource) Open() (io.ReadCloser, error) {
	return os.Open("/proc/cpuinfo")
}

func (sysfsCPUInfoSource) SysfsPhysicalPackageID(osID int) (int, bool) {
	raw, err := os.ReadFile(fmt.Sprintf("/sys/devices/system/cpu/cpu%d/topology/physical_package_id", osID))
	if err != nil {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return id, true
}

func (sysfsCPUInfoSource) CoreSiblingsList(osID int) []int {
	raw, err := os.ReadFile(fmt.Sprintf("/sys/devices/system/cpu/cpu%d/topology/core_siblings_list", osID))
	if err != nil {
		return nil
	}
	return parseSysfsIDList(strings.TrimSpace(string(raw)))
}

func (sysfsCPUInfoSource) BookAndDrawerID(osID int) (int, int, bool) {
	book, bookOK := readSysfsInt(fmt.Sprintf("/sys/devices/system/cpu/cpu%d/topology/book_id", osID))
	drawer, drawerOK := readSysfsInt(fmt.Sprintf("/sys/devices/system/cpu/cpu%d/topology/drawer_id", osID))
	if !bookOK {
		return 0, 0, false
	}
	return book, drawer, drawerOK || bookOK
}

func readSysfsInt(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseSysfsIDList expands the kernel's comma-separated range-list format
// (e.g. "0-3,8-11") the same way GOMP_CPU_AFFINITY's proclist does.
func parseSysfsIDList(s string) []int {
	var ids []int
	for _, term := range strings.Split(s, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		lo, hi, found := strings.Cut(term, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			continue
		}
		end := start
		if found {
			if end, err = strconv.Atoi(hi); err != nil {
				continue
			}
		}
		for i := start; i <= end; i++ {
			ids = append(ids, i)
		}
	}
	return ids
}
