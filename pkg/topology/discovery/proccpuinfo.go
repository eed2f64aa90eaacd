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

package discovery

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
)

// maxCpuinfoLineLength bounds a single /proc/cpuinfo line; a longer line
// is reported as LongLineCpuinfo rather than silently truncated.
const maxCpuinfoLineLength = 8192

// ProcCPUInfoSource is the text/sysfs collaborator for spec.md §4.2 item
// 4: an open reader over /proc/cpuinfo, plus the architecture-specific
// sysfs override lookups (physical_package_id and friends) consulted in
// preference to the text fields when available.
type ProcCPUInfoSource interface {
	Open() (io.ReadCloser, error)
	// SysfsPhysicalPackageID returns the physical_package_id and whether
	// the sysfs override for osID is present at all.
	SysfsPhysicalPackageID(osID int) (int, bool)
	// CoreSiblingsList returns the OS ids of every core-sibling of osID,
	// used to reconstruct a missing "physical id" field.
	CoreSiblingsList(osID int) []int
	// BookAndDrawerID returns (book_id, drawer_id, ok) for mainframe-
	// style systems; ok is false on systems without these fields.
	BookAndDrawerID(osID int) (book, drawer int, ok bool)
}

type cpuinfoRecord struct {
	osID       int
	physID     int // UnknownID if absent
	coreID     int
	threadID   int
	nodeID     int // UnknownID if absent
	hasPhysID  bool
	hasCoreID  bool
	sawRecord  bool
}

// ProcCPUInfoBackend implements spec.md §4.2 item 4.
type ProcCPUInfoBackend struct {
	Source ProcCPUInfoSource
}

func (ProcCPUInfoBackend) Method() Method { return MethodProcCPUInfo }

func (b ProcCPUInfoBackend) Discover(full mask.Mask, _ ThreadBinder) (*topology.Topology, error) {
	rc, err := b.Source.Open()
	if err != nil {
		return nil, Fail(NoProcRecords, "proc/cpuinfo: open: %v", err)
	}
	defer rc.Close()

	records, err := parseCpuinfo(rc)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, Fail(NoProcRecords, "proc/cpuinfo: no processor records found")
	}
	if len(records) > 1<<20 {
		return nil, Fail(TooManyProcRecords, "proc/cpuinfo: %d records exceeds sane limit", len(records))
	}

	// Architecture overrides: prefer sysfs physical_package_id when
	// present, and fold book/drawer ids into the upper bits of the
	// package id on mainframe-style systems.
	for i := range records {
		r := &records[i]
		if pkg, ok := b.Source.SysfsPhysicalPackageID(r.osID); ok {
			r.physID = pkg
			r.hasPhysID = true
		}
		if book, drawer, ok := b.Source.BookAndDrawerID(r.osID); ok {
			r.physID = (book << 16) | (drawer << 8) | r.physID
			r.hasPhysID = true
		}
	}

	// Reconstruct missing physical ids from core-sibling lists: all OS
	// CPUs sharing siblings are assigned the same synthesized package id.
	reconstructMissingPhysicalIDs(records, b.Source)

	// Duplicate thread ids within a core trigger an automatic
	// reassignment pass.
	reassignDuplicateThreadIDs(records)

	threads := make([]topology.HWThread, 0, len(records))
	for i, r := range records {
		if !full.Test(r.osID) {
			continue
		}
		if !r.hasPhysID {
			return nil, Fail(MissingProcField, "proc/cpuinfo: os id %d has no physical id and no sibling group", r.osID)
		}
		threads = append(threads, topology.HWThread{
			OSID:        r.osID,
			OriginalIdx: i,
			IDs:         []int{r.physID, r.coreID, r.threadID},
			Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
		})
	}
	if len(threads) == 0 {
		return nil, Fail(NoProcRecords, "proc/cpuinfo: no records within full mask")
	}

	types := []topology.LayerKind{topology.Socket, topology.Core, topology.Thread}
	if hasNodeIDs(records) {
		types = []topology.LayerKind{topology.Numa, topology.Socket, topology.Core, topology.Thread}
		for i := range threads {
			threads[i].IDs = append([]int{records[i].nodeID}, threads[i].IDs...)
		}
	}

	topo := topology.New(types, threads, topology.FullMaskFromThreads(threads))
	if err := topo.Canonicalize(); err != nil {
		return nil, err
	}
	return topo, nil
}

func hasNodeIDs(records []cpuinfoRecord) bool {
	for _, r := range records {
		if r.nodeID != topology.UnknownID {
			return true
		}
	}
	return false
}

// parseCpuinfo recognises processor/cpu number, physical id, core id,
// thread id and node_<k> id fields, one record per processor/cpu-number
// line, per spec.md §4.2 item 4.
func parseCpuinfo(r io.Reader) ([]cpuinfoRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxCpuinfoLineLength)

	var records []cpuinfoRecord
	var cur *cpuinfoRecord

	flush := func() {
		if cur != nil && cur.sawRecord {
			records = append(records, *cur)
		}
		cur = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) >= maxCpuinfoLineLength {
			return nil, Fail(LongLineCpuinfo, "proc/cpuinfo: line exceeds %d bytes", maxCpuinfoLineLength)
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		key, val, ok := splitCpuinfoField(line)
		if !ok {
			continue
		}
		if cur == nil {
			cur = &cpuinfoRecord{physID: topology.UnknownID, nodeID: topology.UnknownID}
		}
		switch {
		case key == "processor" || key == "cpu number":
			n, err := strconv.Atoi(val)
			if err != nil {
				continue
			}
			cur.osID = n
			cur.sawRecord = true
		case key == "physical id":
			n, err := strconv.Atoi(val)
			if err == nil {
				cur.physID, cur.hasPhysID = n, true
			}
		case key == "core id":
			n, err := strconv.Atoi(val)
			if err == nil {
				cur.coreID, cur.hasCoreID = n, true
			}
		case key == "thread id":
			n, err := strconv.Atoi(val)
			if err == nil {
				cur.threadID = n
			}
		case strings.HasPrefix(key, "node_") && strings.HasSuffix(key, " id"):
			n, err := strconv.Atoi(val)
			if err == nil {
				cur.nodeID = n
			}
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, Fail(LongLineCpuinfo, "proc/cpuinfo: line exceeds buffer")
		}
		return nil, Fail(NoProcRecords, "proc/cpuinfo: scan: %v", err)
	}
	return records, nil
}

func splitCpuinfoField(line string) (key, val string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(line[:idx]))
	val = strings.TrimSpace(line[idx+1:])
	return key, val, true
}

func reconstructMissingPhysicalIDs(records []cpuinfoRecord, src ProcCPUInfoSource) {
	nextSynthetic := 1 << 20
	assigned := map[int]int{}
	for i := range records {
		r := &records[i]
		if r.hasPhysID {
			continue
		}
		siblings := src.CoreSiblingsList(r.osID)
		synth := -1
		for _, sib := range siblings {
			if id, ok := assigned[sib]; ok {
				synth = id
				break
			}
		}
		if synth < 0 {
			synth = nextSynthetic
			nextSynthetic++
		}
		r.physID, r.hasPhysID = synth, true
		assigned[r.osID] = synth
		for _, sib := range siblings {
			assigned[sib] = synth
		}
	}
}

func reassignDuplicateThreadIDs(records []cpuinfoRecord) {
	counters := map[[2]int]int{} // (physID, coreID) -> next thread id
	seen := map[[3]int]bool{}
	for i := range records {
		r := &records[i]
		key := [3]int{r.physID, r.coreID, r.threadID}
		if !seen[key] {
			seen[key] = true
			pcKey := [2]int{r.physID, r.coreID}
			if counters[pcKey] <= r.threadID {
				counters[pcKey] = r.threadID + 1
			}
			continue
		}
		pcKey := [2]int{r.physID, r.coreID}
		r.threadID = counters[pcKey]
		counters[pcKey]++
		seen[[3]int{r.physID, r.coreID, r.threadID}] = true
	}
}
