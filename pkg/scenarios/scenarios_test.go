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

package scenarios

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ompkit/topocore/pkg/affinity"
	"github.com/ompkit/topocore/pkg/affinity/balanced"
	"github.com/ompkit/topocore/pkg/places"
	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/mask"
	"github.com/ompkit/topocore/pkg/topology/subset"
)

func rangeIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func canonicalized(types []topology.LayerKind, threads []topology.HWThread, full mask.Mask) *topology.Topology {
	topo := topology.New(types, threads, full)
	Expect(topo.Canonicalize()).To(Succeed())
	return topo
}

// buildUniform2x8x2 is spec.md §8 scenario 1's fixture: two sockets,
// 8 cores per socket, 2 SMT threads per core, OS ids 0..31.
func buildUniform2x8x2() *topology.Topology {
	var threads []topology.HWThread
	osID := 0
	for sock := 0; sock < 2; sock++ {
		for core := 0; core < 8; core++ {
			for thr := 0; thr < 2; thr++ {
				threads = append(threads, topology.HWThread{
					OSID:        osID,
					OriginalIdx: osID,
					IDs:         []int{sock, core, thr},
					Attrs:       topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
				})
				osID++
			}
		}
	}
	return canonicalized([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, mask.New(rangeIDs(32)...))
}

// buildHybrid6P8E is spec.md §8 scenario 2's fixture: one socket, six
// 2-way SMT P-cores (efficiency 1) followed by eight single-thread
// E-cores (efficiency 0), OS ids 0..19.
func buildHybrid6P8E() *topology.Topology {
	var threads []topology.HWThread
	osID := 0
	for core := 0; core < 6; core++ {
		for thr := 0; thr < 2; thr++ {
			threads = append(threads, topology.HWThread{
				OSID: osID, OriginalIdx: osID, IDs: []int{0, core, thr},
				Attrs: topology.CoreAttrs{Type: topology.CoreTypeCore, Efficiency: 1},
			})
			osID++
		}
	}
	for e := 0; e < 8; e++ {
		threads = append(threads, topology.HWThread{
			OSID: osID, OriginalIdx: osID, IDs: []int{0, 6 + e, 0},
			Attrs: topology.CoreAttrs{Type: topology.Atom, Efficiency: 0},
		})
		osID++
	}
	return canonicalized([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, mask.New(rangeIDs(20)...))
}

// buildNonUniform3Cores484 is spec.md §8 scenario 4's fixture: one
// socket, three cores whose SMT sibling counts are 4, 2, 2.
func buildNonUniform3Cores484() *topology.Topology {
	var threads []topology.HWThread
	osID := 0
	for core, n := range []int{4, 2, 2} {
		for thr := 0; thr < n; thr++ {
			threads = append(threads, topology.HWThread{
				OSID: osID, OriginalIdx: osID, IDs: []int{0, core, thr},
				Attrs: topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
			})
			osID++
		}
	}
	return canonicalized([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, mask.New(rangeIDs(osID)...))
}

// buildFlat8Threads is a single core exposing 8 SMT threads, OS ids
// 0..7 — the fixture spec.md §8 scenario 6's "threads(8)" bound assumes.
func buildFlat8Threads() *topology.Topology {
	var threads []topology.HWThread
	for thr := 0; thr < 8; thr++ {
		threads = append(threads, topology.HWThread{
			OSID: thr, OriginalIdx: thr, IDs: []int{0, 0, thr},
			Attrs: topology.CoreAttrs{Type: topology.CoreTypeUnknown, Efficiency: topology.EfficiencyUnknown},
		})
	}
	return canonicalized([]topology.LayerKind{topology.Socket, topology.Core, topology.Thread}, threads, mask.New(rangeIDs(8)...))
}

var _ = Describe("uniform 2x8x2, compact policy, thread granularity", func() {
	It("yields 32 singleton places in ascending OS-id order", func() {
		topo := buildUniform2x8x2()
		Expect(topo.Uniform).To(BeTrue())

		built, err := places.Build(topo, places.Request{
			Granularity: places.Granularity{Layer: topology.Thread},
			Policy:      places.PolicyCompact,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(built).To(HaveLen(32))
		for i, m := range built {
			Expect(m.Equal(mask.New(i))).To(BeTrue(), "place %d = %s, want {%d}", i, m.String(), i)
		}
		for _, th := range topo.Threads {
			Expect(th.Leader).To(BeTrue(), "thread OS id %d should be its own group's leader at thread granularity", th.OSID)
		}
	})
})

var _ = Describe("hybrid 1x(6P+8E)x2-on-P, scatter policy, core granularity", func() {
	It("orders P-cores before E-cores, highest efficiency first", func() {
		topo := buildHybrid6P8E()

		built, err := places.Build(topo, places.Request{
			Granularity: places.Granularity{Layer: topology.Core},
			Policy:      places.PolicyScatter,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(built).To(HaveLen(14))

		for k := 0; k < 6; k++ {
			Expect(built[k].Equal(mask.New(2*k, 2*k+1))).To(BeTrue(), "P-core place %d = %s", k, built[k].String())
		}
		for k := 0; k < 8; k++ {
			Expect(built[6+k].Equal(mask.New(12 + k))).To(BeTrue(), "E-core place %d = %s", k, built[6+k].String())
		}
	})
})

var _ = Describe("subset '1@1 sockets, 4 cores' on the uniform 2x8x2 topology", func() {
	It("keeps only the second socket's first four cores", func() {
		topo := buildUniform2x8x2()
		items, err := subset.ParseHWSubset("1@1sockets,4cores")
		Expect(err).NotTo(HaveOccurred())
		Expect(subset.Apply(topo, items)).To(Succeed())

		Expect(topo.Threads).To(HaveLen(8))
		Expect(topo.Uniform).To(BeTrue())
		Expect(topo.Count[topo.LayerIndex(topology.Socket)]).To(Equal(1))
		Expect(topo.Ratio[topo.LayerIndex(topology.Core)]).To(Equal(4))
		for _, th := range topo.Threads {
			Expect(th.OSID).To(BeNumerically(">=", 16), "thread %+v should belong to socket 1", th)
		}
	})
})

var _ = Describe("balanced assigner on a non-uniform 4/2/2 core topology", func() {
	coreOf := func(osID int) int {
		switch {
		case osID < 4:
			return 0
		case osID < 6:
			return 1
		default:
			return 2
		}
	}

	It("splits 6 threads as (2, 2, 2) across the three cores, one mask per thread id", func() {
		topo := buildNonUniform3Cores484()

		cfg := &affinity.Config{Type: affinity.TypeBalanced, NumThreads: 6}
		Expect(cfg.Init(topo)).To(Succeed())
		Expect(cfg.NumMasks).To(Equal(6))

		perCore := map[int]int{}
		for _, m := range cfg.Masks {
			perCore[coreOf(m.List()[0])]++
		}
		Expect(perCore).To(Equal(map[int]int{0: 2, 1: 2, 2: 2}))
	})

	It("matches the standalone fine assigner directly", func() {
		topo := buildNonUniform3Cores484()
		fine, err := balanced.Assign(topo, 6, balanced.Fine)
		Expect(err).NotTo(HaveOccurred())
		Expect(fine).To(Equal([]mask.Mask{
			mask.New(0), mask.New(4), mask.New(6),
			mask.New(1), mask.New(5), mask.New(7),
		}))
	})
})

var _ = Describe("explicit proclist '{0,2,4},{1,3,5},6-11:2'", func() {
	It("produces two unions and three single-id places", func() {
		topo := buildUniform2x8x2()
		cfg := &affinity.Config{
			Type:     affinity.TypeExplicit,
			ProcList: "{0,2,4},{1,3,5},6-11:2",
		}
		Expect(cfg.Init(topo)).To(Succeed())
		Expect(cfg.NumMasks).To(Equal(5))
		Expect(cfg.Masks[0].Equal(mask.New(0, 2, 4))).To(BeTrue())
		Expect(cfg.Masks[1].Equal(mask.New(1, 3, 5))).To(BeTrue())
		Expect(cfg.Masks[2].Equal(mask.New(6))).To(BeTrue())
		Expect(cfg.Masks[3].Equal(mask.New(8))).To(BeTrue())
		Expect(cfg.Masks[4].Equal(mask.New(10))).To(BeTrue())
	})
})

var _ = Describe("OMP_PLACES 'threads(8):4:2'", func() {
	It("replicates the first thread place, shifting by 2 ordered positions each copy", func() {
		topo := buildFlat8Threads()
		cfg := &affinity.Config{
			Type:          affinity.TypeExplicit,
			PlaceListText: "threads(8):4:2",
			Flags:         affinity.Flags{OMPPlaces: true},
		}
		Expect(cfg.Init(topo)).To(Succeed())
		Expect(cfg.NumMasks).To(Equal(4))
		Expect(cfg.Masks[0].Equal(mask.New(0))).To(BeTrue())
		Expect(cfg.Masks[1].Equal(mask.New(2))).To(BeTrue())
		Expect(cfg.Masks[2].Equal(mask.New(4))).To(BeTrue())
		Expect(cfg.Masks[3].Equal(mask.New(6))).To(BeTrue())
	})
})
