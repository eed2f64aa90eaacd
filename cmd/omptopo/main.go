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

// Command omptopo is a front end over pkg/topology and pkg/places for
// inspecting a machine's discovered topology and the place lists a given
// OMP_PLACES/OMP_PROC_BIND policy would resolve to, without linking this
// into an actual OpenMP runtime.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/ompkit/topocore/pkg/affinity"
	"github.com/ompkit/topocore/pkg/config"
	"github.com/ompkit/topocore/pkg/places"
	"github.com/ompkit/topocore/pkg/topology"
	"github.com/ompkit/topocore/pkg/topology/discovery"
	"github.com/ompkit/topocore/pkg/topology/mask"
	"github.com/ompkit/topocore/pkg/topology/subset"
)

var (
	flagTopMethod string
	flagHWSubset  string
	flagVerbose   bool
)

func main() {
	root := &cobra.Command{
		Use:   "omptopo",
		Short: "inspect machine topology and resolve OpenMP-style affinity policies",
	}
	root.PersistentFlags().StringVar(&flagTopMethod, "top-method", "", "pin discovery to one back-end (hwloc, proc-cpuinfo, flat)")
	root.PersistentFlags().StringVar(&flagHWSubset, "hw-subset", "", "HW_SUBSET restriction applied after discovery")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log each resolution step")

	root.AddCommand(newDiscoverCmd(), newPlacesCmd(), newNormalizeCmd(), newPolicyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildDriver registers every back-end with a real production
// collaborator. The CPUID x2APIC/legacy-APIC, AIX SRAD and Windows-group
// back-ends need assembly-level or OS-specific sources this CLI doesn't
// provide; they're simply left unregistered, which Driver.Discover
// treats the same as "tried and skipped".
func buildDriver() *discovery.Driver {
	backends := map[discovery.Method]discovery.Backend{
		discovery.MethodHwloc:       discovery.GHWBackend{Source: liveGHWSource{}},
		discovery.MethodProcCPUInfo: discovery.ProcCPUInfoBackend{Source: sysfsCPUInfoSource{}},
		discovery.MethodFlat:        discovery.FlatBackend{},
	}
	return discovery.NewDriver(backends)
}

// discoverTopology runs the full pipeline: pick the initial full mask from
// the process's own current affinity, run the discovery driver (honoring
// --top-method), canonicalize, then apply --hw-subset if given.
func discoverTopology() (*topology.Topology, error) {
	full, err := currentFullMask()
	if err != nil {
		klog.Warningf("omptopo: could not read process affinity (%v), assuming unrestricted", err)
		full = mask.Empty
	}

	driver := buildDriver()
	if flagTopMethod != "" {
		driver.Pin(discovery.Method(flagTopMethod))
	}

	runID := uuid.New()
	if flagVerbose {
		klog.V(1).InfoS("omptopo: starting discovery", "run_id", runID, "full_mask", full.String())
	}

	topo, err := driver.Discover(full, discoveryThreadBinder{})
	if err != nil {
		return nil, errors.Wrap(err, "omptopo: discovery")
	}
	if err := topo.Canonicalize(); err != nil {
		return nil, errors.Wrap(err, "omptopo: canonicalize")
	}

	if flagHWSubset != "" {
		items, err := subset.ParseHWSubset(flagHWSubset)
		if err != nil {
			return nil, errors.Wrap(err, "omptopo: parsing --hw-subset")
		}
		if err := subset.Apply(topo, items); err != nil {
			return nil, errors.Wrap(err, "omptopo: applying --hw-subset")
		}
	}

	if flagVerbose {
		klog.V(1).InfoS("omptopo: discovery complete", "run_id", runID, "threads", len(topo.Threads), "uniform", topo.Uniform)
	}
	return topo, nil
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "print the canonicalized topology summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := discoverTopology()
			if err != nil {
				return err
			}
			printTopologySummary(topo)
			return nil
		},
	}
}

func printTopologySummary(topo *topology.Topology) {
	fmt.Printf("layers:          %s\n", layerNamesJoined(topo.Types))
	fmt.Printf("threads:         %d\n", len(topo.Threads))
	fmt.Printf("uniform:         %t\n", topo.Uniform)
	fmt.Printf("threads_per_core: %d\n", topo.ThreadsPerCore)
	fmt.Printf("cores_per_pkg:   %d\n", topo.CoresPerPkg)
	fmt.Printf("num_packages:    %d\n", topo.NumPackages)
	fmt.Printf("full_mask:       %s\n", topo.FullMask.String())
	for i, l := range topo.Types {
		fmt.Printf("  %-12s count=%-6d ratio=%d\n", l.String(), topo.Count[i], topo.Ratio[i])
	}
}

func layerNamesJoined(kinds []topology.LayerKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ">")
}

func newPlacesCmd() *cobra.Command {
	var granularity, policyName string
	var compact, offset int
	var dups bool

	cmd := &cobra.Command{
		Use:   "places",
		Short: "resolve an OMP_PLACES/OMP_PROC_BIND policy into a place list",
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := discoverTopology()
			if err != nil {
				return err
			}
			g, err := places.ParseGranularity(granularity)
			if err != nil {
				return err
			}
			policy, err := parsePolicyName(policyName)
			if err != nil {
				return err
			}
			masks, err := places.Build(topo, places.Request{
				Granularity: g,
				Policy:      policy,
				UserCompact: compact,
				UserOffset:  offset,
				Dups:        dups,
			})
			if err != nil {
				return err
			}
			for i, m := range masks {
				fmt.Printf("place %d: %s\n", i, m.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&granularity, "granularity", "cores", "threads|cores|sockets|numa_domains|ll_caches|...")
	cmd.Flags().StringVar(&policyName, "policy", "logical", "logical|physical|compact|scatter")
	cmd.Flags().IntVar(&compact, "compact", 0, "user compact value")
	cmd.Flags().IntVar(&offset, "offset", 0, "user offset value")
	cmd.Flags().BoolVar(&dups, "dups", false, "one place per thread instead of per leader")
	return cmd
}

func parsePolicyName(s string) (places.Policy, error) {
	switch s {
	case "logical":
		return places.PolicyLogical, nil
	case "physical":
		return places.PolicyPhysical, nil
	case "compact":
		return places.PolicyCompact, nil
	case "scatter":
		return places.PolicyScatter, nil
	default:
		return places.PolicyLogical, errors.Errorf("omptopo: unknown policy %q", s)
	}
}

func newNormalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize {hw-subset|proclist|placelist} <value>",
		Short: "parse and re-render a DSL string, for checking what the parser actually saw",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, value := args[0], args[1]
			switch kind {
			case "hw-subset":
				items, err := subset.ParseHWSubset(value)
				if err != nil {
					return err
				}
				fmt.Println(subset.String(items))
			case "proclist":
				masks, err := places.ParseProcList(value)
				if err != nil {
					return err
				}
				parts := make([]string, len(masks))
				for i, m := range masks {
					parts[i] = m.String()
				}
				fmt.Println(strings.Join(parts, ":"))
			case "placelist":
				pl, err := places.ParsePlaceList(value)
				if err != nil {
					return err
				}
				if pl.AbstractName != "" {
					fmt.Printf("%s(%d)\n", pl.AbstractName, pl.NumPlaces)
					return nil
				}
				parts := make([]string, len(pl.Explicit))
				for i, m := range pl.Explicit {
					parts[i] = m.String()
				}
				fmt.Println(strings.Join(parts, ":"))
			default:
				return errors.Errorf("omptopo: unknown normalize kind %q", kind)
			}
			return nil
		},
	}
	return cmd
}

func newPolicyCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "policy <file>",
		Short: "load a named policy set and print each policy's resolved place list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := discoverTopology()
			if err != nil {
				return err
			}

			var ps *config.PolicySet
			switch format {
			case "ini":
				ps, err = config.LoadINI(args[0])
			default:
				ps, err = config.LoadYAMLFile(args[0])
			}
			if err != nil {
				return err
			}

			for _, p := range ps.Policies {
				cfg, err := config.ToAffinityConfig(p)
				if err != nil {
					return err
				}
				if err := applyPolicy(topo, cfg, p.Name); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "yaml|ini")
	return cmd
}

func applyPolicy(topo *topology.Topology, cfg *affinity.Config, name string) error {
	if err := cfg.Init(topo); err != nil {
		return errors.Wrapf(err, "omptopo: policy %q", name)
	}
	fmt.Printf("policy %s: %d place(s)\n", name, cfg.NumMasks)
	for i, m := range cfg.Masks {
		fmt.Printf("  place %d: %s\n", i, m.String())
	}
	return nil
}
