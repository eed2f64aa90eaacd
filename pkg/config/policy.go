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

// Package config reads an optional, file-based overlay describing several
// named affinity policies at once — for batch tooling that wants to
// compare or apply more than one OMP_PLACES/OMP_PROC_BIND-style policy in
// one run without setting environment variables per invocation. The
// knobs themselves (spec.md §6.5, §6.4) are still plain strings, as the
// spec models them on environment variables; this package only adds a
// place to collect several of them under a name.
package config

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v2"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"

	"github.com/ompkit/topocore/pkg/affinity"
	"github.com/ompkit/topocore/pkg/places"
)

// yamlDecodeBufferBytes bounds how much of a single YAML/JSON document
// k8syaml.NewYAMLOrJSONDecoder buffers before splitting documents; policy
// files are small hand-written configs, never machine-generated streams,
// so the default-sized buffer is generous.
const yamlDecodeBufferBytes = 4096

// Policy is one named affinity configuration as read from a policy-set
// file: the same knobs as affinity.Config, in their string/env-var form.
type Policy struct {
	Name          string `yaml:"name" ini:"name"`
	Type          string `yaml:"type" ini:"type"`
	Granularity   string `yaml:"granularity" ini:"granularity"`
	ProcList      string `yaml:"proclist,omitempty" ini:"proclist,omitempty"`
	PlaceList     string `yaml:"placelist,omitempty" ini:"placelist,omitempty"`
	Offset        int    `yaml:"offset,omitempty" ini:"offset,omitempty"`
	Compact       int    `yaml:"compact,omitempty" ini:"compact,omitempty"`
	Dups          bool   `yaml:"dups,omitempty" ini:"dups,omitempty"`
	Respect       bool   `yaml:"respect,omitempty" ini:"respect,omitempty"`
	Verbose       bool   `yaml:"verbose,omitempty" ini:"verbose,omitempty"`
	Warnings      bool   `yaml:"warnings,omitempty" ini:"warnings,omitempty"`
	OMPPlaces     bool   `yaml:"omp_places,omitempty" json:"omp_places,omitempty" ini:"omp_places,omitempty"`
	CoreTypesGran bool   `yaml:"core_types_gran,omitempty" json:"core_types_gran,omitempty" ini:"core_types_gran,omitempty"`
	CoreEffsGran  bool   `yaml:"core_effs_gran,omitempty" json:"core_effs_gran,omitempty" ini:"core_effs_gran,omitempty"`
	TopMethod     string `yaml:"top_method,omitempty" json:"top_method,omitempty" ini:"top_method,omitempty"`
}

// PolicySet is a named collection of Policy entries, e.g. one for user
// threads and one for the hidden-helper team.
type PolicySet struct {
	Policies []Policy `yaml:"policies"`
}

// LoadYAML reads a PolicySet from r, accepting either YAML or JSON (the
// same k8syaml.NewYAMLOrJSONDecoder idiom the teacher uses for decoding
// must-gather artifacts of unknown-in-advance format).
func LoadYAML(r io.Reader) (*PolicySet, error) {
	dec := k8syaml.NewYAMLOrJSONDecoder(bufio.NewReader(r), yamlDecodeBufferBytes)
	var ps PolicySet
	if err := dec.Decode(&ps); err != nil {
		return nil, errors.Wrap(err, "config: decoding policy set")
	}
	return &ps, nil
}

// LoadYAMLFile opens path and parses it as a policy set. It falls back to
// gopkg.in/yaml.v2 directly when the JSON-compatible decoder returns an
// error. Anchors, aliases and merge keys do not need the fallback: that
// decoder resolves them while converting YAML to JSON.
func LoadYAMLFile(path string) (*PolicySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: opening %s", path)
	}
	defer f.Close()

	ps, err := LoadYAML(f)
	if err == nil {
		return ps, nil
	}

	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, errors.Wrapf(readErr, "config: re-reading %s", path)
	}
	var fallback PolicySet
	if yamlErr := yaml.Unmarshal(raw, &fallback); yamlErr != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	return &fallback, nil
}

// LoadINI reads a legacy key=value policy-set file: one `[section]` per
// named policy, mirroring the teacher's tuned.conf-style profile format.
func LoadINI(path string) (*PolicySet, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: loading ini file %s", path)
	}
	var ps PolicySet
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		p := Policy{Name: section.Name()}
		if err := section.MapTo(&p); err != nil {
			return nil, errors.Wrapf(err, "config: section %q", section.Name())
		}
		p.Name = section.Name()
		ps.Policies = append(ps.Policies, p)
	}
	return &ps, nil
}

// ToAffinityConfig translates one Policy's string-form knobs into an
// affinity.Config ready for Init, resolving the granularity name and
// bind-policy type the way spec.md §4.4.1/§6.5 describe them.
func ToAffinityConfig(p Policy) (*affinity.Config, error) {
	cfg := &affinity.Config{
		Offset:        p.Offset,
		Compact:       p.Compact,
		ProcList:      p.ProcList,
		PlaceListText: p.PlaceList,
		Flags: affinity.Flags{
			Verbose:       p.Verbose,
			Respect:       p.Respect,
			Warnings:      p.Warnings,
			Dups:          p.Dups,
			OMPPlaces:     p.OMPPlaces,
			CoreTypesGran: p.CoreTypesGran,
			CoreEffsGran:  p.CoreEffsGran,
		},
	}

	t, err := parseType(p.Type)
	if err != nil {
		return nil, errors.Wrapf(err, "config: policy %q", p.Name)
	}
	cfg.Type = t

	if p.Granularity != "" {
		g, err := places.ParseGranularity(p.Granularity)
		if err != nil {
			return nil, errors.Wrapf(err, "config: policy %q granularity", p.Name)
		}
		cfg.Granularity = g
	}
	return cfg, nil
}

func parseType(s string) (affinity.Type, error) {
	switch s {
	case "", "none":
		return affinity.TypeNone, nil
	case "explicit":
		return affinity.TypeExplicit, nil
	case "logical":
		return affinity.TypeLogical, nil
	case "physical":
		return affinity.TypePhysical, nil
	case "scatter":
		return affinity.TypeScatter, nil
	case "compact":
		return affinity.TypeCompact, nil
	case "balanced":
		return affinity.TypeBalanced, nil
	case "disabled":
		return affinity.TypeDisabled, nil
	default:
		return affinity.TypeNone, errors.Errorf("unknown affinity type %q", s)
	}
}
