//go:build !linux

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

	"github.com/ompkit/topocore/pkg/topology/mask"
)

// currentFullMask has no portable equivalent wired on this platform; the
// caller falls back to treating the process as unrestricted.
func currentFullMask() (mask.Mask, error) {
	return mask.Empty, errors.New("cmd/omptopo: reading process affinity is only available on linux")
}

// discoveryThreadBinder has no sched_setaffinity-equivalent wired on this
// platform; back-ends that need it (cpuid-x2apic, legacy-apic) simply
// aren't in DefaultOrder's reachable set here, since Discover falls
// through to a back-end that doesn't need per-thread pinning (proc
// cpuinfo parsing, or the flat synthetic fallback).
type discoveryThreadBinder struct{}

func (discoveryThreadBinder) BindSelf(osID int) (func(), error) {
	return nil, errors.New("cmd/omptopo: discovery thread pinning is only available on linux")
}
