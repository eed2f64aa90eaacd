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
	"github.com/jaypipes/ghw"
	ghwcpu "github.com/jaypipes/ghw/pkg/cpu"
	ghwtopology "github.com/jaypipes/ghw/pkg/topology"
)

// liveGHWSource points discovery.GHWBackend at the real host, the same
// ghw.CPU/ghw.Topology pair the teacher's GHWHandler wraps.
type liveGHWSource struct{}

func (liveGHWSource) CPU() (*ghwcpu.Info, error) {
	return ghw.CPU()
}

func (liveGHWSource) Topology() (*ghwtopology.Info, error) {
	return ghw.Topology()
}
