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

package affinity

import (
	"github.com/pkg/errors"

	"github.com/ompkit/topocore/pkg/topology/mask"
)

// LinuxBinder is unavailable outside Linux; every method reports
// ErrUnsupportedPlatform so a caller that wires an OSBinder unconditionally
// gets a clear error rather than a silent no-op. Per spec.md §4.5 step 5,
// these errors are surfaced unless the active config's Type is TypeNone.
type LinuxBinder struct{}

// ErrUnsupportedPlatform is returned by every LinuxBinder method on
// non-Linux builds.
var ErrUnsupportedPlatform = errors.New("affinity: sched_setaffinity binder is only available on linux")

func (LinuxBinder) BindThread(osID int) error { return ErrUnsupportedPlatform }

func (LinuxBinder) SetSystemAffinity(m mask.Mask, enforce bool) error { return ErrUnsupportedPlatform }

func (LinuxBinder) GetSystemAffinity() (mask.Mask, error) { return mask.Empty, ErrUnsupportedPlatform }
