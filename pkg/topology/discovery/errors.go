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

import "github.com/pkg/errors"

// MessageID is the closed set of discovery failure identifiers spec.md
// §7 item 2 requires. Back-ends return one of these (wrapped with
// context via github.com/pkg/errors) rather than raw error strings, so
// the driver and top_method override can compare against well-known
// sentinels with errors.Is.
type MessageID string

const (
	NoLeaf4Support         MessageID = "NoLeaf4Support"
	ApicNotPresent         MessageID = "ApicNotPresent"
	InconsistentCpuidInfo  MessageID = "InconsistentCpuidInfo"
	LegacyApicIDsNotUnique MessageID = "LegacyApicIDsNotUnique"
	NoProcRecords          MessageID = "NoProcRecords"
	TooManyProcRecords     MessageID = "TooManyProcRecords"
	MissingProcField       MessageID = "MissingProcField"
	LongLineCpuinfo        MessageID = "LongLineCpuinfo"
	UnknownTopology        MessageID = "UnknownTopology"
	NoHwlocSupport         MessageID = "NoHwlocSupport"
	NoSradSupport          MessageID = "NoSradSupport"
	NoProcessorGroups      MessageID = "NoProcessorGroups"
)

// sentinel is a MessageID lifted to an error value so callers can compare
// with errors.Is regardless of how much context wrapping was applied.
type sentinel struct{ id MessageID }

func (s sentinel) Error() string { return string(s.id) }

// Sentinel returns the base error value for a MessageID.
func Sentinel(id MessageID) error { return sentinel{id} }

// Fail wraps a MessageID sentinel with a human-readable message, the
// (message_id, message) pair spec.md §4.2 asks every back-end to return
// on failure.
func Fail(id MessageID, format string, args ...interface{}) error {
	return errors.Wrapf(Sentinel(id), format, args...)
}

// Is reports whether err was produced by Fail(id, ...) or Sentinel(id).
func Is(err error, id MessageID) bool {
	return errors.Is(err, Sentinel(id))
}
