// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tcpip

// Error represents an error in the netstack error space. Using a special type
// ensures that errors outside of this space are not accidentally introduced.
//
// Errors are compared by identity; all errors have distinct messages.
//
// The error interface is intentionally omitted to avoid loss of type
// information that would occur if these errors were passed as error.
type Error struct {
	msg string

	ignoreStats bool

	// transient is set on conditions that are expected to clear on their own,
	// such as a destination whose link address is still being resolved. The
	// caller should back off and retry rather than abandon the operation.
	transient bool
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.msg
}

// IgnoreStats indicates whether this error type should be included in failure
// counts in Stats structs.
func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

// Transient reports whether the operation may succeed if retried later.
func (e *Error) Transient() bool {
	return e != nil && e.transient
}

// Errors that can be returned by the neighbor cache and its collaborators.
var (
	ErrInvalidType        = &Error{msg: "invalid cache entry type"}
	ErrPoolEmpty          = &Error{msg: "address cache pool empty", transient: true}
	ErrTimerUnavailable   = &Error{msg: "timer unavailable"}
	ErrNotUsed            = &Error{msg: "cache entry not in use"}
	ErrWouldBlock         = &Error{msg: "operation would block", ignoreStats: true, transient: true}
	ErrNoLinkAddress      = &Error{msg: "no remote link address"}
	ErrInvalidOptionValue = &Error{msg: "invalid option value specified"}
	ErrNoBufferSpace      = &Error{msg: "no buffer space available"}
	ErrMessageTooLong     = &Error{msg: "message too long"}
	ErrBadAddress         = &Error{msg: "bad address"}
	ErrClosedForSend      = &Error{msg: "endpoint is closed for send"}
)
