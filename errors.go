// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package netmesh

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Error kinds. Names follow spec §7; these are sentinels, not a type
// hierarchy, so callers compare with errors.Is.
var (
	// ErrAlreadyExists: inserting a duplicate handler or peer.
	ErrAlreadyExists = errors.New("netmesh: already exists")

	// ErrNotFound: unknown peer, channel, or handler.
	ErrNotFound = errors.New("netmesh: not found")

	// ErrFailedPrecondition: operation on an unopened or closed socket, a
	// closed channel manager, or an already-consumed UDP request. Operations
	// on a closed channel return ErrClosed instead.
	ErrFailedPrecondition = errors.New("netmesh: failed precondition")

	// ErrInvalidArgument: malformed frame, wrong wrap length, unknown protocol
	// tag seen by the channel manager.
	ErrInvalidArgument = errors.New("netmesh: invalid argument")

	// ErrInternal: an OS call (socket/bind/connect/send/recv) failed.
	ErrInternal = errors.New("netmesh: internal error")

	// ErrResourceExhausted: the channel free list would overflow.
	ErrResourceExhausted = errors.New("netmesh: resource exhausted")

	// ErrTimedOut: a bounded read elapsed without data.
	ErrTimedOut = errors.New("netmesh: timed out")

	// ErrClosed: the channel or buffer has been closed.
	ErrClosed = errors.New("netmesh: closed")

	// ErrUnimplemented: the operation is not supported by this request/client
	// variant (e.g. MulticastClient.Receive, UDPRequest.Send).
	ErrUnimplemented = errors.New("netmesh: unimplemented")
)

// wrapInternal attaches errno-level context to ErrInternal with a stack
// trace, the way compose-go wraps OS/driver failures with
// github.com/pkg/errors instead of a bare fmt.Errorf. The result still
// satisfies errors.Is(err, ErrInternal) for callers that only care about the
// kind, while logrus can render the %+v stack for diagnostics.
func wrapInternal(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrInternal, pkgerrors.Wrap(err, op))
}
