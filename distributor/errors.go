package distributor

import "errors"

var (
	// ErrSerializerFull is returned by Serializer.Push when the task queue
	// is at capacity. The caller's response is to drop the message, per the
	// overload policy: the peer is relied upon to retransmit.
	ErrSerializerFull = errors.New("distributor: serializer queue full")

	// ErrPoolClosed is returned by Serializer.Push once the pool has been
	// torn down.
	ErrPoolClosed = errors.New("distributor: pool closed")
)
