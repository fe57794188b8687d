// Copyright 2019 The gVisor Authors.
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

// Package buffer provides the outbound packet buffer queued by the neighbor
// cache while a destination is being resolved.
package buffer

import (
	"github.com/dwadeiv/neighcache/pkg/tcpip"
)

// UnlinkFunc removes a buffer from whatever queue installed it.
type UnlinkFunc func(pkt *PacketBuffer)

// A PacketBuffer contains all the data of an outbound frame.
//
// A buffer carries two independent linkages:
//
//   - The primary linkage (Next/SetNext) chains the buffers that make up one
//     datagram, e.g. its fragments. It belongs to the layer that built the
//     datagram.
//   - The secondary linkage (QueuePrev/QueueNext) chains datagrams waiting on
//     the same neighbor entry. It belongs to whoever queued the buffer, and
//     only the head buffer of a datagram is ever on a secondary chain.
//
// While queued, the owner of the secondary linkage installs an unlink
// function and object so that Release removes the buffer from the queue
// before the buffer goes away.
type PacketBuffer struct {
	// Data holds the frame, link header first.
	Data []byte

	// LinkHeaderSize is the number of bytes of Data reserved for the link
	// header.
	LinkHeaderSize int

	// NetworkProtocolNumber is the protocol of the payload.
	NetworkProtocolNumber tcpip.NetworkProtocolNumber

	// NICID is the NIC the frame leaves through.
	NICID tcpip.NICID

	next *PacketBuffer

	qPrev *PacketBuffer
	qNext *PacketBuffer

	unlinkFn  UnlinkFunc
	unlinkObj any

	released bool
}

// NewPacketBuffer returns a buffer holding payload behind a zeroed link
// header of linkHeaderSize bytes.
func NewPacketBuffer(linkHeaderSize int, payload []byte) *PacketBuffer {
	data := make([]byte, linkHeaderSize+len(payload))
	copy(data[linkHeaderSize:], payload)
	return &PacketBuffer{
		Data:           data,
		LinkHeaderSize: linkHeaderSize,
	}
}

// LinkHeader returns the link header bytes of pk.
func (pk *PacketBuffer) LinkHeader() []byte {
	return pk.Data[:pk.LinkHeaderSize]
}

// Payload returns the bytes following the link header.
func (pk *PacketBuffer) Payload() []byte {
	return pk.Data[pk.LinkHeaderSize:]
}

// Size returns the total length of pk, including its link header.
func (pk *PacketBuffer) Size() int {
	return len(pk.Data)
}

// Next returns the next buffer of the same datagram.
func (pk *PacketBuffer) Next() *PacketBuffer {
	return pk.next
}

// SetNext chains n after pk in the same datagram.
func (pk *PacketBuffer) SetNext(n *PacketBuffer) {
	pk.next = n
}

// QueuePrev returns the previous datagram on pk's queue.
func (pk *PacketBuffer) QueuePrev() *PacketBuffer {
	return pk.qPrev
}

// QueueNext returns the next datagram on pk's queue.
func (pk *PacketBuffer) QueueNext() *PacketBuffer {
	return pk.qNext
}

// SetQueuePrev sets the previous datagram on pk's queue.
func (pk *PacketBuffer) SetQueuePrev(p *PacketBuffer) {
	pk.qPrev = p
}

// SetQueueNext sets the next datagram on pk's queue.
func (pk *PacketBuffer) SetQueueNext(n *PacketBuffer) {
	pk.qNext = n
}

// SetUnlink installs fn and obj. fn is called by Release while installed.
func (pk *PacketBuffer) SetUnlink(fn UnlinkFunc, obj any) {
	pk.unlinkFn = fn
	pk.unlinkObj = obj
}

// UnlinkObject returns the object installed by SetUnlink, nil if none.
func (pk *PacketBuffer) UnlinkObject() any {
	return pk.unlinkObj
}

// ClearUnlink removes the installed unlink function and object.
func (pk *PacketBuffer) ClearUnlink() {
	pk.unlinkFn = nil
	pk.unlinkObj = nil
}

// Queued reports whether an unlink function is installed.
func (pk *PacketBuffer) Queued() bool {
	return pk.unlinkFn != nil
}

// Released reports whether Release was called on pk.
func (pk *PacketBuffer) Released() bool {
	return pk.released
}

// Release frees pk and the rest of its datagram. If pk is still queued, it
// is unlinked from its queue first. Releasing twice is a no-op.
//
// The unlink function may acquire the lock of the queue's owner, so Release
// must not be called with that lock held on a buffer that is still queued.
func (pk *PacketBuffer) Release() {
	if pk.released {
		return
	}
	if fn := pk.unlinkFn; fn != nil {
		fn(pk)
	}
	pk.ClearUnlink()
	pk.qPrev = nil
	pk.qNext = nil

	for b := pk; b != nil; {
		n := b.next
		b.released = true
		b.next = nil
		b.Data = nil
		b = n
	}
}

// Count returns the number of buffers in the datagram headed by pk.
func (pk *PacketBuffer) Count() int {
	n := 0
	for b := pk; b != nil; b = b.next {
		n++
	}
	return n
}
