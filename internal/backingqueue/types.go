/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package backingqueue declares the contract the channel/broker layer
// consumes from the paging engine (design note: "express as an
// interface/trait... instantiate one concrete type per queue"). It holds
// no implementation; tieredqueue.Queue is the sole implementation.
package backingqueue

import (
	"time"

	"github.com/foxcpp/tieredmq/internal/msgstore"
)

// ChannelID is an opaque identifier for the channel that delivered a
// message, threaded through pending-acks so requeue can report which
// channel a tag belongs to without the queue holding a handle back to a
// channel object (design note: cyclic references). The lookup table from
// id to channel belongs to the out-of-scope broker layer.
type ChannelID uint64

// Message is the immutable unit published into a queue.
type Message struct {
	GUID         msgstore.GUID
	Payload      []byte
	IsPersistent bool
	Properties   map[string]string
}

// AckTag identifies one delivered-but-unacked message so the consumer can
// later ack or requeue it.
type AckTag struct {
	SeqID   uint64
	Channel ChannelID
}

// TxnID is an opaque transaction handle; its lifetime is the channel's.
type TxnID uint64

// Status is a snapshot of queue state for the "status" operation.
type Status struct {
	Len               uint64
	PersistentCount   uint64
	RAMMsgCount       uint64
	RAMIndexCount     uint64
	TargetRAMMsgCount int64 // -1 if unset
	Q1Len, Q2Len      uint64
	DeltaCount        uint64
	Q3Len, Q4Len      uint64
}

// FetchResult is returned by Fetch on a successful pop.
type FetchResult struct {
	Message     Message
	IsDelivered bool
	AckTag      AckTag
	Remaining   uint64
}

// BackingQueue is the contract consumed by the channel/broker layer (§6).
type BackingQueue interface {
	Publish(msg Message) error
	PublishDelivered(ackRequired bool, msg Message, channel ChannelID) (tag AckTag, hasTag bool, err error)

	Fetch(ackRequired bool, channel ChannelID) (FetchResult, bool, error)

	Ack(tags []AckTag) error
	Requeue(tags []AckTag) error

	TxPublish(txn TxnID, msg Message) error
	TxAck(txn TxnID, tags []AckTag) error
	TxRollback(txn TxnID) ([]AckTag, error)
	TxCommit(txn TxnID, onPersisted func(error)) error

	SetRAMDurationTarget(d time.Duration)
	RAMDuration() time.Duration

	Len() uint64
	IsEmpty() bool
	Status() Status
	NeedsSync() bool
	Sync() error
	HandlePreHibernate()
	Purge() error
	DeleteAndTerminate() error
}
