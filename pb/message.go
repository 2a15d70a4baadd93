/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package pb defines the wire messages exchanged by the failure detector
// once a datagram has been through the keyring. The message shapes mirror
// the tagged union the detector expects: Ping, Ack, PingReq and Nack, each
// carrying a bounded Events piggyback list for gossip dissemination.
package pb

import (
	"github.com/gogo/protobuf/proto"
)

// EventKind identifies the kind of membership change an Event reports.
type EventKind int32

const (
	EventKind_ALIVE EventKind = 0
	EventKind_SUSPECT EventKind = 1
	EventKind_FAULTY EventKind = 2
)

var EventKind_name = map[int32]string{
	0: "ALIVE",
	1: "SUSPECT",
	2: "FAULTY",
}

func (k EventKind) String() string {
	if s, ok := EventKind_name[int32(k)]; ok {
		return s
	}
	return "UNKNOWN"
}

// Event is a single piggybacked membership report.
type Event struct {
	Kind        EventKind `protobuf:"varint,1,opt,name=kind,proto3,enum=pb.EventKind" json:"kind,omitempty"`
	Member      string    `protobuf:"bytes,2,opt,name=member,proto3" json:"member,omitempty"`
	Incarnation uint64    `protobuf:"varint,3,opt,name=incarnation,proto3" json:"incarnation,omitempty"`
}

func (m *Event) Reset()         { *m = Event{} }
func (m *Event) String() string { return proto.CompactTextString(m) }
func (*Event) ProtoMessage()    {}

// Ping is sent directly to a probe target. TargetInc records the
// incarnation the prober believed the target to be at when it was
// selected, so the target can detect a stale report about itself.
type Ping struct {
	Seq       uint32   `protobuf:"varint,1,opt,name=seq,proto3" json:"seq,omitempty"`
	TargetInc uint64   `protobuf:"varint,2,opt,name=target_inc,json=targetInc,proto3" json:"target_inc,omitempty"`
	Local     string   `protobuf:"bytes,3,opt,name=local,proto3" json:"local,omitempty"`
	Piggyback []*Event `protobuf:"bytes,4,rep,name=piggyback,proto3" json:"piggyback,omitempty"`
}

func (m *Ping) Reset()         { *m = Ping{} }
func (m *Ping) String() string { return proto.CompactTextString(m) }
func (*Ping) ProtoMessage()    {}

// Ack answers a Ping or a proxied PingReq, reporting the replier's own
// current incarnation.
type Ack struct {
	Seq       uint32   `protobuf:"varint,1,opt,name=seq,proto3" json:"seq,omitempty"`
	Inc       uint64   `protobuf:"varint,2,opt,name=inc,proto3" json:"inc,omitempty"`
	Piggyback []*Event `protobuf:"bytes,3,rep,name=piggyback,proto3" json:"piggyback,omitempty"`
}

func (m *Ack) Reset()         { *m = Ack{} }
func (m *Ack) String() string { return proto.CompactTextString(m) }
func (*Ack) ProtoMessage()    {}

// PingReq asks a proxy to ping Target on the origin's behalf.
type PingReq struct {
	Seq       uint32   `protobuf:"varint,1,opt,name=seq,proto3" json:"seq,omitempty"`
	Target    string   `protobuf:"bytes,2,opt,name=target,proto3" json:"target,omitempty"`
	TargetInc uint64   `protobuf:"varint,3,opt,name=target_inc,json=targetInc,proto3" json:"target_inc,omitempty"`
	Origin    string   `protobuf:"bytes,4,opt,name=origin,proto3" json:"origin,omitempty"`
	Piggyback []*Event `protobuf:"bytes,5,rep,name=piggyback,proto3" json:"piggyback,omitempty"`
}

func (m *PingReq) Reset()         { *m = PingReq{} }
func (m *PingReq) String() string { return proto.CompactTextString(m) }
func (*PingReq) ProtoMessage()    {}

// Nack tells a ping-req's origin that the proxy never heard back from
// the target within its own timeout.
type Nack struct {
	Seq uint32 `protobuf:"varint,1,opt,name=seq,proto3" json:"seq,omitempty"`
}

func (m *Nack) Reset()         { *m = Nack{} }
func (m *Nack) String() string { return proto.CompactTextString(m) }
func (*Nack) ProtoMessage()    {}

// Tag identifies which of the oneof payloads a Message carries on the
// wire.
type Tag byte

const (
	TagPing Tag = 1
	TagAck  Tag = 2
	TagPingReq Tag = 3
	TagNack Tag = 4
)

// Payload is implemented by Ping, Ack, PingReq and Nack. It exists purely
// to let Message.Payload hold exactly one of them, mirroring the oneof
// wrapper shape generated protobuf code uses.
type Payload interface {
	proto.Message
	tag() Tag
}

func (*Ping) tag() Tag    { return TagPing }
func (*Ack) tag() Tag     { return TagAck }
func (*PingReq) tag() Tag { return TagPingReq }
func (*Nack) tag() Tag    { return TagNack }

// Message is the outer envelope a Sender addresses and a Payload rides
// inside of. Sender is the wire string form of the sending member's
// identity (typically "host:port"), attached so handlers don't need the
// UDP source address to reply.
type Message struct {
	Sender  string
	Payload Payload
}

func (m *Message) Reset()         { *m = Message{} }
func (m *Message) String() string { return proto.CompactTextString(m.Payload) }
func (*Message) ProtoMessage()    {}
