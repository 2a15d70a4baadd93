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

// Package member implements the membership table: the authoritative
// local view of peer status, incarnation-based conflict resolution, and
// the stream of membership events consumed by the dissemination layer.
package member

// ID names a peer. It is opaque to the table: typically "host:port",
// but any equality- and hash-comparable string works.
type ID string

// Status is a member's position in the SWIM status lattice
// alive < suspect < faulty.
type Status int

const (
	Alive Status = iota
	Suspect
	Faulty
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Faulty:
		return "faulty"
	default:
		return "unknown"
	}
}

// EventKind identifies the kind of change a membership mutation
// produced.
type EventKind int

const (
	Joined EventKind = iota
	StatusChanged
	Evicted
	Refuted
)

// Event describes one membership-table mutation for the dissemination
// layer. Old is the zero Status for Joined and Refuted events.
type Event struct {
	Kind EventKind
	ID   ID
	Old  Status
	New  Status
	Inc  uint64
}

// Snapshot is a point-in-time view of one member, returned by Members.
type Snapshot struct {
	ID          ID
	Status      Status
	Incarnation uint64
}
