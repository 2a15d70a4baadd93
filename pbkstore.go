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

package swim

import (
	"container/heap"
	"fmt"
	"math"
	"sync"

	"github.com/it-chain/iLogger"
	"github.com/rs/xid"

	"github.com/barbct5/swim/member"
	"github.com/barbct5/swim/pb"
)

// PriorityPBStore is the bounded retransmit-budget queue gossip events
// ride in before they are piggybacked onto outgoing datagrams. Every
// event pushed onto it is handed out by Get up to a transmit budget of
// ceil(log2(N+1)) * RetransmitMult times (the same cluster-size-log
// growth the suspicion timeout uses), capped at MaxLocalCount, and
// then dropped: a member that hasn't heard about a change after that
// many gossip exchanges has almost certainly heard it from someone else.
type PriorityPBStore struct {
	mu sync.Mutex
	h  pbHeap
	// byMember holds the single pending record for each member id, so a
	// newer report supersedes an older one instead of both riding along.
	byMember map[member.ID]*pbRecord

	maxLocalCount  int
	retransmitMult int
	clusterSize    func() int
	seq            uint64
}

type pbRecord struct {
	id        xid.ID
	event     *pb.Event
	memberID  member.ID
	remaining int
	seq       uint64
	index     int // heap index, maintained by container/heap
}

// NewPriorityPBStore constructs a store. maxLocalCount caps the number
// of times any single record may be queried regardless of cluster size
// (the caller's configured cap); retransmitMult is the constant
// multiplied against ceil(log2(N+1)); clusterSize returns the current
// non-local member count used for that computation.
func NewPriorityPBStore(maxLocalCount int, retransmitMult int, clusterSize func() int) *PriorityPBStore {
	if maxLocalCount <= 0 {
		maxLocalCount = 6
	}
	if retransmitMult <= 0 {
		retransmitMult = 3
	}
	return &PriorityPBStore{
		byMember:       make(map[member.ID]*pbRecord),
		maxLocalCount:  maxLocalCount,
		retransmitMult: retransmitMult,
		clusterSize:    clusterSize,
	}
}

// Push enqueues a membership event for dissemination, replacing any
// still-pending record about the same member.
func (s *PriorityPBStore) Push(ev member.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := pb.EventKind_ALIVE
	switch ev.New {
	case member.Suspect:
		kind = pb.EventKind_SUSPECT
	case member.Faulty:
		kind = pb.EventKind_FAULTY
	}
	if ev.Kind == member.Refuted {
		kind = pb.EventKind_ALIVE
	}

	budget := s.budget()
	rec := &pbRecord{
		id: xid.New(),
		event: &pb.Event{
			Kind:        kind,
			Member:      string(ev.ID),
			Incarnation: ev.Inc,
		},
		memberID:  ev.ID,
		remaining: budget,
		seq:       s.nextSeq(),
	}

	if old, ok := s.byMember[ev.ID]; ok {
		iLogger.Debug(nil, fmt.Sprintf("swim: piggyback record %s for %s superseded by %s", old.id, ev.ID, rec.id))
		heap.Remove(&s.h, old.index)
	}
	s.byMember[ev.ID] = rec
	heap.Push(&s.h, rec)
}

// Get pops the n highest-priority records, decrements their remaining
// transmit budget, and returns their wire-ready events. Records whose
// budget is exhausted are dropped; survivors are reinserted with a
// fresh recency stamp.
func (s *PriorityPBStore) Get(n int) []*pb.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || s.h.Len() == 0 {
		return nil
	}
	if n > s.h.Len() {
		n = s.h.Len()
	}

	out := make([]*pb.Event, 0, n)
	popped := make([]*pbRecord, 0, n)
	for i := 0; i < n; i++ {
		rec := heap.Pop(&s.h).(*pbRecord)
		out = append(out, rec.event)
		popped = append(popped, rec)
	}

	for _, rec := range popped {
		rec.remaining--
		if rec.remaining <= 0 {
			delete(s.byMember, rec.memberID)
			continue
		}
		rec.seq = s.nextSeq()
		heap.Push(&s.h, rec)
	}
	return out
}

// Len reports how many distinct member records are currently pending.
func (s *PriorityPBStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}

func (s *PriorityPBStore) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// budget computes ceil(log2(N+1)) * retransmitMult, capped at
// maxLocalCount. Callers must hold s.mu.
func (s *PriorityPBStore) budget() int {
	n := 0
	if s.clusterSize != nil {
		n = s.clusterSize()
	}
	mult := math.Ceil(math.Log2(float64(n) + 1))
	if mult < 1 {
		mult = 1
	}
	b := int(mult) * s.retransmitMult
	if b > s.maxLocalCount {
		b = s.maxLocalCount
	}
	if b < 1 {
		b = 1
	}
	return b
}

// pbHeap is a max-heap ordered by remaining transmit budget, then by
// recency: the record most in need of further dissemination, or most
// recently reported, surfaces first.
type pbHeap []*pbRecord

func (h pbHeap) Len() int { return len(h) }

func (h pbHeap) Less(i, j int) bool {
	if h[i].remaining != h[j].remaining {
		return h[i].remaining > h[j].remaining
	}
	return h[i].seq > h[j].seq
}

func (h pbHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pbHeap) Push(x interface{}) {
	rec := x.(*pbRecord)
	rec.index = len(*h)
	*h = append(*h, rec)
}

func (h *pbHeap) Pop() interface{} {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*h = old[:n-1]
	return rec
}
