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

package member

import (
	"math"
	"sync"
	"time"
)

// entry is the table's internal bookkeeping for one member, including
// the generation counter used to make suspicion/eviction timers
// idempotent against later updates (a late-firing timer must not act on
// a member that has since changed state).
type entry struct {
	status      Status
	incarnation uint64
	generation  uint64
}

// Table is the authoritative local membership view. All methods are
// safe for concurrent use; every mutation is serialized behind a single
// mutex, matching the "detector + table = one logical actor" scheduling
// model.
type Table struct {
	mu    sync.Mutex
	local ID
	byID  map[ID]*entry

	// protocolPeriod and suspicionMult parameterize the suspicion
	// timeout formula: protocol_period * ceil(log2(k+1)) * C.
	protocolPeriod time.Duration
	suspicionMult  int
	evictionGrace  time.Duration

	// afterFunc is swapped out in tests to make timers deterministic.
	afterFunc func(time.Duration, func()) *time.Timer

	// onEvent reports status transitions that fire from a background
	// timer (suspect->faulty promotion, faulty eviction) rather than
	// from a synchronous Alive/Suspect/Faulty/SetStatus call, so those
	// transitions still reach the dissemination layer. Never nil.
	onEvent func(Event)
}

// Config bundles the timing parameters the table needs to compute
// suspicion and eviction deadlines.
type Config struct {
	Local ID
	// ProtocolPeriod is the detector's tick length.
	ProtocolPeriod time.Duration
	// SuspicionMult is the constant C in the suspicion timeout formula;
	// 3 is the typical value used by production SWIM agents.
	SuspicionMult int
	// EvictionGrace is how long a faulty member stays visible (e.g. to
	// still be gossiped about as faulty) before it is evicted. Per
	// one additional protocol_period is the default.
	EvictionGrace time.Duration
	// OnEvent, if set, is called for every status transition that a
	// background timer produces rather than a direct method call.
	OnEvent func(Event)
}

// New constructs a Table containing only the local member, alive at
// incarnation 0.
func New(cfg Config) *Table {
	if cfg.SuspicionMult <= 0 {
		cfg.SuspicionMult = 3
	}
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	t := &Table{
		local:          cfg.Local,
		byID:           make(map[ID]*entry),
		protocolPeriod: cfg.ProtocolPeriod,
		suspicionMult:  cfg.SuspicionMult,
		evictionGrace:  cfg.EvictionGrace,
		onEvent:        onEvent,
		afterFunc: func(d time.Duration, f func()) *time.Timer {
			return time.AfterFunc(d, f)
		},
	}
	t.byID[cfg.Local] = &entry{status: Alive}
	return t
}

// LocalMember returns the configured local identity.
func (t *Table) LocalMember() ID {
	return t.local
}

// LocalIncarnation returns the local member's current incarnation
// number, the value an outgoing Ack or piggybacked alive report must
// carry.
func (t *Table) LocalIncarnation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[t.local].incarnation
}

// Members returns a snapshot of every non-local entry currently in the
// table (faulty members awaiting eviction are included; evicted members
// are not, since they have already been removed).
func (t *Table) Members() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Snapshot, 0, len(t.byID))
	for id, e := range t.byID {
		if id == t.local {
			continue
		}
		out = append(out, Snapshot{ID: id, Status: e.status, Incarnation: e.incarnation})
	}
	return out
}

// Alive applies an alive@inc report, per the conflict-resolution rules
// conflict-resolution rules below: higher incarnation wins
// unconditionally; equal incarnation only on a status increase.
func (t *Table) Alive(peer ID, inc uint64) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.apply(peer, Alive, inc)
}

// Suspect applies a suspect@inc report and, if accepted, arms the
// suspicion timeout.
func (t *Table) Suspect(peer ID, inc uint64) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.apply(peer, Suspect, inc)
}

// Faulty applies a faulty@inc report and, if accepted, arms the
// eviction timer.
func (t *Table) Faulty(peer ID, inc uint64) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.apply(peer, Faulty, inc)
}

// SetStatus is the detector's local override used when a probe round
// fails: it behaves exactly like the corresponding report at the
// member's own current incarnation (no incarnation bump, since the
// detector did not hear from the member itself).
func (t *Table) SetStatus(peer ID, status Status) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.byID[peer]
	if !ok {
		return nil
	}
	return t.apply(peer, status, cur.incarnation)
}

// apply is the single conflict-resolution/self-refutation entry point;
// callers must hold t.mu.
func (t *Table) apply(peer ID, status Status, inc uint64) []Event {
	if peer == t.local {
		return t.applyToLocal(status, inc)
	}

	cur, ok := t.byID[peer]
	if !ok {
		if status == Faulty {
			// Never-seen member reported dead: nothing to evict, and
			// nothing to join.
			return nil
		}
		e := &entry{status: status, incarnation: inc}
		t.byID[peer] = e
		t.armTimers(peer, e)
		return []Event{{Kind: Joined, ID: peer, New: status, Inc: inc}}
	}

	accept := false
	switch {
	case inc > cur.incarnation:
		accept = true
	case inc == cur.incarnation:
		accept = status > cur.status
	}
	if !accept {
		return nil
	}

	old := cur.status
	cur.status = status
	cur.incarnation = inc
	cur.generation++
	t.armTimers(peer, cur)

	if old == status {
		return nil
	}
	return []Event{{Kind: StatusChanged, ID: peer, Old: old, New: status, Inc: inc}}
}

// applyToLocal implements self-refutation: a report that the local
// member is suspect or faulty is never accepted at face value. Instead
// the local incarnation is bumped past whatever incarnation the report
// carried and alive@new_inc is (re)published.
func (t *Table) applyToLocal(status Status, inc uint64) []Event {
	local := t.byID[t.local]
	if status == Alive {
		if inc > local.incarnation {
			local.incarnation = inc
		}
		return nil
	}

	// A stale suspect/faulty report about an incarnation we have already
	// moved past carries no information and must not trigger a refutation.
	if inc < local.incarnation {
		return nil
	}

	newInc := inc
	if local.incarnation > newInc {
		newInc = local.incarnation
	}
	newInc++
	local.status = Alive
	local.incarnation = newInc
	return []Event{{Kind: Refuted, ID: t.local, New: Alive, Inc: newInc}}
}

// armTimers schedules the suspicion-expiry and eviction timers for e,
// if its new status calls for one. Both timers check e.generation
// before acting so a late firing after another update is a no-op.
func (t *Table) armTimers(id ID, e *entry) {
	switch e.status {
	case Suspect:
		gen := e.generation
		timeout := t.suspicionTimeout()
		t.afterFunc(timeout, func() {
			t.mu.Lock()
			cur, ok := t.byID[id]
			if !ok || cur.generation != gen || cur.status != Suspect {
				t.mu.Unlock()
				return
			}
			cur.status = Faulty
			cur.generation++
			inc := cur.incarnation
			t.armTimers(id, cur)
			t.mu.Unlock()
			t.onEvent(Event{Kind: StatusChanged, ID: id, Old: Suspect, New: Faulty, Inc: inc})
		})
	case Faulty:
		gen := e.generation
		grace := t.evictionGrace
		if grace <= 0 {
			grace = t.protocolPeriod
		}
		t.afterFunc(grace, func() {
			t.mu.Lock()
			cur, ok := t.byID[id]
			if !ok || cur.generation != gen || cur.status != Faulty {
				t.mu.Unlock()
				return
			}
			inc := cur.incarnation
			delete(t.byID, id)
			t.mu.Unlock()
			t.onEvent(Event{Kind: Evicted, ID: id, Old: Faulty, Inc: inc})
		})
	}
}

// suspicionTimeout computes protocol_period * ceil(log2(k+1)) * C for
// the current cluster size k (non-local members only). Callers must
// hold t.mu.
func (t *Table) suspicionTimeout() time.Duration {
	k := len(t.byID) - 1
	if k < 0 {
		k = 0
	}
	mult := math.Ceil(math.Log2(float64(k) + 1))
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(t.protocolPeriod) * mult * float64(t.suspicionMult))
}
