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

// Package swim implements a gossip-style, infection-style cluster
// membership agent: a bounded-load failure detector (direct probes
// escalating to indirect probes) layered with incarnation-based
// conflict resolution and piggybacked dissemination of membership
// changes, framed end-to-end under a rotatable authenticated keyring.
package swim

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/it-chain/iLogger"
	"golang.org/x/sync/errgroup"

	"github.com/barbct5/swim/keyring"
	"github.com/barbct5/swim/member"
)

// ackTimeoutEpsilon keeps the Awareness-scaled ack timeout strictly
// below protocol_period, even when AckTimeout is configured close to
// the legal limit, so a tick's indirect-probe phase always has some
// room left to run.
const ackTimeoutEpsilon = time.Millisecond

// currentProbe tracks the single in-flight probe the detector's tick
// handler is waiting on; at most one is ever in flight.
type currentProbe struct {
	target    member.ID
	targetInc uint64
	seq       uint32
	succeeded bool
}

// SWIM is the failure-detector agent: one membership table, one
// transport, one dissemination queue, driven by a single periodic tick.
type SWIM struct {
	config *Config

	table     *member.Table
	transport *PacketTransport
	endpoint  *MessageEndpoint
	pbStore   *PriorityPBStore
	awareness *Awareness

	mu          sync.Mutex
	pingTargets []member.Snapshot
	probe       *currentProbe
	sequence    uint32

	sink *eventQueue

	quit chan struct{}
	grp  *errgroup.Group
}

// New validates config and wires every component (table, transport,
// keyring, piggyback store, awareness, message endpoint), binding the
// UDP socket, but does not yet start the receive loop or the tick loop;
// call Start for that.
func New(config *Config) (*SWIM, error) {
	cfg := *config
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	local := member.ID(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.BindPort))

	ring, err := keyring.New(cfg.Keys, cfg.AAD)
	if err != nil {
		return nil, fmt.Errorf("swim: %w", err)
	}

	s := &SWIM{
		config:   &cfg,
		sequence: cfg.Sequence,
		sink:     newEventQueue(),
		quit:     make(chan struct{}),
	}

	// OnEvent surfaces transitions a background table timer produces
	// (suspect->faulty, faulty->evicted) to the same dissemination and
	// external-stream path as transitions this node learns synchronously;
	// the closure is only ever invoked after New returns, once a timer
	// has actually fired, so s is fully built by then.
	table := member.New(member.Config{
		Local:          local,
		ProtocolPeriod: cfg.ProtocolPeriod,
		SuspicionMult:  cfg.RetransmitMult,
		EvictionGrace:  cfg.ProtocolPeriod,
		OnEvent: func(ev member.Event) {
			s.publish([]member.Event{ev})
		},
	})
	s.table = table

	pbStore := NewPriorityPBStore(cfg.MaxLocalCount, cfg.RetransmitMult, func() int {
		return len(table.Members())
	})
	s.pbStore = pbStore

	s.awareness = NewAwareness(cfg.MaxAwareness)

	transport, err := NewPacketTransport(&PacketTransportConfig{
		BindAddress: cfg.BindAddress,
		BindPort:    cfg.BindPort,
	})
	if err != nil {
		return nil, fmt.Errorf("swim: %w", err)
	}
	s.transport = transport

	endpoint, err := NewMessageEndpoint(
		MessageEndpointConfig{AckTimeout: cfg.AckTimeout},
		transport,
		ring,
		table,
		pbStore,
		s,
	)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("swim: %w", err)
	}
	s.endpoint = endpoint

	return s, nil
}

// LocalMember returns this agent's own identity.
func (s *SWIM) LocalMember() member.ID {
	return s.table.LocalMember()
}

// Members returns a snapshot of every known peer.
func (s *SWIM) Members() []member.Snapshot {
	return s.table.Members()
}

// Events returns the outbound membership event stream. Delivery is
// at-least-once and strictly ordered; consumers must be idempotent.
func (s *SWIM) Events() <-chan member.Event {
	return s.sink.out
}

// Alive injects an external alive report, e.g. from a bootstrap oracle
// seeding the initial peer set (discovery itself is out of scope). It
// is the same operation a piggybacked alive report triggers internally.
func (s *SWIM) Alive(peer member.ID, incarnation uint64) {
	s.publish(s.table.Alive(peer, incarnation))
}

// Join is a thin convenience wrapper over Alive for a set of addresses,
// matching the shape most callers bootstrap with.
func (s *SWIM) Join(peerAddresses []string) error {
	for _, addr := range peerAddresses {
		s.Alive(member.ID(addr), 0)
	}
	return nil
}

// Start launches the receive loop and the periodic failure-detector tick.
// It returns immediately; call ShutDown to stop.
func (s *SWIM) Start() {
	s.endpoint.Listen()
	s.sink.start()

	s.grp = &errgroup.Group{}
	s.grp.Go(func() error {
		s.runDetector()
		return nil
	})
}

// ShutDown cooperatively stops the tick loop, cancels outstanding ack
// timers and closes the transport. The keyring snapshot is not cleared;
// the endpoint keeps its reference to it.
func (s *SWIM) ShutDown() {
	close(s.quit)
	if s.grp != nil {
		_ = s.grp.Wait()
	}
	_ = s.endpoint.Close()
	s.sink.stop()
}

func (s *SWIM) runDetector() {
	ticker := time.NewTicker(s.config.ProtocolPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick is the failure detector's single periodic handler: resolve the
// previous period, select the next target, choose proxies, probe.
func (s *SWIM) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resolvePreviousLocked()

	if len(s.pingTargets) == 0 {
		s.refillTargetsLocked()
	}
	if len(s.pingTargets) == 0 {
		// Solo node: nothing to probe this period.
		return
	}

	target := s.pingTargets[0]
	s.pingTargets = s.pingTargets[1:]

	s.sequence++
	seq := s.sequence
	s.probe = &currentProbe{target: target.ID, targetInc: target.Incarnation, seq: seq}

	proxies := s.chooseProxiesLocked(target.ID)
	// The direct-probe wait must leave room for the indirect phase this
	// same tick still has to run, so Awareness degradation can never
	// scale it past protocol_period.
	ackCap := s.config.ProtocolPeriod - ackTimeoutEpsilon
	timeout := s.awareness.ScaleTimeout(s.config.AckTimeout, ackCap)

	if err := s.endpoint.Ping(target.ID, target.Incarnation, seq, proxies, timeout); err != nil {
		iLogger.Debug(nil, fmt.Sprintf("swim: ping %s: %s", target.ID, err.Error()))
	}
}

// resolvePreviousLocked implements step 1 of the tick handler: a probe
// that never succeeded is escalated to suspect now, lazily, exactly
// once per period. Callers must hold s.mu.
func (s *SWIM) resolvePreviousLocked() {
	p := s.probe
	if p == nil {
		return
	}
	s.probe = nil
	s.endpoint.CancelOutstanding(p.seq, p.target)

	if p.succeeded {
		return
	}
	s.awareness.Degrade(1)
	s.publish(s.table.SetStatus(p.target, member.Suspect))
}

// refillTargetsLocked samples every non-local, non-faulty member and
// shuffles it uniformly at random (Fisher-Yates) via a general-purpose
// RNG kept separate from the keyring's cryptographic RNG. Callers must
// hold s.mu.
func (s *SWIM) refillTargetsLocked() {
	all := s.table.Members()
	targets := make([]member.Snapshot, 0, len(all))
	for _, m := range all {
		if m.Status == member.Faulty {
			continue
		}
		targets = append(targets, m)
	}
	for i := len(targets) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		targets[i], targets[j] = targets[j], targets[i]
	}
	s.pingTargets = targets
}

// chooseProxiesLocked picks up to num_proxies members from the current
// shuffled round, excluding target. Callers must hold s.mu.
func (s *SWIM) chooseProxiesLocked(target member.ID) []member.ID {
	proxies := make([]member.ID, 0, s.config.NumProxies)
	for _, m := range s.pingTargets {
		if m.ID == target {
			continue
		}
		proxies = append(proxies, m.ID)
		if len(proxies) >= s.config.NumProxies {
			break
		}
	}
	return proxies
}

// ProbeSucceeded implements the Detector interface consumed by
// MessageEndpoint: the ack handler for the current period's probe.
func (s *SWIM) ProbeSucceeded(peer member.ID, inc uint64) {
	s.mu.Lock()
	p := s.probe
	matches := p != nil && p.target == peer
	if matches {
		p.succeeded = true
	}
	s.mu.Unlock()

	if !matches {
		return
	}
	s.awareness.Improve(1)
	s.publish(s.table.Alive(peer, inc))
}

// Observe implements the Detector interface consumed by MessageEndpoint:
// events learned from an inbound piggyback payload are pushed straight
// to the external stream. The endpoint itself already queued them for
// further dissemination, so only the sink side happens here.
func (s *SWIM) Observe(events []member.Event) {
	for _, e := range events {
		s.sink.push(e)
	}
}

func (s *SWIM) publish(events []member.Event) {
	for _, e := range events {
		s.pbStore.Push(e)
		s.sink.push(e)
	}
}

// eventQueue decouples event production (the detector's single
// goroutine, or inbound message handling) from a possibly slow
// consumer: events are queued in arrival order and dispatched to out
// one at a time, blocking only the dispatcher goroutine, never the
// producer, which preserves the linearizable ordering guarantee from
// without risking a stalled tick.
type eventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []member.Event
	closed  bool
	out     chan member.Event
	done    chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{out: make(chan member.Event, 64), done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(e member.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, e)
	q.cond.Signal()
}

func (q *eventQueue) start() {
	go func() {
		for {
			q.mu.Lock()
			for len(q.pending) == 0 && !q.closed {
				q.cond.Wait()
			}
			if len(q.pending) == 0 && q.closed {
				q.mu.Unlock()
				close(q.done)
				return
			}
			e := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case q.out <- e:
			case <-q.done:
				return
			}
		}
	}()
}

func (q *eventQueue) stop() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}
