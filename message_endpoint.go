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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/it-chain/iLogger"
	"golang.org/x/sync/errgroup"

	"github.com/barbct5/swim/keyring"
	"github.com/barbct5/swim/member"
	"github.com/barbct5/swim/pb"
)

// defaultPiggybackBatch bounds how many gossip events ride on any one
// outgoing datagram.
const defaultPiggybackBatch = 6

// Detector is the narrow callback surface the message endpoint needs
// from the failure detector: delivery of a successful probe outcome and
// of events learned from piggybacks. Everything else (membership conflict resolution, piggyback ingestion)
// the endpoint does itself against the shared Table and PBStore.
type Detector interface {
	ProbeSucceeded(peer member.ID, inc uint64)
	// Observe reports membership events learned from an inbound
	// piggyback payload, so they reach the external event stream the
	// same as events this node discovers through its own probes.
	Observe(events []member.Event)
}

// MessageEndpointConfig configures protocol-level (not socket-level)
// behavior of a MessageEndpoint.
type MessageEndpointConfig struct {
	// AckTimeout is the default wait before a direct probe fans out to
	// proxies; Ping's caller may override this per call (the detector
	// scales it by Awareness).
	AckTimeout time.Duration
}

// outstandingProbe tracks one in-flight ping this node is waiting on an
// ack for, either one it originated itself or one it is relaying on
// behalf of origin's ping-req.
type outstandingProbe struct {
	target  member.ID
	origin  member.ID
	proxies []member.ID
	timer   *time.Timer
}

// MessageEndpoint frames every datagram through the keyring, dispatches
// inbound protocol messages, and manages the ack timers that drive
// direct-to-indirect probe escalation.
type MessageEndpoint struct {
	transport *PacketTransport
	table     *member.Table
	pbStore   *PriorityPBStore
	detector  Detector

	ring atomic.Value // *keyring.Keyring

	ackTimeout time.Duration

	mu sync.Mutex
	// direct holds this node's own outstanding probe, keyed by seq alone.
	// The detector never has more than one in flight, so seq by itself
	// is unambiguous; keying on seq only (not seq+target) matters because
	// a successful indirect probe resolves via an ack forwarded by the
	// proxy, whose Message.Sender is the proxy's own identity, not the
	// original target's — there is no "target" to match on at receive
	// time, only the seq the ack still carries.
	direct map[string]*outstandingProbe
	// relayed holds probes this node is relaying on behalf of one or
	// more origins, keyed by seq|target. Two different origins can
	// legitimately ask this node to relay to the same target with
	// numerically the same seq (each origin owns its own sequence
	// counter); the slice keeps every such relay distinct instead of one
	// clobbering another, and a single incoming ack resolves all of them
	// at once, since each genuinely is satisfied by it.
	relayed map[string][]*outstandingProbe

	stop chan struct{}
	grp  *errgroup.Group

	droppedVerification atomic.Uint64
	droppedMalformed    atomic.Uint64
	droppedSend         atomic.Uint64
}

// Stats reports the running counts of datagrams dropped for failing
// keyring verification, failing to parse, and outbound sends that
// errored — none of these are fatal; they are only counted.
func (e *MessageEndpoint) Stats() (verificationFailed, malformed, sendFailed uint64) {
	return e.droppedVerification.Load(), e.droppedMalformed.Load(), e.droppedSend.Load()
}

// NewMessageEndpoint constructs an endpoint bound to transport, backed
// by ring for framing, dispatching ping/ack/ping-req/nack traffic and
// applying piggybacked events to table and pbStore. handler receives
// probe_succeeded notifications.
func NewMessageEndpoint(cfg MessageEndpointConfig, transport *PacketTransport, ring *keyring.Keyring, table *member.Table, pbStore *PriorityPBStore, handler Detector) (*MessageEndpoint, error) {
	if ring == nil {
		return nil, fmt.Errorf("swim: message endpoint requires a non-nil keyring")
	}
	e := &MessageEndpoint{
		transport:  transport,
		table:      table,
		pbStore:    pbStore,
		detector:   handler,
		ackTimeout: cfg.AckTimeout,
		direct:     make(map[string]*outstandingProbe),
		relayed:    make(map[string][]*outstandingProbe),
		stop:       make(chan struct{}),
	}
	e.ring.Store(ring)
	return e, nil
}

// RotateKeyring atomically swaps in a new keyring snapshot, e.g. after
// an operator adds or retires a key.
func (e *MessageEndpoint) RotateKeyring(ring *keyring.Keyring) {
	e.ring.Store(ring)
}

func (e *MessageEndpoint) currentRing() *keyring.Keyring {
	return e.ring.Load().(*keyring.Keyring)
}

// Listen starts the receive loop in a supervised goroutine; it returns
// immediately.
func (e *MessageEndpoint) Listen() {
	e.grp = &errgroup.Group{}
	e.grp.Go(func() error {
		e.transport.ReadLoop(e.stop, e.handleDatagram)
		return nil
	})
}

// Close stops the receive loop, cancels every outstanding ack timer and
// closes the underlying socket.
func (e *MessageEndpoint) Close() error {
	close(e.stop)
	err := e.transport.Close()

	e.mu.Lock()
	for key, p := range e.direct {
		p.timer.Stop()
		delete(e.direct, key)
	}
	for key, ps := range e.relayed {
		for _, p := range ps {
			p.timer.Stop()
		}
		delete(e.relayed, key)
	}
	e.mu.Unlock()

	if e.grp != nil {
		_ = e.grp.Wait()
	}
	return err
}

// directKey identifies this node's own outstanding probe, by seq alone.
func directKey(seq uint32) string {
	return fmt.Sprintf("%d", seq)
}

// relayKey identifies a probe this node is relaying to target on some
// origin's behalf. Unlike directKey, target is part of the key: the
// ack this node expects always arrives straight from target itself, so
// sender and target are the same thing at receive time, and two
// different origins relaying to the same target with a coincidentally
// equal seq must not collide.
func relayKey(seq uint32, target member.ID) string {
	return fmt.Sprintf("%d|%s", seq, target)
}

// Ping sends a direct probe to target and arms timeout; on expiry it
// fans out PING_REQ to proxies. It never blocks waiting for the ack:
// resolution happens asynchronously via handleDatagram -> ProbeSucceeded,
// or lazily at the detector's next tick if nothing ever arrives.
func (e *MessageEndpoint) Ping(target member.ID, targetInc uint64, seq uint32, proxies []member.ID, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.ackTimeout
	}
	ping := &pb.Ping{
		Seq:       seq,
		TargetInc: targetInc,
		Local:     string(e.table.LocalMember()),
		Piggyback: e.pbStore.Get(defaultPiggybackBatch),
	}

	key := directKey(seq)
	e.mu.Lock()
	e.direct[key] = &outstandingProbe{
		target:  target,
		proxies: proxies,
		timer: time.AfterFunc(timeout, func() {
			e.onDirectProbeTimeout(key, target, seq, targetInc, proxies)
		}),
	}
	e.mu.Unlock()

	if err := e.send(target, ping); err != nil {
		e.droppedSend.Add(1)
		iLogger.Debug(nil, fmt.Sprintf("swim: send ping to %s: %s", target, err.Error()))
		return err
	}
	return nil
}

func (e *MessageEndpoint) onDirectProbeTimeout(key string, target member.ID, seq uint32, targetInc uint64, proxies []member.ID) {
	e.mu.Lock()
	_, ok := e.direct[key]
	e.mu.Unlock()
	if !ok {
		// Already resolved by an ack, or cancelled by the detector.
		return
	}

	for _, proxy := range proxies {
		req := &pb.PingReq{
			Seq:       seq,
			Target:    string(target),
			TargetInc: targetInc,
			Origin:    string(e.table.LocalMember()),
			Piggyback: e.pbStore.Get(defaultPiggybackBatch),
		}
		if err := e.send(proxy, req); err != nil {
			e.droppedSend.Add(1)
			iLogger.Debug(nil, fmt.Sprintf("swim: send ping-req to %s: %s", proxy, err.Error()))
		}
	}
}

// CancelOutstanding removes any bookkeeping for a direct probe the
// detector is done waiting on (its tick has moved past this seq/target),
// so a subsequently arriving ack or nack is treated as stale and
// discarded, preserving the ordering guarantee that a cancelled probe
// never reports success.
func (e *MessageEndpoint) CancelOutstanding(seq uint32, target member.ID) {
	key := directKey(seq)
	e.mu.Lock()
	p, ok := e.direct[key]
	if ok {
		delete(e.direct, key)
	}
	e.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// send frames msg through the active keyring key and writes it to addr.
func (e *MessageEndpoint) send(addr member.ID, payload pb.Payload) error {
	msg := &pb.Message{Sender: string(e.table.LocalMember()), Payload: payload}
	plaintext, err := pb.Marshal(msg)
	if err != nil {
		return fmt.Errorf("swim: marshal message: %w", err)
	}
	ciphertext, err := keyring.Encrypt(plaintext, e.currentRing())
	if err != nil {
		return fmt.Errorf("swim: encrypt message: %w", err)
	}
	return e.transport.WriteTo(ciphertext, string(addr))
}

// handleDatagram is the PacketTransport.ReadLoop callback: decrypt,
// decode, ingest piggyback, dispatch.
func (e *MessageEndpoint) handleDatagram(raw []byte, from string) {
	plaintext, err := keyring.Decrypt(raw, e.currentRing())
	if err != nil {
		e.droppedVerification.Add(1)
		iLogger.Debug(nil, fmt.Sprintf("swim: dropped datagram from %s: %s", from, err.Error()))
		return
	}

	msg, err := pb.Unmarshal(plaintext)
	if err != nil {
		e.droppedMalformed.Add(1)
		iLogger.Debug(nil, fmt.Sprintf("swim: malformed message from %s: %s", from, err.Error()))
		return
	}

	e.ingestPiggyback(piggybackOf(msg.Payload))

	switch p := msg.Payload.(type) {
	case *pb.Ping:
		e.handlePing(member.ID(msg.Sender), p)
	case *pb.Ack:
		e.handleAck(member.ID(msg.Sender), p)
	case *pb.PingReq:
		e.handlePingReq(p)
	case *pb.Nack:
		// The detector's lazy tick-boundary escalation already covers
		// this; an explicit nack is only useful for diagnostics.
		iLogger.Debug(nil, fmt.Sprintf("swim: nack seq=%d from %s", p.Seq, msg.Sender))
	}
}

func piggybackOf(p pb.Payload) []*pb.Event {
	switch v := p.(type) {
	case *pb.Ping:
		return v.Piggyback
	case *pb.Ack:
		return v.Piggyback
	case *pb.PingReq:
		return v.Piggyback
	default:
		return nil
	}
}

// ingestPiggyback applies every piggybacked report to the table and
// re-queues whatever events that produces for further dissemination.
func (e *MessageEndpoint) ingestPiggyback(events []*pb.Event) {
	for _, ev := range events {
		var produced []member.Event
		id := member.ID(ev.Member)
		switch ev.Kind {
		case pb.EventKind_ALIVE:
			produced = e.table.Alive(id, ev.Incarnation)
		case pb.EventKind_SUSPECT:
			produced = e.table.Suspect(id, ev.Incarnation)
		case pb.EventKind_FAULTY:
			produced = e.table.Faulty(id, ev.Incarnation)
		}
		for _, pe := range produced {
			e.pbStore.Push(pe)
		}
		e.detector.Observe(produced)
	}
}

func (e *MessageEndpoint) handlePing(sender member.ID, p *pb.Ping) {
	ack := &pb.Ack{
		Seq:       p.Seq,
		Inc:       e.table.LocalIncarnation(),
		Piggyback: e.pbStore.Get(defaultPiggybackBatch),
	}
	if err := e.send(sender, ack); err != nil {
		e.droppedSend.Add(1)
		iLogger.Debug(nil, fmt.Sprintf("swim: send ack to %s: %s", sender, err.Error()))
	}
}

func (e *MessageEndpoint) handlePingReq(p *pb.PingReq) {
	target := member.ID(p.Target)
	origin := member.ID(p.Origin)
	key := relayKey(p.Seq, target)

	relay := &outstandingProbe{
		target: target,
		origin: origin,
	}
	relay.timer = time.AfterFunc(e.ackTimeout, func() {
		e.onRelayTimeout(key, p.Seq, relay)
	})

	e.mu.Lock()
	e.relayed[key] = append(e.relayed[key], relay)
	e.mu.Unlock()

	ping := &pb.Ping{
		Seq:       p.Seq,
		TargetInc: p.TargetInc,
		Local:     string(e.table.LocalMember()),
		Piggyback: e.pbStore.Get(defaultPiggybackBatch),
	}
	if err := e.send(target, ping); err != nil {
		e.droppedSend.Add(1)
		iLogger.Debug(nil, fmt.Sprintf("swim: relay ping to %s: %s", target, err.Error()))
	}
}

func (e *MessageEndpoint) onRelayTimeout(key string, seq uint32, relay *outstandingProbe) {
	e.mu.Lock()
	ok := removeRelay(e.relayed, key, relay)
	e.mu.Unlock()
	if !ok {
		return
	}

	nack := &pb.Nack{Seq: seq}
	if err := e.send(relay.origin, nack); err != nil {
		e.droppedSend.Add(1)
		iLogger.Debug(nil, fmt.Sprintf("swim: send nack to %s: %s", relay.origin, err.Error()))
	}
}

// removeRelay deletes relay from relayed[key], pruning the slice entry
// entirely once empty. Callers must hold the endpoint's mutex. Returns
// whether relay was still present.
func removeRelay(relayed map[string][]*outstandingProbe, key string, relay *outstandingProbe) bool {
	ps, ok := relayed[key]
	if !ok {
		return false
	}
	for i, p := range ps {
		if p == relay {
			ps = append(ps[:i], ps[i+1:]...)
			if len(ps) == 0 {
				delete(relayed, key)
			} else {
				relayed[key] = ps
			}
			return true
		}
	}
	return false
}

func (e *MessageEndpoint) handleAck(sender member.ID, a *pb.Ack) {
	// An ack's sender may be the target itself (direct reply, or a relay
	// resolving straight against the node it pinged on another's
	// behalf) or a proxy forwarding the target's reply back to us as
	// this probe's origin, in which case sender is the proxy, not the
	// target. directKey matches on seq alone for exactly that reason:
	// at receive time there is no reliable "target" to key on for our
	// own outstanding probe, only the seq it still carries.
	dKey := directKey(a.Seq)
	rKey := relayKey(a.Seq, sender)

	e.mu.Lock()
	direct, hasDirect := e.direct[dKey]
	if hasDirect {
		delete(e.direct, dKey)
	}
	relays := e.relayed[rKey]
	delete(e.relayed, rKey)
	e.mu.Unlock()

	if !hasDirect && len(relays) == 0 {
		// Stale or unknown sequence: discard.
		return
	}

	if hasDirect {
		direct.timer.Stop()
		e.detector.ProbeSucceeded(direct.target, a.Inc)
	}

	for _, relay := range relays {
		relay.timer.Stop()
		forwarded := &pb.Ack{Seq: a.Seq, Inc: a.Inc, Piggyback: e.pbStore.Get(defaultPiggybackBatch)}
		if err := e.send(relay.origin, forwarded); err != nil {
			e.droppedSend.Add(1)
			iLogger.Debug(nil, fmt.Sprintf("swim: forward ack to %s: %s", relay.origin, err.Error()))
		}
	}
}
