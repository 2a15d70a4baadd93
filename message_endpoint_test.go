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
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/barbct5/swim/keyring"
	"github.com/barbct5/swim/member"
	"github.com/barbct5/swim/pb"
)

type fakeDetector struct {
	succeeded chan member.ID
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{succeeded: make(chan member.ID, 8)}
}

func (f *fakeDetector) ProbeSucceeded(peer member.ID, inc uint64) {
	f.succeeded <- peer
}

func (f *fakeDetector) Observe(events []member.Event) {}

func newTestEndpoint(t *testing.T, local string, detector Detector) *MessageEndpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(local)
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	transport, err := NewPacketTransport(&PacketTransportConfig{BindAddress: host, BindPort: port})
	require.NoError(t, err)

	ring, err := keyring.New([][]byte{make([]byte, 32)}, []byte("aad"))
	require.NoError(t, err)

	table := member.New(member.Config{Local: member.ID(local), ProtocolPeriod: time.Second, SuspicionMult: 1})
	store := NewPriorityPBStore(6, 1, func() int { return 1 })

	ep, err := NewMessageEndpoint(MessageEndpointConfig{AckTimeout: 50 * time.Millisecond}, transport, ring, table, store, detector)
	require.NoError(t, err)
	ep.Listen()
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	port := freeUDPPort(t)
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func TestMessageEndpointPingElicitsAck(t *testing.T) {
	aAddr := freeLoopbackAddr(t)
	bAddr := freeLoopbackAddr(t)

	detA := newFakeDetector()
	epA := newTestEndpoint(t, aAddr, detA)
	epB := newTestEndpoint(t, bAddr, newFakeDetector())

	err := epA.Ping(member.ID(bAddr), 0, 1, nil, 100*time.Millisecond)
	require.NoError(t, err)
	_ = epB

	select {
	case peer := <-detA.succeeded:
		require.Equal(t, member.ID(bAddr), peer)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for probe_succeeded")
	}
}

func TestMessageEndpointCancelledProbeNeverReportsSuccess(t *testing.T) {
	aAddr := freeLoopbackAddr(t)
	// An address nothing is bound to: the target never acks, so the
	// only way this test could see a success is a bug in CancelOutstanding
	// or in the timeout fan-out path.
	silent := freeLoopbackAddr(t)

	detA := newFakeDetector()
	epA := newTestEndpoint(t, aAddr, detA)

	require.NoError(t, epA.Ping(member.ID(silent), 0, 7, nil, 30*time.Millisecond))
	epA.CancelOutstanding(7, member.ID(silent))

	select {
	case <-detA.succeeded:
		t.Fatal("cancelled probe must not report success")
	case <-time.After(150 * time.Millisecond):
	}
}

// TestMessageEndpointIndirectProbeRelaySucceedsWhenDirectPingFails drives
// the three-node PING_REQ path end to end: A probes B directly, that
// probe never gets answered (B as A knows it is a silent address, the
// same technique the cancellation test above uses to model a dropped
// ping), and C independently relays the request to the real B, whose ack
// C forwards back to A. A's own outstanding probe must resolve off that
// forwarded ack even though it physically arrives from C, not B.
func TestMessageEndpointIndirectProbeRelaySucceedsWhenDirectPingFails(t *testing.T) {
	aAddr := freeLoopbackAddr(t)
	bAddr := freeLoopbackAddr(t)
	cAddr := freeLoopbackAddr(t)
	silent := freeLoopbackAddr(t)

	detA := newFakeDetector()
	epA := newTestEndpoint(t, aAddr, detA)
	epB := newTestEndpoint(t, bAddr, newFakeDetector())
	epC := newTestEndpoint(t, cAddr, newFakeDetector())
	_ = epB

	const seq = uint32(42)
	require.NoError(t, epA.Ping(member.ID(silent), 0, seq, []member.ID{member.ID(cAddr)}, 30*time.Millisecond))

	// This is exactly the PingReq A's own onDirectProbeTimeout would send
	// to C once its direct probe above times out, naming the real B as
	// the relay target.
	epC.handlePingReq(&pb.PingReq{
		Seq:       seq,
		Target:    bAddr,
		TargetInc: 0,
		Origin:    aAddr,
	})

	select {
	case peer := <-detA.succeeded:
		require.Equal(t, member.ID(silent), peer)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the relayed ack to resolve the origin's probe")
	}
}
