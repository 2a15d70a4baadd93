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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl := New(Config{
		Local:          "local:7946",
		ProtocolPeriod: 100 * time.Millisecond,
		SuspicionMult:  3,
		EvictionGrace:  100 * time.Millisecond,
	})
	// Timers are not exercised directly in most of these tests; replace
	// with a no-op so accidental firing never flakes them.
	tbl.afterFunc = func(time.Duration, func()) *time.Timer { return nil }
	return tbl
}

func TestLocalMemberAlwaysPresentAlive(t *testing.T) {
	tbl := newTestTable(t)
	snaps := tbl.Members()
	require.Empty(t, snaps)
	require.Equal(t, ID("local:7946"), tbl.LocalMember())
	require.Equal(t, Alive, tbl.byID[tbl.LocalMember()].status)
}

func TestJoinedEventOnFirstSight(t *testing.T) {
	tbl := newTestTable(t)
	events := tbl.Alive("a:1", 0)
	require.Len(t, events, 1)
	require.Equal(t, Joined, events[0].Kind)
	require.Equal(t, Alive, events[0].New)
}

func TestHigherIncarnationReplacesUnconditionally(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Alive("a:1", 5)
	tbl.Faulty("a:1", 5)
	events := tbl.Alive("a:1", 6)
	require.Len(t, events, 1)
	require.Equal(t, StatusChanged, events[0].Kind)
	require.Equal(t, Faulty, events[0].Old)
	require.Equal(t, Alive, events[0].New)
}

func TestLowerIncarnationIgnored(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Alive("a:1", 5)
	events := tbl.Alive("a:1", 3)
	require.Nil(t, events)

	snaps := tbl.Members()
	require.Len(t, snaps, 1)
	require.EqualValues(t, 5, snaps[0].Incarnation)
}

// incarnation tiebreak: suspect@3 rejects alive@3, accepts alive@4.
func TestSameIncarnationStatusRegressionRejected(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Alive("m:1", 3)
	tbl.Suspect("m:1", 3)

	events := tbl.Alive("m:1", 3)
	require.Nil(t, events)

	events = tbl.Alive("m:1", 4)
	require.Len(t, events, 1)
	require.Equal(t, Alive, events[0].New)
}

func TestSameIncarnationStatusProgressionAccepted(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Alive("m:1", 2)
	events := tbl.Suspect("m:1", 2)
	require.Len(t, events, 1)
	require.Equal(t, Suspect, events[0].New)
}

// self-refutation.
func TestLocalRefutationOnSuspectReport(t *testing.T) {
	tbl := newTestTable(t)
	tbl.byID[tbl.LocalMember()].incarnation = 5

	events := tbl.Suspect(tbl.LocalMember(), 5)
	require.Len(t, events, 1)
	require.Equal(t, Refuted, events[0].Kind)
	require.EqualValues(t, 6, events[0].Inc)

	require.Equal(t, Alive, tbl.byID[tbl.LocalMember()].status)
	require.EqualValues(t, 6, tbl.byID[tbl.LocalMember()].incarnation)
}

func TestStaleSuspectReportAboutLocalDoesNotRefute(t *testing.T) {
	tbl := newTestTable(t)
	tbl.byID[tbl.LocalMember()].incarnation = 5

	events := tbl.Suspect(tbl.LocalMember(), 2)
	require.Nil(t, events)
	require.EqualValues(t, 5, tbl.byID[tbl.LocalMember()].incarnation)
}

func TestSetStatusUsesCurrentIncarnation(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Alive("a:1", 2)

	events := tbl.SetStatus("a:1", Suspect)
	require.Len(t, events, 1)
	require.EqualValues(t, 2, events[0].Inc)
	require.Equal(t, Suspect, events[0].New)
}

func TestSetStatusOnUnknownMemberIsNoop(t *testing.T) {
	tbl := newTestTable(t)
	events := tbl.SetStatus("ghost:1", Suspect)
	require.Nil(t, events)
}

func TestFaultyReportAboutUnknownMemberIsNoop(t *testing.T) {
	tbl := newTestTable(t)
	events := tbl.Faulty("ghost:1", 0)
	require.Nil(t, events)
	require.Empty(t, tbl.Members())
}

// suspicion timeout promotes to faulty, then eviction removes it.
func TestSuspicionTimeoutPromotesToFaultyThenEvicts(t *testing.T) {
	tbl := New(Config{
		Local:          "local:7946",
		ProtocolPeriod: 5 * time.Millisecond,
		SuspicionMult:  1,
		EvictionGrace:  5 * time.Millisecond,
	})
	tbl.Alive("b:1", 0)
	tbl.Suspect("b:1", 0)

	require.Eventually(t, func() bool {
		snaps := tbl.Members()
		return len(snaps) == 1 && snaps[0].Status == Faulty
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return len(tbl.Members()) == 0
	}, time.Second, time.Millisecond)
}

func TestSuspicionTimeoutGrowsWithClusterSize(t *testing.T) {
	tbl := newTestTable(t)
	small := tbl.suspicionTimeout()

	for i := 0; i < 20; i++ {
		tbl.Alive(ID(string(rune('a'+i))+":1"), 0)
	}
	large := tbl.suspicionTimeout()
	require.Greater(t, large, small)
}
