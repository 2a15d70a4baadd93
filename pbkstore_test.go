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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barbct5/swim/member"
	"github.com/barbct5/swim/pb"
)

func TestPriorityPBStorePushGetRoundTrip(t *testing.T) {
	store := NewPriorityPBStore(6, 3, func() int { return 1 })
	store.Push(member.Event{Kind: member.Joined, ID: "a:1", New: member.Alive, Inc: 0})

	events := store.Get(10)
	require.Len(t, events, 1)
	require.Equal(t, "a:1", events[0].Member)
	require.Equal(t, pb.EventKind_ALIVE, events[0].Kind)
}

func TestPriorityPBStoreNewerReportSupersedesOlder(t *testing.T) {
	store := NewPriorityPBStore(6, 3, func() int { return 1 })
	store.Push(member.Event{ID: "a:1", New: member.Alive, Inc: 0})
	store.Push(member.Event{ID: "a:1", New: member.Suspect, Inc: 0})

	require.Equal(t, 1, store.Len())
	events := store.Get(10)
	require.Len(t, events, 1)
	require.Equal(t, pb.EventKind_SUSPECT, events[0].Kind)
}

func TestPriorityPBStoreExhaustsBudget(t *testing.T) {
	store := NewPriorityPBStore(2, 1, func() int { return 0 })
	store.Push(member.Event{ID: "a:1", New: member.Alive, Inc: 0})

	// budget = ceil(log2(0+1))*1 = max(1,0)*1 = 1 -> capped to min(1,2)=1
	first := store.Get(10)
	require.Len(t, first, 1)

	// Exhausted after one Get; nothing left to hand out.
	second := store.Get(10)
	require.Empty(t, second)
	require.Equal(t, 0, store.Len())
}

func TestPriorityPBStoreGetMoreThanAvailable(t *testing.T) {
	store := NewPriorityPBStore(6, 3, func() int { return 1 })
	store.Push(member.Event{ID: "a:1", New: member.Alive, Inc: 0})
	store.Push(member.Event{ID: "b:1", New: member.Alive, Inc: 0})

	events := store.Get(10)
	require.Len(t, events, 2)
}

func TestPriorityPBStoreEmptyGetIsNil(t *testing.T) {
	store := NewPriorityPBStore(6, 3, func() int { return 1 })
	require.Empty(t, store.Get(5))
}
