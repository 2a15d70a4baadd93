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

package pb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := []*Message{
		{
			Sender: "10.0.0.1:7946",
			Payload: &Ping{
				Seq:       7,
				TargetInc: 3,
				Local:     "10.0.0.1:7946",
				Piggyback: []*Event{
					{Kind: EventKind_ALIVE, Member: "10.0.0.2:7946", Incarnation: 1},
				},
			},
		},
		{
			Sender:  "10.0.0.2:7946",
			Payload: &Ack{Seq: 7, Inc: 2},
		},
		{
			Sender: "10.0.0.3:7946",
			Payload: &PingReq{
				Seq:       9,
				Target:    "10.0.0.2:7946",
				TargetInc: 2,
				Origin:    "10.0.0.1:7946",
			},
		},
		{
			Sender:  "10.0.0.3:7946",
			Payload: &Nack{Seq: 9},
		},
	}

	for _, msg := range cases {
		b, err := Marshal(msg)
		require.NoError(t, err)

		got, err := Unmarshal(b)
		require.NoError(t, err)

		require.Equal(t, msg.Sender, got.Sender)
		require.Equal(t, msg.Payload, got.Payload)
	}
}

func TestUnmarshalRejectsEmpty(t *testing.T) {
	_, err := Unmarshal(nil)
	require.Error(t, err)
}

func TestUnmarshalRejectsUnknownTag(t *testing.T) {
	_, err := Unmarshal([]byte{0xFF, 0x00})
	require.Error(t, err)
}

func TestMarshalRejectsNilPayload(t *testing.T) {
	_, err := Marshal(&Message{Sender: "x"})
	require.Error(t, err)
}
