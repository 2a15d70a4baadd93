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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// ErrMalformedMessage is returned by Unmarshal for any truncated or
// unrecognized input. Callers treat it as a silently-dropped datagram,
// counted but never surfaced.
var ErrMalformedMessage = errors.New("pb: malformed message")

// Marshal encodes a Message as: tag(1) || len(sender)(varint) || sender ||
// payload-protobuf-bytes. The payload itself is encoded with gogo's
// reflection-based proto.Marshal over the struct tags in this package,
// the same wire format protoc-gen-gogo would emit for these messages.
func Marshal(m *Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("pb: message has no payload")
	}
	payloadBytes, err := proto.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("pb: marshal payload: %w", err)
	}

	senderLen := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(senderLen, uint64(len(m.Sender)))

	buf := make([]byte, 0, 1+n+len(m.Sender)+len(payloadBytes))
	buf = append(buf, byte(m.Payload.tag()))
	buf = append(buf, senderLen[:n]...)
	buf = append(buf, []byte(m.Sender)...)
	buf = append(buf, payloadBytes...)
	return buf, nil
}

// Unmarshal is the inverse of Marshal. It returns a malformed-message
// error (never panics) for any truncated or unrecognized input, since
// callers must treat this as a silently-dropped datagram.
func Unmarshal(b []byte) (*Message, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}
	tag := Tag(b[0])
	rest := b[1:]

	senderLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("%w: malformed sender length", ErrMalformedMessage)
	}
	rest = rest[n:]
	if uint64(len(rest)) < senderLen {
		return nil, fmt.Errorf("%w: truncated sender", ErrMalformedMessage)
	}
	sender := string(rest[:senderLen])
	payloadBytes := rest[senderLen:]

	var payload Payload
	switch tag {
	case TagPing:
		payload = &Ping{}
	case TagAck:
		payload = &Ack{}
	case TagPingReq:
		payload = &PingReq{}
	case TagNack:
		payload = &Nack{}
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedMessage, tag)
	}

	if err := proto.Unmarshal(payloadBytes, payload); err != nil {
		return nil, fmt.Errorf("%w: unmarshal payload: %s", ErrMalformedMessage, err.Error())
	}

	return &Message{Sender: sender, Payload: payload}, nil
}
