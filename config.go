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
	"errors"
	"fmt"
	"time"
)

// ErrAckTimeoutTooLong is returned by New when AckTimeout is not
// strictly less than ProtocolPeriod.
var ErrAckTimeoutTooLong = errors.New("swim: ack timeout must be strictly less than protocol period")

// Config holds every construction-time option for a SWIM agent. Loading
// it from flags/files/env is an external collaborator's job (see
// cmd/swimd for one way to do it); Config itself is just a validated
// value type.
type Config struct {
	// BindAddress and BindPort name the local member and are the
	// address the packet transport binds to.
	BindAddress string
	BindPort    int

	// ProtocolPeriod is the detector's tick length.
	ProtocolPeriod time.Duration

	// AckTimeout must be strictly less than ProtocolPeriod.
	AckTimeout time.Duration

	// NumProxies is the indirect-probe fan-out. Defaults
	// to 3.
	NumProxies int

	// Sequence is the initial outgoing ping sequence number, useful for
	// restart-with-persisted-state. Defaults to 0.
	Sequence uint32

	// MaxLocalCount bounds how many times any one piggyback record may
	// be queried regardless of cluster size. Defaults to 6.
	MaxLocalCount int

	// RetransmitMult is the constant multiplied against
	// ceil(log2(N+1)) for both the piggyback retransmit budget and the
	// suspicion timeout. Defaults to 3, the typical SWIM value.
	RetransmitMult int

	// MaxAwareness bounds the local health score (see Awareness).
	// Defaults to 8.
	MaxAwareness int

	// Keys is the non-empty set of 32-octet AES-256 keys for the
	// keyring, head-first (keys[0] is active).
	Keys [][]byte

	// AAD is the cluster-wide associated authenticated data every node
	// must agree on out-of-band. It must be an explicit, intentionally
	// chosen value: never derive it from local process state, or
	// decryption will fail cluster-wide.
	AAD []byte
}

func (c *Config) withDefaults() {
	if c.NumProxies <= 0 {
		c.NumProxies = 3
	}
	if c.MaxLocalCount <= 0 {
		c.MaxLocalCount = 6
	}
	if c.RetransmitMult <= 0 {
		c.RetransmitMult = 3
	}
	if c.MaxAwareness <= 0 {
		c.MaxAwareness = 8
	}
}

// validate checks the invariants New requires before starting the
// agent. It is the only error kind the detector ever returns to a
// caller.
func (c *Config) validate() error {
	if c.ProtocolPeriod <= 0 {
		return fmt.Errorf("swim: protocol period must be positive")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("swim: ack timeout must be positive")
	}
	if c.AckTimeout >= c.ProtocolPeriod {
		return ErrAckTimeoutTooLong
	}
	if len(c.Keys) == 0 {
		return fmt.Errorf("swim: at least one key is required")
	}
	return nil
}
