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
	"sync"
	"time"
)

// Awareness is a bounded local-health score. The detector raises it when
// one of this node's own probes ends its period without an ack (this
// node itself may look unhealthy on the network) and lowers it on
// successful round trips, scaling ack_timeout so an already-struggling
// node gives its peers a little more time to reply before escalating to
// suspicion. At score 0 it is a no-op apart from the cap:
// ScaleTimeout(base, cap) == base whenever base does not exceed cap.
//
// ScaleTimeout itself enforces the fixed ack_timeout < protocol_period
// invariant by capping its result; it never returns a value the caller
// didn't explicitly allow through cap.
type Awareness struct {
	mu    sync.Mutex
	score int
	max   int
}

// NewAwareness constructs an Awareness with the given maximum score.
// max must be at least 1; a max of 0 degenerates to an always-zero
// score (ScaleTimeout becomes the identity function).
func NewAwareness(max int) *Awareness {
	if max < 0 {
		max = 0
	}
	return &Awareness{max: max}
}

// Degrade increases the health score by delta (clamped to max),
// signaling this node is having trouble reaching peers.
func (a *Awareness) Degrade(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.score += delta
	if a.score > a.max {
		a.score = a.max
	}
	if a.score < 0 {
		a.score = 0
	}
}

// Improve decreases the health score by delta (clamped to 0), signaling
// a successful round trip.
func (a *Awareness) Improve(delta int) {
	a.Degrade(-delta)
}

// Score returns the current health score.
func (a *Awareness) Score() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.score
}

// ScaleTimeout scales base by (max+1+score)/(max+1), ranging from 1x at
// score 0 up to nearly 2x at score max, then clamps the result to cap. A
// degraded node waits longer for an ack before concluding a peer is
// unreachable, reducing false-positive suspicions caused by the local
// node's own congestion rather than the peer's — but never so long that
// the direct-probe phase eats into the indirect-probe phase the same
// tick still needs to run. cap <= 0 disables clamping.
func (a *Awareness) ScaleTimeout(base, cap time.Duration) time.Duration {
	a.mu.Lock()
	score := a.score
	max := a.max
	a.mu.Unlock()

	scaled := base
	if max != 0 {
		num := int64(max + 1 + score)
		den := int64(max + 1)
		scaled = time.Duration(int64(base) * num / den)
	}
	if cap > 0 && scaled > cap {
		return cap
	}
	return scaled
}
