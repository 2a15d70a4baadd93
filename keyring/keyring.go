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

// Package keyring implements the authenticated framing layer: an ordered
// list of symmetric keys used to encrypt outgoing datagrams under the
// head key and trial-decrypt inbound datagrams against every key in the
// ring, so an operator can rotate keys cluster-wide without downtime.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	keySize   = 32 // AES-256
	ivSize    = 16
	tagSize   = 16
	envelopeMinSize = ivSize + tagSize
)

// ErrEmptyKeyring is returned by New when no keys are supplied.
var ErrEmptyKeyring = errors.New("keyring: at least one key is required")

// ErrBadKeyLength is returned by New or Add when a key is not exactly
// 32 octets.
var ErrBadKeyLength = errors.New("keyring: keys must be 32 octets")

// ErrFailedVerification is returned by Decrypt when no key in the ring
// can authenticate the ciphertext, or the input is too short to be a
// valid envelope.
var ErrFailedVerification = errors.New("keyring: failed verification")

// Keyring is an immutable snapshot of the cluster's rotating key set
// plus the cluster-wide associated authenticated data. The detector and
// transport share a reference to one snapshot; Add produces a new one.
type Keyring struct {
	// keys[0] is the active (encryption) key; all keys are valid for
	// decryption.
	keys [][]byte
	aad  []byte
}

// New constructs a Keyring. keys must be non-empty and every key must be
// exactly 32 octets (AES-256). aad is the cluster-wide associated
// authenticated data every node must agree on out-of-band; it must not
// be derived from per-node ambient state, or decryption will fail
// cluster-wide.
func New(keys [][]byte, aad []byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKeyring
	}
	cp := make([][]byte, len(keys))
	for i, k := range keys {
		if len(k) != keySize {
			return nil, fmt.Errorf("%w: key %d is %d octets", ErrBadKeyLength, i, len(k))
		}
		cp[i] = append([]byte(nil), k...)
	}
	return &Keyring{keys: cp, aad: append([]byte(nil), aad...)}, nil
}

// Add returns a new Keyring with key prepended as the active key; every
// key already in ring remains valid for decryption. ring is never
// mutated.
func Add(key []byte, ring *Keyring) (*Keyring, error) {
	if len(key) != keySize {
		return nil, ErrBadKeyLength
	}
	next := make([][]byte, 0, len(ring.keys)+1)
	next = append(next, append([]byte(nil), key...))
	next = append(next, ring.keys...)
	return &Keyring{keys: next, aad: ring.aad}, nil
}

// ActiveKey returns a copy of the current head (encryption) key.
func (r *Keyring) ActiveKey() []byte {
	return append([]byte(nil), r.keys[0]...)
}

// Len reports how many keys are in the ring.
func (r *Keyring) Len() int {
	return len(r.keys)
}

// Encrypt seals plaintext under the ring's active key with AES-256-GCM,
// a freshly generated 16-octet IV, and the ring's AAD. The output layout
// is exactly IV(16) || TAG(16) || CIPHERTEXT(len(plaintext)).
func Encrypt(plaintext []byte, ring *Keyring) ([]byte, error) {
	gcm, err := newGCM(ring.keys[0])
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("keyring: generate iv: %w", err)
	}

	// gcm.Seal appends ciphertext||tag to its first argument; we want
	// iv||tag||ciphertext on the wire, so reorder after sealing.
	sealed := gcm.Seal(nil, iv, plaintext, ring.aad)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt parses the IV(16)||TAG(16)||CIPHERTEXT envelope and trial-
// decrypts it against every key in ring, in order, returning the first
// plaintext that authenticates. It returns ErrFailedVerification if the
// input is too short or every key fails.
func Decrypt(envelope []byte, ring *Keyring) ([]byte, error) {
	if len(envelope) < envelopeMinSize {
		return nil, ErrFailedVerification
	}
	iv := envelope[:ivSize]
	tag := envelope[ivSize:envelopeMinSize]
	ciphertext := envelope[envelopeMinSize:]

	// GCM's Open expects ciphertext||tag in one slice.
	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	for _, key := range ring.keys {
		gcm, err := newGCM(key)
		if err != nil {
			continue
		}
		plaintext, err := gcm.Open(nil, iv, sealed, ring.aad)
		if err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrFailedVerification
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("keyring: new gcm: %w", err)
	}
	return gcm, nil
}
