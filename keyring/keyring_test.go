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

package keyring

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, keySize)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func TestNewRejectsEmptyKeyring(t *testing.T) {
	_, err := New(nil, []byte("aad"))
	require.ErrorIs(t, err, ErrEmptyKeyring)
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New([][]byte{[]byte("too-short")}, []byte("aad"))
	require.ErrorIs(t, err, ErrBadKeyLength)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ring, err := New([][]byte{randomKey(t)}, []byte("cluster-aad"))
	require.NoError(t, err)

	plaintext := []byte("ping seq=1 target_inc=0")
	ciphertext, err := Encrypt(plaintext, ring)
	require.NoError(t, err)
	require.Len(t, ciphertext, ivSize+tagSize+len(plaintext))

	got, err := Decrypt(ciphertext, ring)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptRejectsShortInput(t *testing.T) {
	ring, err := New([][]byte{randomKey(t)}, []byte("aad"))
	require.NoError(t, err)

	_, err = Decrypt(make([]byte, envelopeMinSize-1), ring)
	require.ErrorIs(t, err, ErrFailedVerification)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	ring, err := New([][]byte{randomKey(t)}, []byte("aad"))
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("alive member=a inc=2"), ring)
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = Decrypt(ciphertext, ring)
	require.ErrorIs(t, err, ErrFailedVerification)
}

func TestKeyRotationCompatibility(t *testing.T) {
	kOld := randomKey(t)
	kNew := randomKey(t)
	aad := []byte("cluster-aad")

	r1, err := New([][]byte{kNew, kOld}, aad)
	require.NoError(t, err)

	r2, err := New([][]byte{kOld}, aad)
	require.NoError(t, err)

	plaintext := []byte("suspect member=b inc=4")

	// Old-key-only ring's ciphertext decrypts under the new ring,
	// because kOld is still a trial-decryption candidate in r1, so a
	// node that encrypted under kOld can be read by r1.
	ciphertextOld, err := Encrypt(plaintext, r2)
	require.NoError(t, err)
	got, err := Decrypt(ciphertextOld, r1)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	// Ciphertext produced under the new key cannot yet be read by a
	// node whose ring has not learned kNew.
	ciphertextNew, err := Encrypt(plaintext, r1)
	require.NoError(t, err)
	_, err = Decrypt(ciphertextNew, r2)
	require.ErrorIs(t, err, ErrFailedVerification)
}

func TestAddPrependsActiveKeyWithoutMutatingOriginal(t *testing.T) {
	k1 := randomKey(t)
	k2 := randomKey(t)
	ring, err := New([][]byte{k1}, []byte("aad"))
	require.NoError(t, err)

	rotated, err := Add(k2, ring)
	require.NoError(t, err)

	require.Equal(t, k1, ring.ActiveKey())
	require.Equal(t, k2, rotated.ActiveKey())
	require.Equal(t, 2, rotated.Len())
	require.Equal(t, 1, ring.Len())
}
