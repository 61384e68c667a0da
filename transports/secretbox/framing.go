/*
 * Copyright (c) 2014, Yawning Angel <yawning at schwanenlied dot me>
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *
 *  * Redistributions of source code must retain the above copyright notice,
 *    this list of conditions and the following disclaimer.
 *
 *  * Redistributions in binary form must reproduce the above copyright notice,
 *    this list of conditions and the following disclaimer in the documentation
 *    and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 */

package secretbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/RACECAR-GU/ptcore/common/drbg"
	"github.com/RACECAR-GU/ptcore/common/framing"
)

const (
	// FrameOverhead is the length of the framing overhead.
	FrameOverhead = framing.LengthLength + secretbox.Overhead

	// MaximumFramePayloadLength is the length of the maximum allowed payload
	// per frame.
	MaximumFramePayloadLength = framing.MaximumBodyLength - secretbox.Overhead

	// KeyLength is the length of the keying material of one direction.
	KeyLength = keyLength + noncePrefixLength + drbg.SeedLength

	keyLength = 32

	noncePrefixLength  = 16
	nonceCounterLength = 8
	nonceLength        = noncePrefixLength + nonceCounterLength
)

var (
	// ErrNonceCounterWrapped is returned when the nonce counter wraps (FATAL).
	ErrNonceCounterWrapped = errors.New("secretbox: nonce counter wrapped")

	// ErrTagMismatch is returned when a frame fails to authenticate.
	ErrTagMismatch = errors.New("secretbox: poly1305 tag mismatch")
)

type boxNonce struct {
	prefix  [noncePrefixLength]byte
	counter uint64
}

func (nonce *boxNonce) init(prefix []byte) {
	if noncePrefixLength != len(prefix) {
		panic(fmt.Sprintf("BUG: Nonce prefix length invalid: %d", len(prefix)))
	}

	copy(nonce.prefix[:], prefix)
	nonce.counter = 1
}

func (nonce boxNonce) bytes(out *[nonceLength]byte) error {
	// A nonce must never be reused for a given key.  The counter starts at
	// 1, so zero means it wrapped.
	if nonce.counter == 0 {
		return ErrNonceCounterWrapped
	}

	copy(out[:], nonce.prefix[:])
	binary.BigEndian.PutUint64(out[noncePrefixLength:], nonce.counter)

	return nil
}

// keyMaterial splits one direction's KeyLength bytes.
func keyMaterial(key []byte) (k *[keyLength]byte, noncePrefix []byte, lenSeed *drbg.Seed) {
	if len(key) != KeyLength {
		panic(fmt.Sprintf("BUG: Invalid key length: %d", len(key)))
	}

	k = new([keyLength]byte)
	copy(k[:], key[:keyLength])
	lenSeed, err := drbg.SeedFromBytes(key[keyLength+noncePrefixLength:])
	if err != nil {
		panic(fmt.Sprintf("BUG: Failed to initialize DRBG: %s", err))
	}
	return k, key[keyLength : keyLength+noncePrefixLength], lenSeed
}

// Encoder seals payload into length obfuscated secretbox frames.
type Encoder struct {
	key   [keyLength]byte
	nonce boxNonce
	drbg  *drbg.HashDrbg
}

// NewEncoder creates a new Encoder instance.  It must be supplied a slice
// containing exactly KeyLength bytes of keying material.
func NewEncoder(key []byte) *Encoder {
	k, prefix, seed := keyMaterial(key)
	encoder := new(Encoder)
	encoder.key = *k
	encoder.nonce.init(prefix)
	encoder.drbg, _ = drbg.NewHashDrbg(seed)
	return encoder
}

// Encode encodes a single frame worth of payload and appends it to frame.
func (encoder *Encoder) Encode(frame, payload []byte) ([]byte, error) {
	if MaximumFramePayloadLength < len(payload) {
		return nil, framing.InvalidLengthError(len(payload))
	}

	var nonce [nonceLength]byte
	if err := encoder.nonce.bytes(&nonce); err != nil {
		return nil, err
	}
	encoder.nonce.counter++

	// Obfuscate the length.
	length := uint16(len(payload) + secretbox.Overhead)
	lengthMask := encoder.drbg.NextBlock()
	length ^= binary.BigEndian.Uint16(lengthMask)
	frame = binary.BigEndian.AppendUint16(frame, length)

	// Encrypt and MAC payload.
	return secretbox.Seal(frame, payload, &nonce, &encoder.key), nil
}

// Decoder opens frames produced by an Encoder with the same key.
type Decoder struct {
	key   [keyLength]byte
	nonce boxNonce
	drbg  *drbg.HashDrbg

	nextNonce  [nonceLength]byte
	nextLength uint16

	receiveBuffer bytes.Buffer
}

// NewDecoder creates a new Decoder instance.  It must be supplied a slice
// containing exactly KeyLength bytes of keying material.
func NewDecoder(key []byte) *Decoder {
	k, prefix, seed := keyMaterial(key)
	decoder := new(Decoder)
	decoder.key = *k
	decoder.nonce.init(prefix)
	decoder.drbg, _ = drbg.NewHashDrbg(seed)
	return decoder
}

// Decode consumes data and returns the payload of every frame it
// completed.  Incomplete frames are buffered.
func (decoder *Decoder) Decode(data []byte) ([]byte, error) {
	decoder.receiveBuffer.Write(data)

	var out []byte
	for {
		if decoder.nextLength == 0 {
			if decoder.receiveBuffer.Len() < framing.LengthLength {
				return out, nil
			}

			// Remove the length field from the buffer and deobfuscate it.
			var obfsLen [framing.LengthLength]byte
			decoder.receiveBuffer.Read(obfsLen[:])
			lengthMask := decoder.drbg.NextBlock()
			length := binary.BigEndian.Uint16(obfsLen[:]) ^ binary.BigEndian.Uint16(lengthMask)
			if length < secretbox.Overhead {
				return nil, framing.InvalidLengthError(length)
			}
			decoder.nextLength = length

			if err := decoder.nonce.bytes(&decoder.nextNonce); err != nil {
				return nil, err
			}
		}

		if decoder.receiveBuffer.Len() < int(decoder.nextLength) {
			return out, nil
		}

		box := decoder.receiveBuffer.Next(int(decoder.nextLength))
		var ok bool
		out, ok = secretbox.Open(out, box, &decoder.nextNonce, &decoder.key)
		if !ok {
			return nil, ErrTagMismatch
		}
		decoder.nextLength = 0
		decoder.nonce.counter++
	}
}
