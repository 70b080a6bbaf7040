// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package anon rewrites IP addresses with a prefix-preserving mapping:
// two addresses sharing an N-bit prefix before anonymization still
// share an N-bit prefix afterward, independently for IPv4 and IPv6.
package anon

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/netip"

	"github.com/alphadose/haxmap"
)

// bitKey identifies one node in the (implicit) prefix tree: a family
// plus the original address bits consumed so far.
type bitKey struct {
	isV6   bool
	prefix uint8
	bytes  [16]byte
}

// Anonymizer computes a prefix-preserving remapping of IP addresses,
// keyed by a secret so the mapping can't be inverted without it.
// Addresses sharing a prefix recompute identical flip bits for that
// prefix's length exactly once, then reuse them from cache — the same
// memoized-radix-walk idea the spec describes, expressed as a flat,
// per-Anonymizer cache keyed by (family, prefix length, prefix bytes)
// rather than pointer-linked tree nodes.
type Anonymizer struct {
	secret []byte
	cache  *haxmap.Map[bitKey, byte]
}

// New returns an Anonymizer keyed by secret. secret must stay constant
// across a run for the mapping to stay consistent; varying it between
// runs is how operators get a fresh, unlinkable mapping.
func New(secret []byte) *Anonymizer {
	return &Anonymizer{secret: secret, cache: haxmap.New[bitKey, byte]()}
}

// Anonymize rewrites addr, or returns it unchanged if it falls in a
// pass-through class: loopback, multicast, unspecified, or the IPv4
// limited broadcast address.
func (a *Anonymizer) Anonymize(addr netip.Addr) netip.Addr {
	if addr.IsLoopback() || addr.IsMulticast() || addr.IsUnspecified() {
		return addr
	}
	if addr.Is4() {
		if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
			return addr
		}
		return a.anonymize4(addr)
	}
	return a.anonymize6(addr)
}

func (a *Anonymizer) anonymize4(addr netip.Addr) netip.Addr {
	in := addr.As4()
	var out [4]byte
	for i := 0; i < 32; i++ {
		bit := (in[i/8] >> (7 - uint(i%8))) & 1
		flip := a.flipBit(false, uint8(i), in[:])
		setBit(out[:], i, bit^flip)
	}
	return netip.AddrFrom4(out)
}

func (a *Anonymizer) anonymize6(addr netip.Addr) netip.Addr {
	in := addr.As16()
	var out [16]byte
	for i := 0; i < 128; i++ {
		bit := (in[i/8] >> (7 - uint(i%8))) & 1
		flip := a.flipBit(true, uint8(i), in[:])
		setBit(out[:], i, bit^flip)
	}
	return netip.AddrFrom16(out)
}

// flipBit returns the pseudorandom bit assigned to the prefix of full
// consisting of its first prefixLen bits, memoizing the result so every
// address sharing that prefix gets the same bit (the prefix-preserving
// property) without recomputing the keyed hash each time.
func (a *Anonymizer) flipBit(isV6 bool, prefixLen uint8, full []byte) byte {
	var masked [16]byte
	nbytes := int(prefixLen) / 8
	copy(masked[:nbytes], full[:nbytes])
	if rem := prefixLen % 8; rem != 0 {
		mask := byte(0xff) << (8 - rem)
		masked[nbytes] = full[nbytes] & mask
	}

	key := bitKey{isV6: isV6, prefix: prefixLen, bytes: masked}
	if v, ok := a.cache.Get(key); ok {
		return v
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(masked[:])
	mac.Write([]byte{prefixLen, boolByte(isV6)})
	sum := mac.Sum(nil)
	bit := sum[0] & 1

	a.cache.Set(key, bit)
	return bit
}

func setBit(buf []byte, i int, bit byte) {
	if bit != 0 {
		buf[i/8] |= 1 << (7 - uint(i%8))
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
