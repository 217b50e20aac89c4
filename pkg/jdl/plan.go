// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jdl

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// PlanSize is the number of uint32 words of an encoded PlanEntry: one row of the plan buffer.
const PlanSize = 8

// planMagic marks a plan row written by the setup program ("JDL1").
const planMagic uint32 = 0x4a444c31

// PeerRuntimeSelected is the peer recorded by the receiver: its sender is only known when the exchange runs.
const PeerRuntimeSelected = math.MaxUint32

// Positions of the fields in an encoded PlanEntry.
const (
	planMagicWord = iota
	planRoleWord
	planSelfWord
	planPeerWord
	planCountWord
	planElementSizeWord
	planBytesWord
	planChecksumWord
)

// PlanEntry is the routing plan of one active tile, kept in its own memory.
//
// It's written once by the setup program, and only read by the exchange program.
type PlanEntry struct {
	Role Role

	// Self is the tile holding the entry.
	Self uint32

	// Peer is the receiver tile for senders, and PeerRuntimeSelected for the receiver.
	Peer uint32

	// Count is the number of elements of every transfer.
	Count uint32

	// ElementSize is the size in bytes of one element of data.
	ElementSize uint32
}

// Bytes transferred by every exchange.
func (e PlanEntry) Bytes() uint32 { return e.Count * e.ElementSize }

// String implements fmt.Stringer.
func (e PlanEntry) String() string {
	peer := fmt.Sprint(e.Peer)
	if e.Peer == PeerRuntimeSelected {
		peer = "runtime-selected"
	}
	return fmt.Sprintf("PlanEntry{%s, tile=%d, peer=%s, count=%d, %d bytes}", e.Role, e.Self, peer, e.Count, e.Bytes())
}

func planChecksum(row []uint32) uint32 {
	sum := uint32(0)
	for _, word := range row[:planChecksumWord] {
		sum = sum*31 + word
	}
	return sum
}

// Encode the entry into row, which must have at least PlanSize words.
func (e PlanEntry) Encode(row []uint32) {
	_ = row[PlanSize-1]
	row[planMagicWord] = planMagic
	row[planRoleWord] = uint32(e.Role)
	row[planSelfWord] = e.Self
	row[planPeerWord] = e.Peer
	row[planCountWord] = e.Count
	row[planElementSizeWord] = e.ElementSize
	row[planBytesWord] = e.Bytes()
	row[planChecksumWord] = planChecksum(row)
}

// DecodePlan decodes an entry encoded with PlanEntry.Encode.
//
// It fails if the row was never written, which means the setup program hasn't run, or if it's corrupted.
func DecodePlan(row []uint32) (PlanEntry, error) {
	if len(row) < PlanSize {
		return PlanEntry{}, errors.Errorf("plan row has %d words, wanted %d", len(row), PlanSize)
	}
	if row[planMagicWord] != planMagic {
		return PlanEntry{}, errors.New("routing plan not initialized, the setup program must run before the exchange")
	}
	if row[planChecksumWord] != planChecksum(row) {
		return PlanEntry{}, errors.Errorf("routing plan corrupted: %v", row[:PlanSize])
	}
	e := PlanEntry{
		Role:        Role(row[planRoleWord]),
		Self:        row[planSelfWord],
		Peer:        row[planPeerWord],
		Count:       row[planCountWord],
		ElementSize: row[planElementSizeWord],
	}
	if e.Role != Sender && e.Role != Receiver {
		return PlanEntry{}, errors.Errorf("routing plan has invalid role %s", e.Role)
	}
	if row[planBytesWord] != e.Bytes() {
		return PlanEntry{}, errors.Errorf("routing plan corrupted: %d bytes for %d elements of %d bytes",
			row[planBytesWord], e.Count, e.ElementSize)
	}
	return e, nil
}
