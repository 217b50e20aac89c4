// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilegraph

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Exchanger is the tile side of the addressed point-to-point exchange fabric.
//
// A transfer is attempted by the sender with Send and gated by the receiver with Listen: the payload only lands
// if the addressed tile listens to the sending tile in the same pass. So a receiver gets data from at most one
// sender per pass, the one it selected, and all other attempted sends are suppressed.
//
// *Worker implements Exchanger for DynamicExchanger vertices.
type Exchanger interface {
	// Send offers payload to tile dst. Each tile can send at most once per pass.
	Send(dst int, payload View)

	// Listen sets the incoming mux of the tile to src: if src sends to this tile in this pass, the payload is
	// written into `into`. Each tile can listen at most once per pass.
	Listen(src int, into View)
}

var _ Exchanger = (*Worker)(nil)

type outgoing struct {
	valid   bool
	dst     int
	payload View
}

type incoming struct {
	valid bool
	src   int
	into  View
}

// exchangePass holds the sends and listens of every tile in one pass of an exchanging compute set.
//
// Tile i only ever writes out[i] and in[i] during the compute step, and nothing is read until the step is over
// for every tile.
type exchangePass struct {
	out []outgoing
	in  []incoming
}

func newExchangePass(numTiles int) *exchangePass {
	return &exchangePass{
		out: make([]outgoing, numTiles),
		in:  make([]incoming, numTiles),
	}
}

// Send implements Exchanger.
func (w *Worker) Send(dst int, payload View) {
	w.assertExchanger("Send")
	slot := &w.pass.out[w.tile]
	if slot.valid {
		exceptions.Panicf("tile %d sent more than once in the same pass", w.tile)
	}
	*slot = outgoing{valid: true, dst: dst, payload: payload}
}

// Listen implements Exchanger.
func (w *Worker) Listen(src int, into View) {
	w.assertExchanger("Listen")
	slot := &w.pass.in[w.tile]
	if slot.valid {
		exceptions.Panicf("tile %d listened more than once in the same pass", w.tile)
	}
	*slot = incoming{valid: true, src: src, into: into}
}

// listeners returns the tiles that called Listen in the pass, in increasing order.
func (p *exchangePass) listeners() []int {
	var tiles []int
	for tile, in := range p.in {
		if in.valid {
			tiles = append(tiles, tile)
		}
	}
	return tiles
}

// exchangeCounters accumulated by the delivery phase.
type exchangeCounters struct {
	delivered, suppressed, unmatched, bytes atomic.Int64
}

// deliver runs the delivery phase of the pass for the receiving tile: it runs after every tile finished its
// compute step, and only writes to the receiver's memory.
//
// It returns whether a payload was delivered.
func (p *exchangePass) deliver(tile int, counters *exchangeCounters) bool {
	in := p.in[tile]
	if !in.valid {
		return false
	}
	if in.src < 0 || in.src >= len(p.out) {
		// Nothing is connected at that address of the mux.
		klog.V(2).Infof("tile %d listened to tile %d, which doesn't exist", tile, in.src)
		counters.unmatched.Add(1)
		return false
	}
	out := p.out[in.src]
	if !out.valid || out.dst != tile {
		klog.V(2).Infof("tile %d listened to tile %d, which didn't send to it", tile, in.src)
		counters.unmatched.Add(1)
		return false
	}
	n := copy(in.into.Bytes(), out.payload.Bytes())
	counters.delivered.Add(1)
	counters.bytes.Add(int64(n))
	return true
}

// countSuppressed counts sends that were not picked up by their receiver.
func (p *exchangePass) countSuppressed(delivered []bool) int64 {
	var suppressed int64
	for src, out := range p.out {
		if !out.valid {
			continue
		}
		if out.dst >= 0 && out.dst < len(p.in) && delivered[out.dst] && p.in[out.dst].src == src {
			continue
		}
		suppressed++
	}
	return suppressed
}
