// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilegraph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
)

// Program is an opaque handle to a statically scheduled control program, built with Execute, Sequence, Sync,
// Repeat and PrintTensor, and run by an Engine.
//
// Programs are immutable once created, and can be composed into larger programs any number of times.
type Program interface {
	// ID uniquely identifies the program handle.
	ID() uuid.UUID

	// String returns a compact description of the program.
	String() string

	children() []Program
}

type programBase struct {
	id uuid.UUID
}

func newProgramBase() programBase { return programBase{id: uuid.New()} }

// ID implements Program.
func (p programBase) ID() uuid.UUID { return p.id }

func (p programBase) children() []Program { return nil }

// executeProgram runs one compute set as a parallel pass.
type executeProgram struct {
	programBase
	cs *ComputeSet
}

// Execute returns a program that runs the compute set as one parallel pass over all tiles.
func Execute(cs *ComputeSet) Program {
	if cs == nil {
		exceptions.Panicf("Execute(nil) compute set")
	}
	return &executeProgram{programBase: newProgramBase(), cs: cs}
}

func (p *executeProgram) String() string { return fmt.Sprintf("Execute(%s)", p.cs.name) }

// sequenceProgram runs its programs one after the other.
type sequenceProgram struct {
	programBase
	programs []Program
}

// Sequence returns a program that runs the given programs in order, each one completing before the next starts.
func Sequence(programs ...Program) Program {
	for i, p := range programs {
		if p == nil {
			exceptions.Panicf("Sequence: program #%d is nil", i)
		}
	}
	return &sequenceProgram{programBase: newProgramBase(), programs: append([]Program(nil), programs...)}
}

func (p *sequenceProgram) children() []Program { return p.programs }

func (p *sequenceProgram) String() string {
	parts := make([]string, len(p.programs))
	for i, child := range p.programs {
		parts[i] = child.String()
	}
	return "Sequence(" + strings.Join(parts, ", ") + ")"
}

// syncProgram is an internal barrier across all tiles.
type syncProgram struct {
	programBase
}

// Sync returns a program that is an internal synchronization barrier across all tiles of the device.
//
// Passes of compute sets already end with a barrier, but the data-dependent exchange needs explicit
// syncs around it: the compiler can't tell which tiles communicate in such a pass, so it can't rely
// on the static exchange schedule to order it with respect to its neighbours. See NewEngine.
func Sync() Program {
	return &syncProgram{programBase: newProgramBase()}
}

func (p *syncProgram) String() string { return "Sync" }

// repeatProgram runs its body a fixed number of times.
type repeatProgram struct {
	programBase
	count int
	body  Program
}

// Repeat returns a program that runs body count times.
func Repeat(count int, body Program) Program {
	if count < 0 {
		exceptions.Panicf("Repeat(%d): count must be >= 0", count)
	}
	if body == nil {
		exceptions.Panicf("Repeat(%d): body is nil", count)
	}
	return &repeatProgram{programBase: newProgramBase(), count: count, body: body}
}

func (p *repeatProgram) children() []Program { return []Program{p.body} }

func (p *repeatProgram) String() string { return fmt.Sprintf("Repeat(%d, %s)", p.count, p.body) }

// printProgram writes the value of a tensor to the engine's output.
type printProgram struct {
	programBase
	label  string
	tensor Tensor
}

// PrintTensor returns a program that prints the current value of the tensor to the output of the Engine.
func PrintTensor(label string, t Tensor) Program {
	t.AssertValid()
	return &printProgram{programBase: newProgramBase(), label: label, tensor: t}
}

func (p *printProgram) String() string { return fmt.Sprintf("PrintTensor(%q)", p.label) }
