package analysis

import (
	"errors"
	"fmt"

	"github.com/katori/classkit/classfile"
	"github.com/katori/classkit/insn"
)

// ErrUnsupportedInsn reports an instruction the frame computation rejects
// outright. JSR/RET subroutines predate stack map frames and are not
// supported; callers must inline them first.
var ErrUnsupportedInsn = errors.New("unsupported instruction")

// ---------------------------------------------------------------------------
// Basic blocks
// ---------------------------------------------------------------------------

// edge is one control-flow edge out of a basic block. catch is unset for
// normal edges; for exception edges it is the caught exception type.
type edge struct {
	to    int
	catch Type
}

// block is one basic block: a run of instructions [first, last] with
// control flow only at its boundary. Blocks live in an arena indexed by id
// and reference each other by id only.
type block struct {
	id       int
	first    int // index of the first instruction
	last     int // index of the last instruction
	offset   int // bytecode offset of the first instruction
	required bool
	frame    *Frame
	edges    []edge
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

// ComputedFrame is the resolved input frame of one basic block, ready for
// stack map serialization.
type ComputedFrame struct {
	Offset int
	Locals []Type
	Stack  []Type

	// Required reports whether verification restarts at this offset (a
	// jump or switch target, or a handler entry point), so a stack map
	// entry must cover it. Blocks split only for bookkeeping, like the
	// store splits inside handler ranges, are reached by fall-through and
	// need no entry.
	Required bool
}

// Result is the outcome of a frame computation over one method body.
type Result struct {
	// Frames holds one entry per reachable basic block, in ascending
	// bytecode offset order. The first entry is the method entry frame.
	Frames []ComputedFrame

	MaxStack  int
	MaxLocals int
}

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// ComputeFrames runs the abstract interpretation over a method body: it
// splits the instructions into basic blocks, simulates each block once,
// then propagates merges along control-flow and exception edges until the
// fixed point, and returns every reachable block's resolved input frame
// together with the derived stack and local sizes.
//
// The symbol table accumulates every type the analysis touches and must be
// the one the surrounding class translation uses.
func ComputeFrames(st *classfile.SymbolTable, m *insn.MethodCode) (*Result, error) {
	if len(m.Instructions) == 0 {
		return nil, fmt.Errorf("%w: empty method body", ErrInternal)
	}
	for i := range m.Instructions {
		switch m.Instructions[i].Op {
		case insn.OpJsr, insn.OpJsrW, insn.OpRet:
			return nil, fmt.Errorf("%w: %s at instruction %d (subroutines must be inlined)",
				ErrUnsupportedInsn, m.Instructions[i].Op, i)
		}
	}
	if err := m.ComputeOffsets(); err != nil {
		return nil, err
	}

	blocks, blockAt, err := splitBlocks(m)
	if err != nil {
		return nil, err
	}
	maxLocals, err := countLocals(m)
	if err != nil {
		return nil, err
	}

	// Simulate every block's instruction effects into its output frame.
	for _, b := range blocks {
		b.frame = NewFrame(b.id)
		for i := b.first; i <= b.last; i++ {
			if err := b.frame.Execute(m.Instructions[i], st); err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
		}
	}

	if err := addSuccessors(m, blocks, blockAt, st); err != nil {
		return nil, err
	}

	if err := blocks[0].frame.SetInputFromMethod(st, m.Access, m.Name, m.Desc, maxLocals); err != nil {
		return nil, err
	}

	// Forward dataflow fixed point. Termination: merges only move slots
	// toward Top or the root object type, and the lattice is finite.
	worklist := []int{0}
	queued := make([]bool, len(blocks))
	queued[0] = true
	for len(worklist) > 0 {
		id := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		queued[id] = false
		b := blocks[id]
		for _, e := range b.edges {
			changed, err := b.frame.Merge(st, blocks[e.to].frame, e.catch)
			if err != nil {
				return nil, fmt.Errorf("block at offset %d: %w", b.offset, err)
			}
			if changed && !queued[e.to] {
				worklist = append(worklist, e.to)
				queued[e.to] = true
			}
		}
	}

	res := &Result{MaxLocals: maxLocals}
	for _, b := range blocks {
		if b.frame.inputLocals == nil {
			continue // unreachable
		}
		if depth := len(b.frame.inputStack) + b.frame.stackHigh; depth > res.MaxStack {
			res.MaxStack = depth
		}
		res.Frames = append(res.Frames, ComputedFrame{
			Offset:   b.offset,
			Locals:   append([]Type(nil), b.frame.inputLocals...),
			Stack:    append([]Type(nil), b.frame.inputStack...),
			Required: b.required,
		})
	}
	return res, nil
}

// splitBlocks finds basic block leaders and builds the block arena. Jump
// targets, handler boundaries and the instruction after a branch or
// terminator start blocks; when exception handlers exist, the instruction
// after a local store does too, so that every block's input locals are
// valid at each of its instructions.
func splitBlocks(m *insn.MethodCode) ([]*block, []int, error) {
	n := len(m.Instructions)
	leader := make([]bool, n)
	required := make([]bool, n)
	leader[0] = true
	required[0] = true

	markTarget := func(i int, l *insn.Label) error {
		if l == nil {
			return fmt.Errorf("%w: instruction %d has no branch target", ErrInternal, i)
		}
		if l.Index() < 0 || l.Index() >= n {
			return fmt.Errorf("%w: instruction %d branches outside the method", ErrInternal, i)
		}
		leader[l.Index()] = true
		required[l.Index()] = true
		return nil
	}

	for i := range m.Instructions {
		ins := &m.Instructions[i]
		op := ins.Op
		switch {
		case op.IsConditionalBranch():
			if err := markTarget(i, ins.Target); err != nil {
				return nil, nil, err
			}
			if i+1 < n {
				leader[i+1] = true
			}
		case op == insn.OpGoto || op == insn.OpGotoW:
			if err := markTarget(i, ins.Target); err != nil {
				return nil, nil, err
			}
			if i+1 < n {
				leader[i+1] = true
			}
		case op == insn.OpTableswitch || op == insn.OpLookupswitch:
			if err := markTarget(i, ins.Default); err != nil {
				return nil, nil, err
			}
			for _, t := range ins.Targets {
				if err := markTarget(i, t); err != nil {
					return nil, nil, err
				}
			}
			if i+1 < n {
				leader[i+1] = true
			}
		case op.IsTerminator():
			if i+1 < n {
				leader[i+1] = true
			}
		case op.IsStore() && len(m.Handlers) > 0:
			if i+1 < n {
				leader[i+1] = true
			}
		}
	}
	for hi := range m.Handlers {
		h := &m.Handlers[hi]
		for _, l := range []*insn.Label{h.Start, h.End, h.Catch} {
			if l == nil {
				return nil, nil, fmt.Errorf("%w: handler %d", insn.ErrUnboundHandlerLabel, hi)
			}
			if _, ok := l.BytecodeOffset(); !ok {
				return nil, nil, fmt.Errorf("%w: handler %d", insn.ErrUnboundHandlerLabel, hi)
			}
		}
		if h.Start.Index() < n {
			leader[h.Start.Index()] = true
		}
		if h.End.Index() < n {
			leader[h.End.Index()] = true
		}
		if h.Catch.Index() >= n {
			return nil, nil, fmt.Errorf("%w: handler %d catches outside the method", ErrInternal, hi)
		}
		leader[h.Catch.Index()] = true
		required[h.Catch.Index()] = true
	}

	var blocks []*block
	blockAt := make([]int, n)
	for i := 0; i < n; i++ {
		if leader[i] {
			blocks = append(blocks, &block{
				id:       len(blocks),
				first:    i,
				last:     i,
				offset:   m.Instructions[i].Offset,
				required: required[i],
			})
		}
		b := blocks[len(blocks)-1]
		b.last = i
		blockAt[i] = b.id
	}
	return blocks, blockAt, nil
}

// addSuccessors wires the control-flow and exception adjacency lists.
func addSuccessors(m *insn.MethodCode, blocks []*block, blockAt []int, st *classfile.SymbolTable) error {
	n := len(m.Instructions)
	for _, b := range blocks {
		ins := &m.Instructions[b.last]
		op := ins.Op
		switch {
		case op.IsConditionalBranch():
			b.edges = append(b.edges, edge{to: blockAt[ins.Target.Index()]})
			if b.last+1 < n {
				b.edges = append(b.edges, edge{to: blockAt[b.last+1]})
			}
		case op == insn.OpGoto || op == insn.OpGotoW:
			b.edges = append(b.edges, edge{to: blockAt[ins.Target.Index()]})
		case op == insn.OpTableswitch || op == insn.OpLookupswitch:
			b.edges = append(b.edges, edge{to: blockAt[ins.Default.Index()]})
			for _, t := range ins.Targets {
				b.edges = append(b.edges, edge{to: blockAt[t.Index()]})
			}
		case op.IsTerminator():
			// no successors
		default:
			if b.last+1 < n {
				b.edges = append(b.edges, edge{to: blockAt[b.last+1]})
			}
		}
	}
	for hi := range m.Handlers {
		h := &m.Handlers[hi]
		catchName := h.Type
		if catchName == "" {
			catchName = classfile.ThrowableClass
		}
		catch := Reference(st.AddType(catchName))
		startIdx, endIdx := h.Start.Index(), h.End.Index()
		if endIdx > n {
			endIdx = n
		}
		handlerBlock := blockAt[h.Catch.Index()]
		for _, b := range blocks {
			if b.first >= startIdx && b.first < endIdx {
				b.edges = append(b.edges, edge{to: handlerBlock, catch: catch})
			}
		}
	}
	return nil
}

// countLocals derives the local variable array size from the method
// signature and every local the code touches.
func countLocals(m *insn.MethodCode) (int, error) {
	argSlots, _, err := classfile.ArgumentsAndReturnSizes(m.Desc)
	if err != nil {
		return 0, err
	}
	max := argSlots
	if m.Access&classfile.AccStatic == 0 {
		max++
	}
	for i := range m.Instructions {
		idx, size, ok := localAccess(&m.Instructions[i])
		if !ok {
			continue
		}
		if end := idx + size; end > max {
			max = end
		}
	}
	return max, nil
}

// localAccess returns the local slot index and width an instruction
// touches, if any.
func localAccess(ins *insn.Instruction) (index, size int, ok bool) {
	op := ins.Op
	switch {
	case op == insn.OpIload || op == insn.OpFload || op == insn.OpAload ||
		op == insn.OpIstore || op == insn.OpFstore || op == insn.OpAstore ||
		op == insn.OpIinc || op == insn.OpRet:
		return ins.Operand, 1, true
	case op == insn.OpLload || op == insn.OpDload ||
		op == insn.OpLstore || op == insn.OpDstore:
		return ins.Operand, 2, true
	case op >= insn.OpIload0 && op <= insn.OpAload3:
		slot := int(op-insn.OpIload0) % 4
		if (op >= insn.OpLload0 && op <= insn.OpLload3) ||
			(op >= insn.OpDload0 && op <= insn.OpDload3) {
			return slot, 2, true
		}
		return slot, 1, true
	case op >= insn.OpIstore0 && op <= insn.OpAstore3:
		slot := int(op-insn.OpIstore0) % 4
		if (op >= insn.OpLstore0 && op <= insn.OpLstore3) ||
			(op >= insn.OpDstore0 && op <= insn.OpDstore3) {
			return slot, 2, true
		}
		return slot, 1, true
	}
	return 0, 0, false
}
