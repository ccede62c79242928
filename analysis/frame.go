package analysis

import (
	"errors"
	"fmt"

	"github.com/katori/classkit/classfile"
	"github.com/katori/classkit/insn"
)

// ErrInternal reports an internal consistency failure: an opcode or
// descriptor the simulation cannot handle, or a frame shape that valid
// bytecode cannot produce. It indicates a defect in the caller's
// instruction stream or in the driver, not a condition to recover from.
var ErrInternal = errors.New("internal frame computation error")

// ---------------------------------------------------------------------------
// Frame: per-basic-block abstract frame
// ---------------------------------------------------------------------------

// Frame holds the abstract frame of one basic block. The input side
// (inputLocals, inputStack) is absolute and is filled in by the fixed-point
// driver; the output side is expressed relative to the input, because a
// block is simulated once, before its input is known.
type Frame struct {
	owner int // id of the basic block this frame describes

	inputLocals []Type
	inputStack  []Type

	outputLocals []Type
	outputStack  []Type
	popped       int // input stack slots consumed below the block's own pushes
	stackHigh    int // high watermark of (len(outputStack) - popped)

	// Types that a constructor call initialized inside this block. Any
	// occurrence of one of them in the output resolves to the initialized
	// class instead.
	initializations []Type
}

// NewFrame creates an empty frame owned by the given basic block id.
func NewFrame(owner int) *Frame {
	return &Frame{owner: owner}
}

// Owner returns the id of the basic block this frame describes.
func (f *Frame) Owner() int {
	return f.owner
}

// InputLocals returns the resolved input locals. Only valid once the fixed
// point is reached.
func (f *Frame) InputLocals() []Type {
	return f.inputLocals
}

// InputStack returns the resolved input stack. Only valid once the fixed
// point is reached.
func (f *Frame) InputStack() []Type {
	return f.inputStack
}

// SetInputFromMethod derives the entry block's input frame from the method
// signature: receiver (uninitializedThis in a constructor), then the
// argument types in descriptor order with padding after wide values, then
// Top up to numLocals.
func (f *Frame) SetInputFromMethod(st *classfile.SymbolTable, access uint32, name, desc string, numLocals int) error {
	locals := make([]Type, 0, numLocals)
	if access&classfile.AccStatic == 0 {
		if name == "<init>" {
			locals = append(locals, UninitializedThis)
		} else {
			locals = append(locals, Reference(st.AddType(st.ClassName())))
		}
	}
	args, _, err := classfile.SplitMethodDescriptor(desc)
	if err != nil {
		return err
	}
	for _, a := range args {
		t, err := TypeFromDescriptor(st, a)
		if err != nil {
			return err
		}
		locals = append(locals, t)
		if classfile.TypeSize(a) == 2 {
			locals = append(locals, Top)
		}
	}
	if len(locals) > numLocals {
		return fmt.Errorf("%w: %d argument slots exceed %d locals", ErrInternal, len(locals), numLocals)
	}
	for len(locals) < numLocals {
		locals = append(locals, Top)
	}
	f.inputLocals = locals
	f.inputStack = []Type{}
	return nil
}

// getLocal returns the abstract type of local i as seen at the current
// point of the block's simulation.
func (f *Frame) getLocal(i int) Type {
	if i < len(f.outputLocals) && !f.outputLocals[i].IsUnset() {
		return f.outputLocals[i]
	}
	return Type{Kind: KindLocal, Val: int32(i)}
}

// setLocal records a write to local i in the output frame.
func (f *Frame) setLocal(i int, t Type) {
	for len(f.outputLocals) <= i {
		f.outputLocals = append(f.outputLocals, Type{})
	}
	f.outputLocals[i] = t
}

// push appends one slot to the block's output stack model.
func (f *Frame) push(t Type) {
	f.outputStack = append(f.outputStack, t)
	if net := len(f.outputStack) - f.popped; net > f.stackHigh {
		f.stackHigh = net
	}
}

// pop removes and returns the top stack slot, falling through to a
// stack-relative type once the block's own pushes are exhausted.
func (f *Frame) pop() Type {
	if n := len(f.outputStack); n > 0 {
		t := f.outputStack[n-1]
		f.outputStack = f.outputStack[:n-1]
		return t
	}
	f.popped++
	return Type{Kind: KindStack, Val: int32(f.popped)}
}

// popN discards n stack slots.
func (f *Frame) popN(n int) {
	for i := 0; i < n; i++ {
		f.pop()
	}
}

// pushDescriptor pushes the value of a field descriptor, with the padding
// slot after a wide value. Void pushes nothing.
func (f *Frame) pushDescriptor(st *classfile.SymbolTable, desc string) error {
	if desc == "V" {
		return nil
	}
	t, err := TypeFromDescriptor(st, desc)
	if err != nil {
		return err
	}
	f.push(t)
	if classfile.TypeSize(desc) == 2 {
		f.push(Top)
	}
	return nil
}

// addInitializedType records that a constructor call initialized the given
// abstract type (which may still be relative) inside this block.
func (f *Frame) addInitializedType(t Type) {
	f.initializations = append(f.initializations, t)
}

// invalidatePreviousWide handles the wide-value splitting rule: a store to
// local i destroys a long/double whose low half lives at i-1, leaving Top
// in that slot.
func (f *Frame) invalidatePreviousWide(i int) {
	if i == 0 {
		return
	}
	prev := f.getLocal(i - 1)
	if prev == Long || prev == Double {
		f.setLocal(i-1, Top)
	} else if prev.Kind == KindLocal || prev.Kind == KindStack {
		prev.TopIfWide = true
		f.setLocal(i-1, prev)
	}
}

// store implements the xSTORE family for a value of the given slot size.
func (f *Frame) store(i, size int) {
	if size == 2 {
		f.popN(1)
		t := f.pop()
		f.setLocal(i, t)
		f.setLocal(i+1, Top)
	} else {
		t := f.pop()
		f.setLocal(i, t)
	}
	f.invalidatePreviousWide(i)
}

// Execute simulates one instruction's stack and local effect into the
// block's output frame. The instruction's Offset must be valid, since NEW
// tags its uninitialized type with it.
func (f *Frame) Execute(ins insn.Instruction, st *classfile.SymbolTable) error {
	op := ins.Op
	switch {
	case op == insn.OpNop || (op >= insn.OpIneg && op <= insn.OpDneg) ||
		(op >= insn.OpI2b && op <= insn.OpI2s) ||
		op == insn.OpGoto || op == insn.OpGotoW || op == insn.OpReturn:
		// no frame effect

	case op == insn.OpAconstNull:
		f.push(Null)

	case (op >= insn.OpIconstM1 && op <= insn.OpIconst5) ||
		op == insn.OpBipush || op == insn.OpSipush:
		f.push(Integer)

	case op == insn.OpLconst0 || op == insn.OpLconst1:
		f.push(Long)
		f.push(Top)

	case op >= insn.OpFconst0 && op <= insn.OpFconst2:
		f.push(Float)

	case op == insn.OpDconst0 || op == insn.OpDconst1:
		f.push(Double)
		f.push(Top)

	case op == insn.OpLdc || op == insn.OpLdcW || op == insn.OpLdc2W:
		return f.executeLdc(ins, st)

	case op == insn.OpIload || (op >= insn.OpIload0 && op <= insn.OpIload3):
		f.push(Integer)
	case op == insn.OpLload || (op >= insn.OpLload0 && op <= insn.OpLload3):
		f.push(Long)
		f.push(Top)
	case op == insn.OpFload || (op >= insn.OpFload0 && op <= insn.OpFload3):
		f.push(Float)
	case op == insn.OpDload || (op >= insn.OpDload0 && op <= insn.OpDload3):
		f.push(Double)
		f.push(Top)
	case op == insn.OpAload:
		f.push(f.getLocal(ins.Operand))
	case op >= insn.OpAload0 && op <= insn.OpAload3:
		f.push(f.getLocal(int(op - insn.OpAload0)))

	case op == insn.OpIaload || op == insn.OpBaload ||
		op == insn.OpCaload || op == insn.OpSaload:
		f.popN(2)
		f.push(Integer)
	case op == insn.OpLaload:
		f.popN(2)
		f.push(Long)
		f.push(Top)
	case op == insn.OpFaload:
		f.popN(2)
		f.push(Float)
	case op == insn.OpDaload:
		f.popN(2)
		f.push(Double)
		f.push(Top)
	case op == insn.OpAaload:
		f.popN(1)
		t := f.pop()
		if t != Null {
			t.Dim--
		}
		f.push(t)

	case op == insn.OpIstore || op == insn.OpFstore || op == insn.OpAstore:
		f.store(ins.Operand, 1)
	case op == insn.OpLstore || op == insn.OpDstore:
		f.store(ins.Operand, 2)
	case op >= insn.OpIstore0 && op <= insn.OpIstore3:
		f.store(int(op-insn.OpIstore0), 1)
	case op >= insn.OpLstore0 && op <= insn.OpLstore3:
		f.store(int(op-insn.OpLstore0), 2)
	case op >= insn.OpFstore0 && op <= insn.OpFstore3:
		f.store(int(op-insn.OpFstore0), 1)
	case op >= insn.OpDstore0 && op <= insn.OpDstore3:
		f.store(int(op-insn.OpDstore0), 2)
	case op >= insn.OpAstore0 && op <= insn.OpAstore3:
		f.store(int(op-insn.OpAstore0), 1)

	case op == insn.OpIastore || op == insn.OpBastore || op == insn.OpCastore ||
		op == insn.OpSastore || op == insn.OpFastore || op == insn.OpAastore:
		f.popN(3)
	case op == insn.OpLastore || op == insn.OpDastore:
		f.popN(4)

	case op == insn.OpPop || op == insn.OpMonitorenter || op == insn.OpMonitorexit ||
		(op >= insn.OpIfeq && op <= insn.OpIfle) ||
		op == insn.OpIfnull || op == insn.OpIfnonnull ||
		op == insn.OpIreturn || op == insn.OpFreturn || op == insn.OpAreturn ||
		op == insn.OpTableswitch || op == insn.OpLookupswitch || op == insn.OpAthrow:
		f.popN(1)
	case op == insn.OpPop2 ||
		(op >= insn.OpIfIcmpeq && op <= insn.OpIfAcmpne) ||
		op == insn.OpLreturn || op == insn.OpDreturn:
		f.popN(2)

	case op == insn.OpDup:
		t := f.pop()
		f.push(t)
		f.push(t)
	case op == insn.OpDupX1:
		t1, t2 := f.pop(), f.pop()
		f.push(t1)
		f.push(t2)
		f.push(t1)
	case op == insn.OpDupX2:
		t1, t2, t3 := f.pop(), f.pop(), f.pop()
		f.push(t1)
		f.push(t3)
		f.push(t2)
		f.push(t1)
	case op == insn.OpDup2:
		t1, t2 := f.pop(), f.pop()
		f.push(t2)
		f.push(t1)
		f.push(t2)
		f.push(t1)
	case op == insn.OpDup2X1:
		t1, t2, t3 := f.pop(), f.pop(), f.pop()
		f.push(t2)
		f.push(t1)
		f.push(t3)
		f.push(t2)
		f.push(t1)
	case op == insn.OpDup2X2:
		t1, t2, t3, t4 := f.pop(), f.pop(), f.pop(), f.pop()
		f.push(t2)
		f.push(t1)
		f.push(t4)
		f.push(t3)
		f.push(t2)
		f.push(t1)
	case op == insn.OpSwap:
		t1, t2 := f.pop(), f.pop()
		f.push(t1)
		f.push(t2)

	case op == insn.OpIadd || op == insn.OpIsub || op == insn.OpImul ||
		op == insn.OpIdiv || op == insn.OpIrem ||
		op == insn.OpIshl || op == insn.OpIshr || op == insn.OpIushr ||
		op == insn.OpIand || op == insn.OpIor || op == insn.OpIxor ||
		op == insn.OpFcmpl || op == insn.OpFcmpg:
		f.popN(2)
		f.push(Integer)
	case op == insn.OpLadd || op == insn.OpLsub || op == insn.OpLmul ||
		op == insn.OpLdiv || op == insn.OpLrem ||
		op == insn.OpLand || op == insn.OpLor || op == insn.OpLxor:
		f.popN(4)
		f.push(Long)
		f.push(Top)
	case op == insn.OpLshl || op == insn.OpLshr || op == insn.OpLushr:
		f.popN(3)
		f.push(Long)
		f.push(Top)
	case op == insn.OpFadd || op == insn.OpFsub || op == insn.OpFmul ||
		op == insn.OpFdiv || op == insn.OpFrem:
		f.popN(2)
		f.push(Float)
	case op == insn.OpDadd || op == insn.OpDsub || op == insn.OpDmul ||
		op == insn.OpDdiv || op == insn.OpDrem:
		f.popN(4)
		f.push(Double)
		f.push(Top)
	case op == insn.OpIinc:
		f.setLocal(ins.Operand, Integer)

	case op == insn.OpI2l || op == insn.OpF2l:
		f.popN(1)
		f.push(Long)
		f.push(Top)
	case op == insn.OpI2f:
		f.popN(1)
		f.push(Float)
	case op == insn.OpI2d || op == insn.OpF2d:
		f.popN(1)
		f.push(Double)
		f.push(Top)
	case op == insn.OpL2i || op == insn.OpD2i:
		f.popN(2)
		f.push(Integer)
	case op == insn.OpL2f || op == insn.OpD2f:
		f.popN(2)
		f.push(Float)
	case op == insn.OpL2d:
		f.popN(2)
		f.push(Double)
		f.push(Top)
	case op == insn.OpD2l:
		f.popN(2)
		f.push(Long)
		f.push(Top)
	case op == insn.OpF2i || op == insn.OpArraylength || op == insn.OpInstanceof:
		f.popN(1)
		f.push(Integer)
	case op == insn.OpLcmp || op == insn.OpDcmpl || op == insn.OpDcmpg:
		f.popN(4)
		f.push(Integer)

	case op == insn.OpGetstatic:
		return f.pushDescriptor(st, ins.Desc)
	case op == insn.OpPutstatic:
		f.popN(classfile.TypeSize(ins.Desc))
	case op == insn.OpGetfield:
		f.popN(1)
		return f.pushDescriptor(st, ins.Desc)
	case op == insn.OpPutfield:
		f.popN(classfile.TypeSize(ins.Desc) + 1)

	case op == insn.OpInvokevirtual || op == insn.OpInvokespecial ||
		op == insn.OpInvokestatic || op == insn.OpInvokeinterface:
		_, ret, err := classfile.SplitMethodDescriptor(ins.Desc)
		if err != nil {
			return err
		}
		argSlots, _, err := classfile.ArgumentsAndReturnSizes(ins.Desc)
		if err != nil {
			return err
		}
		f.popN(argSlots)
		if op != insn.OpInvokestatic {
			receiver := f.pop()
			if op == insn.OpInvokespecial && ins.Member == "<init>" {
				f.addInitializedType(receiver)
			}
		}
		return f.pushDescriptor(st, ret)

	case op == insn.OpInvokedynamic:
		argSlots, _, err := classfile.ArgumentsAndReturnSizes(ins.Desc)
		if err != nil {
			return err
		}
		_, ret, err := classfile.SplitMethodDescriptor(ins.Desc)
		if err != nil {
			return err
		}
		f.popN(argSlots)
		return f.pushDescriptor(st, ret)

	case op == insn.OpNew:
		f.push(Uninitialized(st.AddUninitializedType(ins.Type, ins.Offset)))

	case op == insn.OpNewarray:
		f.popN(1)
		var elem Type
		switch ins.Operand {
		case insn.ArrayBoolean:
			elem = Boolean
		case insn.ArrayChar:
			elem = Char
		case insn.ArrayFloat:
			elem = Float
		case insn.ArrayDouble:
			elem = Double
		case insn.ArrayByte:
			elem = Byte
		case insn.ArrayShort:
			elem = Short
		case insn.ArrayInt:
			elem = Integer
		case insn.ArrayLong:
			elem = Long
		default:
			return fmt.Errorf("%w: bad newarray type code %d", ErrInternal, ins.Operand)
		}
		elem.Dim = 1
		f.push(elem)

	case op == insn.OpAnewarray:
		f.popN(1)
		var desc string
		if len(ins.Type) > 0 && ins.Type[0] == '[' {
			desc = "[" + ins.Type
		} else {
			desc = "[L" + ins.Type + ";"
		}
		return f.pushDescriptor(st, desc)

	case op == insn.OpCheckcast:
		f.popN(1)
		t, err := TypeFromInternalName(st, ins.Type)
		if err != nil {
			return err
		}
		f.push(t)

	case op == insn.OpMultianewarray:
		f.popN(ins.Operand)
		return f.pushDescriptor(st, ins.Type)

	default:
		return fmt.Errorf("%w: cannot simulate %s at offset %d", ErrInternal, op, ins.Offset)
	}
	return nil
}

// executeLdc simulates the ldc family based on the constant operand's type.
func (f *Frame) executeLdc(ins insn.Instruction, st *classfile.SymbolTable) error {
	switch c := ins.Const.(type) {
	case int, int8, int16, int32, bool:
		f.push(Integer)
	case int64:
		f.push(Long)
		f.push(Top)
	case float32:
		f.push(Float)
	case float64:
		f.push(Double)
		f.push(Top)
	case string:
		f.push(Reference(st.AddType("java/lang/String")))
	case insn.ClassConst:
		f.push(Reference(st.AddType("java/lang/Class")))
	case insn.MethodTypeConst:
		f.push(Reference(st.AddType("java/lang/invoke/MethodType")))
	case insn.HandleConst:
		f.push(Reference(st.AddType("java/lang/invoke/MethodHandle")))
	case insn.DynamicConst:
		return f.pushDescriptor(st, c.Desc)
	default:
		return fmt.Errorf("%w: bad ldc operand %T at offset %d", ErrInternal, ins.Const, ins.Offset)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

// resolve turns a possibly-relative abstract type into an absolute one by
// substituting this frame's input.
func (f *Frame) resolve(t Type) Type {
	var base Type
	switch t.Kind {
	case KindLocal:
		base = f.inputLocals[t.Val]
	case KindStack:
		base = f.inputStack[len(f.inputStack)-int(t.Val)]
	default:
		return t
	}
	if base == Null {
		return Null
	}
	base.Dim += t.Dim
	if t.TopIfWide && (base == Long || base == Double) {
		return Top
	}
	return base
}

// initialize rewrites an uninitialized type to its initialized class if a
// constructor call in this block initialized it.
func (f *Frame) initialize(st *classfile.SymbolTable, t Type) Type {
	if len(f.initializations) == 0 {
		return t
	}
	var initialized Type
	switch {
	case t == UninitializedThis:
		initialized = Reference(st.AddType(st.ClassName()))
	case t.Kind == KindUninitialized || t.Kind == KindForwardUninitialized:
		sym := st.Symbol(int(t.Val))
		if sym == nil {
			return t
		}
		initialized = Reference(st.AddType(sym.Value))
	default:
		return t
	}
	for _, recorded := range f.initializations {
		if f.resolve(recorded) == t {
			return initialized
		}
	}
	return t
}

// concreteLocal returns the absolute type of local i at block exit.
func (f *Frame) concreteLocal(st *classfile.SymbolTable, i int) Type {
	if i < len(f.outputLocals) && !f.outputLocals[i].IsUnset() {
		return f.initialize(st, f.resolve(f.outputLocals[i]))
	}
	return f.initialize(st, f.inputLocals[i])
}

// Merge merges this frame's resolved output into the destination frame's
// input, along a normal control-flow edge (catchType unset) or an exception
// edge (catchType set, in which case the destination stack is the single
// caught exception and the locals are this block's input, which is valid at
// every throwing instruction because blocks are split after local stores).
// It reports whether the destination changed.
func (f *Frame) Merge(st *classfile.SymbolTable, dst *Frame, catchType Type) (bool, error) {
	changed := false
	numLocal := len(f.inputLocals)
	if dst.inputLocals == nil {
		dst.inputLocals = make([]Type, numLocal)
		changed = true
	} else if len(dst.inputLocals) != numLocal {
		return false, fmt.Errorf("%w: inconsistent local counts %d and %d between blocks %d and %d",
			ErrInternal, numLocal, len(dst.inputLocals), f.owner, dst.owner)
	}

	if !catchType.IsUnset() {
		for i := 0; i < numLocal; i++ {
			changed = mergeSlot(st, f.inputLocals[i], dst.inputLocals, i) || changed
		}
		if dst.inputStack == nil {
			dst.inputStack = make([]Type, 1)
			changed = true
		} else if len(dst.inputStack) != 1 {
			return false, fmt.Errorf("%w: exception handler block %d entered with stack depth %d",
				ErrInternal, dst.owner, len(dst.inputStack))
		}
		changed = mergeSlot(st, catchType, dst.inputStack, 0) || changed
		return changed, nil
	}

	// Underflow check before any relative type is resolved: a stack-relative
	// output local would otherwise index below the input stack.
	numInputStack := len(f.inputStack) - f.popped
	if numInputStack < 0 {
		return false, fmt.Errorf("%w: block %d pops %d slots from a stack of %d",
			ErrInternal, f.owner, f.popped, len(f.inputStack))
	}

	for i := 0; i < numLocal; i++ {
		changed = mergeSlot(st, f.concreteLocal(st, i), dst.inputLocals, i) || changed
	}

	stackSize := numInputStack + len(f.outputStack)
	if dst.inputStack == nil {
		dst.inputStack = make([]Type, stackSize)
		changed = true
	} else if len(dst.inputStack) != stackSize {
		return false, fmt.Errorf("%w: inconsistent stack depths %d and %d between blocks %d and %d",
			ErrInternal, stackSize, len(dst.inputStack), f.owner, dst.owner)
	}
	for i := 0; i < numInputStack; i++ {
		changed = mergeSlot(st, f.initialize(st, f.inputStack[i]), dst.inputStack, i) || changed
	}
	for i, t := range f.outputStack {
		concrete := f.initialize(st, f.resolve(t))
		changed = mergeSlot(st, concrete, dst.inputStack, numInputStack+i) || changed
	}
	return changed, nil
}

// mergeSlot merges sourceType into dst[i], computing the most specific type
// that safely generalizes both, and reports whether dst[i] changed. Rules
// apply in order: identity, null absorption, first assignment, reference
// and array joins with the root-object fallback, then Top.
func mergeSlot(st *classfile.SymbolTable, sourceType Type, dst []Type, i int) bool {
	dstType := dst[i]
	if dstType == sourceType {
		return false
	}
	src := sourceType
	if src == Null && dstType == Null {
		return false
	}
	if dstType.IsUnset() {
		dst[i] = src
		return true
	}

	var merged Type
	switch {
	case dstType.isReferenceLike():
		switch {
		case src == Null:
			return false
		case src.Dim == dstType.Dim && src.Kind == dstType.Kind:
			if dstType.Kind == KindReference {
				merged = Type{
					Kind: KindReference,
					Dim:  dstType.Dim,
					Val:  int32(st.AddMergedType(int(src.Val), int(dstType.Val))),
				}
			} else {
				// Arrays of equal dimension but different primitive
				// elements join as a one-dimension-lower object array.
				merged = Type{
					Kind: KindReference,
					Dim:  dstType.Dim - 1,
					Val:  int32(st.AddType(classfile.ObjectClass)),
				}
			}
		case src.isReferenceLike():
			srcDim := src.Dim
			if srcDim != 0 && src.Kind != KindReference {
				srcDim--
			}
			dstDim := dstType.Dim
			if dstDim != 0 && dstType.Kind != KindReference {
				dstDim--
			}
			minDim := srcDim
			if dstDim < minDim {
				minDim = dstDim
			}
			merged = Type{
				Kind: KindReference,
				Dim:  minDim,
				Val:  int32(st.AddType(classfile.ObjectClass)),
			}
		default:
			merged = Top
		}
	case dstType == Null:
		if src.isReferenceLike() {
			merged = src
		} else {
			merged = Top
		}
	default:
		merged = Top
	}

	if merged != dstType {
		dst[i] = merged
		return true
	}
	return false
}
