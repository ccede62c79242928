package insn

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// Label marks a position in an instruction sequence. It is created
// unbound, attached to a position with MethodCode.Bind, and gets its
// bytecode offset when MethodCode.ComputeOffsets runs.
type Label struct {
	index  int // instruction index the label precedes
	offset int // bytecode offset, valid once bound is true
	bound  bool
}

// Index returns the instruction index the label precedes. Only meaningful
// after the label was bound with MethodCode.Bind.
func (l *Label) Index() int {
	return l.index
}

// BytecodeOffset returns the resolved bytecode offset, or false if offsets
// have not been computed yet. This satisfies classfile.OffsetResolver.
func (l *Label) BytecodeOffset() (int, bool) {
	return l.offset, l.bound
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Constant operand types for LDC-family instructions. Plain int32, int64,
// float32, float64 and string values are carried as themselves.

// ClassConst is an ldc of a class literal (internal name or array
// descriptor).
type ClassConst struct {
	Name string
}

// MethodTypeConst is an ldc of a method type literal.
type MethodTypeConst struct {
	Desc string
}

// HandleConst is an ldc of a method handle literal.
type HandleConst struct {
	Kind  int
	Owner string
	Name  string
	Desc  string
}

// DynamicConst is an ldc of a dynamically-computed constant; only the
// descriptor matters for type analysis.
type DynamicConst struct {
	Name string
	Desc string
}

// Instruction is one abstract JVM instruction with typed operands. Which
// fields are meaningful depends on the opcode; unused fields stay zero.
type Instruction struct {
	Op     Opcode
	Offset int // bytecode offset, assigned by ComputeOffsets

	Operand int    // local index, bipush/sipush value, newarray code, or multianewarray dims
	Type    string // class operand: new/anewarray/checkcast/instanceof/multianewarray
	Owner   string // field/method owner internal name
	Member  string // field/method name
	Desc    string // field/method descriptor
	Const   any    // ldc operand

	Target  *Label   // branch target
	Targets []*Label // switch targets
	Default *Label   // switch default target
	Keys    []int32  // lookupswitch keys (tableswitch uses Operand as low key)
}

// width returns the encoded size in bytes of the instruction at the given
// bytecode offset. Switch instructions pad to 4-byte alignment, so their
// width depends on the offset.
func (ins *Instruction) width(offset int) int {
	switch ins.Op {
	case OpBipush, OpLdc, OpNewarray:
		return 2
	case OpSipush, OpLdcW, OpLdc2W,
		OpGetstatic, OpPutstatic, OpGetfield, OpPutfield,
		OpInvokevirtual, OpInvokespecial, OpInvokestatic,
		OpNew, OpAnewarray, OpCheckcast, OpInstanceof:
		return 3
	case OpIload, OpLload, OpFload, OpDload, OpAload,
		OpIstore, OpLstore, OpFstore, OpDstore, OpAstore, OpRet:
		if ins.Operand > 0xFF {
			return 4 // wide form
		}
		return 2
	case OpIinc:
		if ins.Operand > 0xFF {
			return 6 // wide form
		}
		return 3
	case OpMultianewarray:
		return 4
	case OpInvokeinterface, OpInvokedynamic, OpGotoW, OpJsrW:
		return 5
	case OpGoto, OpJsr:
		return 3
	case OpTableswitch:
		pad := (4 - (offset+1)%4) % 4
		return 1 + pad + 12 + 4*len(ins.Targets)
	case OpLookupswitch:
		pad := (4 - (offset+1)%4) % 4
		return 1 + pad + 8 + 8*len(ins.Targets)
	default:
		if ins.Op.IsConditionalBranch() {
			return 3
		}
		return 1
	}
}

// ---------------------------------------------------------------------------
// Method code
// ---------------------------------------------------------------------------

// ErrUnboundHandlerLabel reports an exception handler referencing a label
// that was never bound.
var ErrUnboundHandlerLabel = errors.New("exception handler label not bound")

// Handler is one exception table entry. The protected range is
// [Start, End); Type is the caught exception's internal name, or "" for a
// catch-all.
type Handler struct {
	Start *Label
	End   *Label
	Catch *Label
	Type  string
}

// MethodCode is the instruction-level view of one method body: the ordered
// instruction sequence, the exception table and the method's identity. It
// is what the frame analysis consumes.
type MethodCode struct {
	ClassName string // internal name of the declaring class
	Access    uint32 // method access flags
	Name      string
	Desc      string

	Instructions []Instruction
	Handlers     []Handler

	labels []*Label
}

// NewMethodCode creates an empty method body for the given method.
func NewMethodCode(className string, access uint32, name, desc string) *MethodCode {
	return &MethodCode{
		ClassName: className,
		Access:    access,
		Name:      name,
		Desc:      desc,
	}
}

// NewLabel creates a fresh unbound label owned by this method.
func (m *MethodCode) NewLabel() *Label {
	l := &Label{index: -1}
	m.labels = append(m.labels, l)
	return l
}

// Bind attaches the label to the current end of the instruction sequence,
// so it marks the next emitted instruction.
func (m *MethodCode) Bind(l *Label) {
	l.index = len(m.Instructions)
}

// Emit appends an instruction.
func (m *MethodCode) Emit(ins Instruction) {
	m.Instructions = append(m.Instructions, ins)
}

// ComputeOffsets assigns a bytecode offset to every instruction and
// resolves every label to its offset. It must run before the frame
// analysis, which needs offsets for uninitialized types and for the
// emitted frame table.
func (m *MethodCode) ComputeOffsets() error {
	offset := 0
	offsets := make([]int, len(m.Instructions)+1)
	for i := range m.Instructions {
		offsets[i] = offset
		m.Instructions[i].Offset = offset
		offset += m.Instructions[i].width(offset)
	}
	offsets[len(m.Instructions)] = offset
	for _, l := range m.labels {
		if l.index < 0 {
			continue // never bound; stays unresolved
		}
		if l.index > len(m.Instructions) {
			return fmt.Errorf("label index %d out of range (%d instructions)", l.index, len(m.Instructions))
		}
		l.offset = offsets[l.index]
		l.bound = true
	}
	return nil
}

// CodeSize returns the total encoded size of the instruction sequence.
// Valid after ComputeOffsets.
func (m *MethodCode) CodeSize() int {
	if len(m.Instructions) == 0 {
		return 0
	}
	last := &m.Instructions[len(m.Instructions)-1]
	return last.Offset + last.width(last.Offset)
}
