package insn

import (
	"testing"
)

func TestOpcodeNames(t *testing.T) {
	tests := []struct {
		op   Opcode
		name string
	}{
		{OpNop, "nop"},
		{OpAconstNull, "aconst_null"},
		{OpIload0, "iload_0"},
		{OpTableswitch, "tableswitch"},
		{OpInvokedynamic, "invokedynamic"},
		{OpJsrW, "jsr_w"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.name {
			t.Errorf("Opcode(%d).String() = %q, want %q", tt.op, got, tt.name)
		}
		back, ok := OpcodeByName(tt.name)
		if !ok || back != tt.op {
			t.Errorf("OpcodeByName(%q) = (%d, %v), want (%d, true)", tt.name, back, ok, tt.op)
		}
	}
	if _, ok := OpcodeByName("frobnicate"); ok {
		t.Error("OpcodeByName accepted an unknown mnemonic")
	}
}

func TestOpcodePredicates(t *testing.T) {
	for _, op := range []Opcode{OpIfeq, OpIfIcmpne, OpIfAcmpeq, OpIfnull, OpIfnonnull} {
		if !op.IsConditionalBranch() {
			t.Errorf("%s should be a conditional branch", op)
		}
		if op.IsTerminator() {
			t.Errorf("%s should not be a terminator", op)
		}
	}
	for _, op := range []Opcode{OpGoto, OpGotoW, OpTableswitch, OpLookupswitch, OpAthrow, OpReturn, OpIreturn} {
		if !op.IsTerminator() {
			t.Errorf("%s should be a terminator", op)
		}
	}
	for _, op := range []Opcode{OpIstore, OpAstore, OpLstore3, OpDstore0} {
		if !op.IsStore() {
			t.Errorf("%s should be a store", op)
		}
	}
	if OpIinc.IsStore() {
		t.Error("iinc does not change a local's type and must not count as a store")
	}
}

func TestComputeOffsets(t *testing.T) {
	m := NewMethodCode("com/example/Foo", 0, "f", "()V")
	target := m.NewLabel()
	m.Emit(Instruction{Op: OpIconst0})              // offset 0, width 1
	m.Emit(Instruction{Op: OpIstore, Operand: 300}) // offset 1, wide form, width 4
	m.Emit(Instruction{Op: OpGoto, Target: target}) // offset 5, width 3
	m.Bind(target)
	m.Emit(Instruction{Op: OpReturn}) // offset 8

	if err := m.ComputeOffsets(); err != nil {
		t.Fatalf("ComputeOffsets failed: %v", err)
	}
	wantOffsets := []int{0, 1, 5, 8}
	for i, want := range wantOffsets {
		if got := m.Instructions[i].Offset; got != want {
			t.Errorf("instruction %d offset = %d, want %d", i, got, want)
		}
	}
	if off, ok := target.BytecodeOffset(); !ok || off != 8 {
		t.Errorf("label offset = (%d, %v), want (8, true)", off, ok)
	}
	if got := m.CodeSize(); got != 9 {
		t.Errorf("CodeSize = %d, want 9", got)
	}
}

func TestComputeOffsetsSwitchPadding(t *testing.T) {
	m := NewMethodCode("com/example/Foo", 0, "f", "(I)V")
	dflt := m.NewLabel()
	t0 := m.NewLabel()
	m.Emit(Instruction{Op: OpIload0}) // offset 0, width 1
	// tableswitch at offset 1: 1 opcode byte + 2 padding + 12 header + 4 per target
	m.Emit(Instruction{Op: OpTableswitch, Default: dflt, Targets: []*Label{t0}})
	m.Bind(dflt)
	m.Bind(t0)
	m.Emit(Instruction{Op: OpReturn})

	if err := m.ComputeOffsets(); err != nil {
		t.Fatalf("ComputeOffsets failed: %v", err)
	}
	if got := m.Instructions[2].Offset; got != 20 {
		t.Errorf("instruction after tableswitch at offset %d, want 20", got)
	}
}

func TestUnboundLabelStaysUnresolved(t *testing.T) {
	m := NewMethodCode("com/example/Foo", 0, "f", "()V")
	never := m.NewLabel()
	m.Emit(Instruction{Op: OpReturn})
	if err := m.ComputeOffsets(); err != nil {
		t.Fatalf("ComputeOffsets failed: %v", err)
	}
	if _, ok := never.BytecodeOffset(); ok {
		t.Error("never-bound label reports a resolved offset")
	}
}
