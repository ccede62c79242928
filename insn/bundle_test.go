package insn

import (
	"testing"
)

func testBundleMethod() BundleMethod {
	return BundleMethod{
		Class:  "com/example/Abs",
		Access: 0x0008, // static
		Name:   "abs",
		Desc:   "(I)I",
		Insns: []BundleInstruction{
			{Op: "iload_0"},
			{Op: "ifge", Target: 4},
			{Op: "iload_0"},
			{Op: "ineg"},
			{Op: "iload_0"},
			{Op: "ireturn"},
		},
	}
}

func TestBundleRoundTrip(t *testing.T) {
	b := &Bundle{Methods: []BundleMethod{testBundleMethod()}}
	data, err := MarshalBundle(b)
	if err != nil {
		t.Fatalf("MarshalBundle failed: %v", err)
	}
	back, err := UnmarshalBundle(data)
	if err != nil {
		t.Fatalf("UnmarshalBundle failed: %v", err)
	}
	if len(back.Methods) != 1 {
		t.Fatalf("round trip lost methods: got %d, want 1", len(back.Methods))
	}
	bm := back.Methods[0]
	if bm.Class != "com/example/Abs" || bm.Name != "abs" || bm.Desc != "(I)I" {
		t.Errorf("method identity = %s.%s%s", bm.Class, bm.Name, bm.Desc)
	}
	if len(bm.Insns) != 6 {
		t.Errorf("instruction count = %d, want 6", len(bm.Insns))
	}
	if bm.Insns[1].Op != "ifge" || bm.Insns[1].Target != 4 {
		t.Errorf("branch = %+v, want ifge -> 4", bm.Insns[1])
	}
}

func TestBundleMethodCode(t *testing.T) {
	bm := testBundleMethod()
	m, err := bm.MethodCode()
	if err != nil {
		t.Fatalf("MethodCode failed: %v", err)
	}
	if err := m.ComputeOffsets(); err != nil {
		t.Fatalf("ComputeOffsets failed: %v", err)
	}
	if len(m.Instructions) != 6 {
		t.Fatalf("instruction count = %d, want 6", len(m.Instructions))
	}
	br := m.Instructions[1]
	if br.Op != OpIfge {
		t.Errorf("instruction 1 = %s, want ifge", br.Op)
	}
	if br.Target == nil || br.Target.Index() != 4 {
		t.Fatalf("branch target index = %v, want 4", br.Target)
	}
	// Instruction 4 is the second iload_0 at offset 0+1+3+1+1 = 6.
	if off, ok := br.Target.BytecodeOffset(); !ok || off != 6 {
		t.Errorf("branch target offset = (%d, %v), want (6, true)", off, ok)
	}
}

func TestBundleMethodCodeHandlers(t *testing.T) {
	bm := BundleMethod{
		Class:  "com/example/Try",
		Access: 0x0008,
		Name:   "f",
		Desc:   "()V",
		Insns: []BundleInstruction{
			{Op: "iconst_0"},
			{Op: "istore_0"},
			{Op: "return"},
			{Op: "astore_1"},
			{Op: "return"},
		},
		Handlers: []BundleHandler{
			{Start: 0, End: 2, Catch: 3, Type: "java/lang/Exception"},
		},
	}
	m, err := bm.MethodCode()
	if err != nil {
		t.Fatalf("MethodCode failed: %v", err)
	}
	if len(m.Handlers) != 1 {
		t.Fatalf("handler count = %d, want 1", len(m.Handlers))
	}
	h := m.Handlers[0]
	if h.Start.Index() != 0 || h.End.Index() != 2 || h.Catch.Index() != 3 {
		t.Errorf("handler indices = (%d, %d, %d), want (0, 2, 3)",
			h.Start.Index(), h.End.Index(), h.Catch.Index())
	}
	if h.Type != "java/lang/Exception" {
		t.Errorf("handler type = %q", h.Type)
	}
}

func TestBundleMethodCodeErrors(t *testing.T) {
	bad := BundleMethod{
		Class: "com/example/Bad", Name: "f", Desc: "()V",
		Insns: []BundleInstruction{{Op: "frobnicate"}},
	}
	if _, err := bad.MethodCode(); err == nil {
		t.Error("unknown mnemonic accepted")
	}

	outOfRange := BundleMethod{
		Class: "com/example/Bad", Name: "f", Desc: "()V",
		Insns: []BundleInstruction{{Op: "goto", Target: 7}, {Op: "return"}},
	}
	if _, err := outOfRange.MethodCode(); err == nil {
		t.Error("out-of-range branch target accepted")
	}
}

func TestBundleConstKinds(t *testing.T) {
	tests := []struct {
		c    BundleConst
		want any
	}{
		{BundleConst{Kind: "int", Int: 7}, int32(7)},
		{BundleConst{Kind: "long", Int: 1 << 40}, int64(1 << 40)},
		{BundleConst{Kind: "float", Float: 1.5}, float32(1.5)},
		{BundleConst{Kind: "double", Float: 2.5}, float64(2.5)},
		{BundleConst{Kind: "string", Str: "hi"}, "hi"},
		{BundleConst{Kind: "class", Class: "java/lang/Thread"}, ClassConst{Name: "java/lang/Thread"}},
	}
	for _, tt := range tests {
		got, err := tt.c.value()
		if err != nil {
			t.Errorf("value(%+v) failed: %v", tt.c, err)
			continue
		}
		if got != tt.want {
			t.Errorf("value(%+v) = %v (%T), want %v (%T)", tt.c, got, got, tt.want, tt.want)
		}
	}
	if _, err := (&BundleConst{Kind: "color"}).value(); err == nil {
		t.Error("unknown constant kind accepted")
	}
}
