package analysis

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/katori/classkit/classfile"
	"github.com/katori/classkit/insn"
)

func TestComputeFramesStraightLine(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Math")
	m := insn.NewMethodCode("com/example/Math", classfile.AccStatic, "add", "(II)I")
	m.Emit(insn.Instruction{Op: insn.OpIload0})
	m.Emit(insn.Instruction{Op: insn.OpIload1})
	m.Emit(insn.Instruction{Op: insn.OpIadd})
	m.Emit(insn.Instruction{Op: insn.OpIreturn})

	res, err := ComputeFrames(st, m)
	if err != nil {
		t.Fatalf("ComputeFrames failed: %v", err)
	}
	if len(res.Frames) != 1 {
		t.Fatalf("frame count = %d, want 1", len(res.Frames))
	}
	if res.MaxStack != 2 {
		t.Errorf("MaxStack = %d, want 2", res.MaxStack)
	}
	if res.MaxLocals != 2 {
		t.Errorf("MaxLocals = %d, want 2", res.MaxLocals)
	}
	entry := res.Frames[0]
	if entry.Offset != 0 {
		t.Errorf("entry frame offset = %d, want 0", entry.Offset)
	}
	if diff := cmp.Diff([]Type{Integer, Integer}, entry.Locals); diff != "" {
		t.Errorf("entry locals mismatch (-want +got):\n%s", diff)
	}
	if len(entry.Stack) != 0 {
		t.Errorf("entry stack = %v, want empty", entry.Stack)
	}
}

// A branch pushing a string on one arm and null on the other must merge to
// the string type at the join.
func TestComputeFramesDiamondMerge(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Pick")
	m := insn.NewMethodCode("com/example/Pick", classfile.AccStatic, "pick", "(Z)Ljava/lang/String;")
	onFalse := m.NewLabel()
	join := m.NewLabel()
	m.Emit(insn.Instruction{Op: insn.OpIload0})                // 0: offset 0
	m.Emit(insn.Instruction{Op: insn.OpIfeq, Target: onFalse}) // 1: offset 1
	m.Emit(insn.Instruction{Op: insn.OpLdc, Const: "a"})       // 2: offset 4
	m.Emit(insn.Instruction{Op: insn.OpGoto, Target: join})    // 3: offset 6
	m.Bind(onFalse)
	m.Emit(insn.Instruction{Op: insn.OpAconstNull}) // 4: offset 9
	m.Bind(join)
	m.Emit(insn.Instruction{Op: insn.OpAreturn}) // 5: offset 10

	res, err := ComputeFrames(st, m)
	if err != nil {
		t.Fatalf("ComputeFrames failed: %v", err)
	}
	wantOffsets := []int{0, 4, 9, 10}
	if len(res.Frames) != len(wantOffsets) {
		t.Fatalf("frame count = %d, want %d", len(res.Frames), len(wantOffsets))
	}
	for i, want := range wantOffsets {
		if res.Frames[i].Offset != want {
			t.Errorf("frame %d offset = %d, want %d", i, res.Frames[i].Offset, want)
		}
	}
	// Only the branch targets need stack map entries; the fall-through
	// block at offset 4 does not.
	wantRequired := []bool{true, false, true, true}
	for i, want := range wantRequired {
		if res.Frames[i].Required != want {
			t.Errorf("frame at %d required = %v, want %v", res.Frames[i].Offset, res.Frames[i].Required, want)
		}
	}

	joinFrame := res.Frames[3]
	str := Reference(st.AddType("java/lang/String"))
	if diff := cmp.Diff([]Type{str}, joinFrame.Stack); diff != "" {
		t.Errorf("join stack mismatch (-want +got):\n%s", diff)
	}
	if res.MaxStack != 1 {
		t.Errorf("MaxStack = %d, want 1", res.MaxStack)
	}
}

// A handler's frame carries the block's input locals and a one-slot stack
// holding the caught exception.
func TestComputeFramesExceptionHandler(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Try")
	m := insn.NewMethodCode("com/example/Try", classfile.AccStatic, "f", "()V")
	start := m.NewLabel()
	end := m.NewLabel()
	catch := m.NewLabel()
	m.Bind(start)
	m.Emit(insn.Instruction{Op: insn.OpIconst0}) // 0: offset 0
	m.Emit(insn.Instruction{Op: insn.OpIstore0}) // 1: offset 1
	m.Bind(end)
	m.Emit(insn.Instruction{Op: insn.OpReturn}) // 2: offset 2
	m.Bind(catch)
	m.Emit(insn.Instruction{Op: insn.OpAstore1}) // 3: offset 3
	m.Emit(insn.Instruction{Op: insn.OpReturn})  // 4: offset 4
	m.Handlers = append(m.Handlers, insn.Handler{Start: start, End: end, Catch: catch, Type: "java/lang/Exception"})

	res, err := ComputeFrames(st, m)
	if err != nil {
		t.Fatalf("ComputeFrames failed: %v", err)
	}
	if res.MaxLocals != 2 {
		t.Errorf("MaxLocals = %d, want 2", res.MaxLocals)
	}

	var handlerFrame *ComputedFrame
	for i := range res.Frames {
		if res.Frames[i].Offset == 3 {
			handlerFrame = &res.Frames[i]
		}
	}
	if handlerFrame == nil {
		t.Fatalf("no frame at handler offset 3; frames: %+v", res.Frames)
	}
	exception := Reference(st.AddType("java/lang/Exception"))
	if diff := cmp.Diff([]Type{exception}, handlerFrame.Stack); diff != "" {
		t.Errorf("handler stack mismatch (-want +got):\n%s", diff)
	}
	// The protected block's input locals, untouched by its own store.
	if diff := cmp.Diff([]Type{Top, Top}, handlerFrame.Locals); diff != "" {
		t.Errorf("handler locals mismatch (-want +got):\n%s", diff)
	}
	if !handlerFrame.Required {
		t.Error("handler frame must require a stack map entry")
	}
	// The blocks split after the stores exist only for analysis precision.
	for _, fr := range res.Frames {
		if fr.Offset != 3 && fr.Offset != 0 && fr.Required {
			t.Errorf("split-only frame at %d marked as requiring an entry", fr.Offset)
		}
	}
}

// Storing an int into the second slot of a long destroys the long: the
// first slot degrades to top.
func TestComputeFramesWideInvalidation(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Wide")
	m := insn.NewMethodCode("com/example/Wide", classfile.AccStatic, "f", "(J)V")
	join := m.NewLabel()
	m.Emit(insn.Instruction{Op: insn.OpIconst0})            // 0: offset 0
	m.Emit(insn.Instruction{Op: insn.OpIstore1})            // 1: offset 1
	m.Emit(insn.Instruction{Op: insn.OpGoto, Target: join}) // 2: offset 2
	m.Bind(join)
	m.Emit(insn.Instruction{Op: insn.OpReturn}) // 3: offset 5

	res, err := ComputeFrames(st, m)
	if err != nil {
		t.Fatalf("ComputeFrames failed: %v", err)
	}
	if len(res.Frames) != 2 {
		t.Fatalf("frame count = %d, want 2", len(res.Frames))
	}
	if diff := cmp.Diff([]Type{Long, Top}, res.Frames[0].Locals); diff != "" {
		t.Errorf("entry locals mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Type{Top, Integer}, res.Frames[1].Locals); diff != "" {
		t.Errorf("post-store locals mismatch (-want +got):\n%s", diff)
	}
}

// Overwriting a long's first slot with an int must leave the second slot
// as top, not stale wide-value padding.
func TestComputeFramesWideOverwrite(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Wide")
	m := insn.NewMethodCode("com/example/Wide", classfile.AccStatic, "f", "(J)V")
	join := m.NewLabel()
	m.Emit(insn.Instruction{Op: insn.OpIconst0})
	m.Emit(insn.Instruction{Op: insn.OpIstore0})
	m.Emit(insn.Instruction{Op: insn.OpGoto, Target: join})
	m.Bind(join)
	m.Emit(insn.Instruction{Op: insn.OpReturn})

	res, err := ComputeFrames(st, m)
	if err != nil {
		t.Fatalf("ComputeFrames failed: %v", err)
	}
	if diff := cmp.Diff([]Type{Integer, Top}, res.Frames[1].Locals); diff != "" {
		t.Errorf("post-overwrite locals mismatch (-want +got):\n%s", diff)
	}
}

// After the super constructor call, uninitializedThis becomes the class
// type in every frame downstream.
func TestComputeFramesConstructorInitialization(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Point")
	m := insn.NewMethodCode("com/example/Point", 0, "<init>", "()V")
	tail := m.NewLabel()
	m.Emit(insn.Instruction{Op: insn.OpAload0}) // 0: offset 0
	m.Emit(insn.Instruction{Op: insn.OpInvokespecial,
		Owner: "java/lang/Object", Member: "<init>", Desc: "()V"}) // 1: offset 1
	m.Emit(insn.Instruction{Op: insn.OpGoto, Target: tail}) // 2: offset 4
	m.Bind(tail)
	m.Emit(insn.Instruction{Op: insn.OpReturn}) // 3: offset 7

	res, err := ComputeFrames(st, m)
	if err != nil {
		t.Fatalf("ComputeFrames failed: %v", err)
	}
	if len(res.Frames) != 2 {
		t.Fatalf("frame count = %d, want 2", len(res.Frames))
	}
	if diff := cmp.Diff([]Type{UninitializedThis}, res.Frames[0].Locals); diff != "" {
		t.Errorf("entry locals mismatch (-want +got):\n%s", diff)
	}
	this := Reference(st.AddType("com/example/Point"))
	if diff := cmp.Diff([]Type{this}, res.Frames[1].Locals); diff != "" {
		t.Errorf("post-init locals mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeFramesSwitch(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Switch")
	m := insn.NewMethodCode("com/example/Switch", classfile.AccStatic, "f", "(I)I")
	case0 := m.NewLabel()
	dflt := m.NewLabel()
	m.Emit(insn.Instruction{Op: insn.OpIload0})
	m.Emit(insn.Instruction{Op: insn.OpLookupswitch,
		Default: dflt, Targets: []*insn.Label{case0}, Keys: []int32{7}})
	m.Bind(case0)
	m.Emit(insn.Instruction{Op: insn.OpIconst1})
	m.Emit(insn.Instruction{Op: insn.OpIreturn})
	m.Bind(dflt)
	m.Emit(insn.Instruction{Op: insn.OpIconst0})
	m.Emit(insn.Instruction{Op: insn.OpIreturn})

	res, err := ComputeFrames(st, m)
	if err != nil {
		t.Fatalf("ComputeFrames failed: %v", err)
	}
	// Entry, the case block and the default block are all reachable.
	if len(res.Frames) != 3 {
		t.Fatalf("frame count = %d, want 3", len(res.Frames))
	}
	for _, fr := range res.Frames[1:] {
		if len(fr.Stack) != 0 {
			t.Errorf("frame at %d has stack %v, want empty", fr.Offset, fr.Stack)
		}
		if diff := cmp.Diff([]Type{Integer}, fr.Locals); diff != "" {
			t.Errorf("frame at %d locals mismatch (-want +got):\n%s", fr.Offset, diff)
		}
	}
}

func TestComputeFramesUnreachableCode(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Dead")
	m := insn.NewMethodCode("com/example/Dead", classfile.AccStatic, "f", "()V")
	m.Emit(insn.Instruction{Op: insn.OpReturn})  // 0
	m.Emit(insn.Instruction{Op: insn.OpIconst0}) // 1: unreachable
	m.Emit(insn.Instruction{Op: insn.OpReturn})  // 2

	res, err := ComputeFrames(st, m)
	if err != nil {
		t.Fatalf("ComputeFrames failed: %v", err)
	}
	if len(res.Frames) != 1 {
		t.Errorf("frame count = %d, want 1 (dead block must not get a frame)", len(res.Frames))
	}
}

func TestComputeFramesRejectsSubroutines(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Old")
	m := insn.NewMethodCode("com/example/Old", classfile.AccStatic, "f", "()V")
	sub := m.NewLabel()
	m.Emit(insn.Instruction{Op: insn.OpJsr, Target: sub})
	m.Emit(insn.Instruction{Op: insn.OpReturn})
	m.Bind(sub)
	m.Emit(insn.Instruction{Op: insn.OpAstore0})
	m.Emit(insn.Instruction{Op: insn.OpRet, Operand: 0})

	if _, err := ComputeFrames(st, m); !errors.Is(err, ErrUnsupportedInsn) {
		t.Errorf("err = %v, want ErrUnsupportedInsn", err)
	}
}

func TestComputeFramesLoopTerminates(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Loop")
	m := insn.NewMethodCode("com/example/Loop", classfile.AccStatic, "sum", "(I)I")
	head := m.NewLabel()
	m.Emit(insn.Instruction{Op: insn.OpIconst0}) // 0: acc = 0
	m.Emit(insn.Instruction{Op: insn.OpIstore1}) // 1
	m.Bind(head)
	m.Emit(insn.Instruction{Op: insn.OpIload0})             // 2
	m.Emit(insn.Instruction{Op: insn.OpIfeq, Target: head}) // 3: loop back edge
	m.Emit(insn.Instruction{Op: insn.OpIload1})             // 4
	m.Emit(insn.Instruction{Op: insn.OpIreturn})            // 5

	res, err := ComputeFrames(st, m)
	if err != nil {
		t.Fatalf("ComputeFrames failed: %v", err)
	}
	var head2 *ComputedFrame
	for i := range res.Frames {
		if res.Frames[i].Offset == 2 {
			head2 = &res.Frames[i]
		}
	}
	if head2 == nil {
		t.Fatalf("no frame at loop head; frames: %+v", res.Frames)
	}
	if diff := cmp.Diff([]Type{Integer, Integer}, head2.Locals); diff != "" {
		t.Errorf("loop head locals mismatch (-want +got):\n%s", diff)
	}
}

// A store that pops an empty entry stack must surface as an error from
// the merge, not a crash while resolving the relative local.
func TestComputeFramesStackUnderflow(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Bad")
	m := insn.NewMethodCode("com/example/Bad", classfile.AccStatic, "f", "()V")
	next := m.NewLabel()
	m.Emit(insn.Instruction{Op: insn.OpAstore0})
	m.Emit(insn.Instruction{Op: insn.OpGoto, Target: next})
	m.Bind(next)
	m.Emit(insn.Instruction{Op: insn.OpReturn})

	if _, err := ComputeFrames(st, m); !errors.Is(err, ErrInternal) {
		t.Errorf("err = %v, want ErrInternal", err)
	}
}

func TestComputeFramesEmptyMethod(t *testing.T) {
	st := classfile.NewSymbolTable("com/example/Empty")
	m := insn.NewMethodCode("com/example/Empty", classfile.AccStatic, "f", "()V")
	if _, err := ComputeFrames(st, m); err == nil {
		t.Error("empty method body accepted")
	}
}
