package insn

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Method bundles: the CBOR interchange form of method bodies
// ---------------------------------------------------------------------------

// A bundle carries method bodies with symbolic operands, so tooling can
// feed code to the frame analysis without a class file parser. Branch
// targets and handler boundaries are instruction indices.

// BundleConst is an ldc operand in a bundle.
type BundleConst struct {
	Kind  string  `cbor:"kind"` // int, long, float, double, string, class, methodType, handle, dynamic
	Int   int64   `cbor:"int,omitempty"`
	Float float64 `cbor:"float,omitempty"`
	Str   string  `cbor:"str,omitempty"`
	Class string  `cbor:"class,omitempty"`
	Desc  string  `cbor:"desc,omitempty"`
}

// BundleInstruction is one instruction in a bundle.
type BundleInstruction struct {
	Op      string       `cbor:"op"`
	Operand int          `cbor:"operand,omitempty"`
	Type    string       `cbor:"type,omitempty"`
	Owner   string       `cbor:"owner,omitempty"`
	Member  string       `cbor:"member,omitempty"`
	Desc    string       `cbor:"desc,omitempty"`
	Target  int          `cbor:"target,omitempty"`
	Targets []int        `cbor:"targets,omitempty"`
	Default int          `cbor:"default,omitempty"`
	Keys    []int32      `cbor:"keys,omitempty"`
	Const   *BundleConst `cbor:"const,omitempty"`
}

// BundleHandler is one exception table entry in a bundle.
type BundleHandler struct {
	Start int    `cbor:"start"`
	End   int    `cbor:"end"`
	Catch int    `cbor:"catch"`
	Type  string `cbor:"type,omitempty"`
}

// BundleMethod is one method body in a bundle.
type BundleMethod struct {
	Class    string              `cbor:"class"`
	Access   uint32              `cbor:"access"`
	Name     string              `cbor:"name"`
	Desc     string              `cbor:"desc"`
	Insns    []BundleInstruction `cbor:"insns"`
	Handlers []BundleHandler     `cbor:"handlers,omitempty"`
}

// Bundle is a set of method bodies to analyze together.
type Bundle struct {
	Methods []BundleMethod `cbor:"methods"`
}

// UnmarshalBundle deserializes a bundle from CBOR bytes.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("insn: unmarshal bundle: %w", err)
	}
	return &b, nil
}

// MarshalBundle serializes a bundle to CBOR bytes.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return cbor.Marshal(b)
}

// MethodCode converts one bundle method into an analyzable method body.
func (bm *BundleMethod) MethodCode() (*MethodCode, error) {
	m := NewMethodCode(bm.Class, bm.Access, bm.Name, bm.Desc)
	labelAt := make(map[int]*Label)
	label := func(index int) (*Label, error) {
		if index < 0 || index > len(bm.Insns) {
			return nil, fmt.Errorf("bundle: label index %d out of range", index)
		}
		if l, ok := labelAt[index]; ok {
			return l, nil
		}
		l := m.NewLabel()
		labelAt[index] = l
		return l, nil
	}

	for i, bi := range bm.Insns {
		op, ok := OpcodeByName(bi.Op)
		if !ok {
			return nil, fmt.Errorf("bundle: instruction %d: unknown opcode %q", i, bi.Op)
		}
		ins := Instruction{
			Op:      op,
			Operand: bi.Operand,
			Type:    bi.Type,
			Owner:   bi.Owner,
			Member:  bi.Member,
			Desc:    bi.Desc,
		}
		if bi.Const != nil {
			c, err := bi.Const.value()
			if err != nil {
				return nil, fmt.Errorf("bundle: instruction %d: %w", i, err)
			}
			ins.Const = c
		}
		switch {
		case op.IsConditionalBranch() || op == OpGoto || op == OpGotoW || op == OpJsr || op == OpJsrW:
			l, err := label(bi.Target)
			if err != nil {
				return nil, err
			}
			ins.Target = l
		case op == OpTableswitch || op == OpLookupswitch:
			l, err := label(bi.Default)
			if err != nil {
				return nil, err
			}
			ins.Default = l
			for _, t := range bi.Targets {
				tl, err := label(t)
				if err != nil {
					return nil, err
				}
				ins.Targets = append(ins.Targets, tl)
			}
			ins.Keys = bi.Keys
		}
		m.Emit(ins)
	}

	for _, bh := range bm.Handlers {
		start, err := label(bh.Start)
		if err != nil {
			return nil, err
		}
		end, err := label(bh.End)
		if err != nil {
			return nil, err
		}
		catch, err := label(bh.Catch)
		if err != nil {
			return nil, err
		}
		m.Handlers = append(m.Handlers, Handler{Start: start, End: end, Catch: catch, Type: bh.Type})
	}

	// Bind the collected labels to their instruction indices.
	for index, l := range labelAt {
		l.index = index
	}
	return m, nil
}

// value converts the bundle constant to the in-memory ldc operand.
func (bc *BundleConst) value() (any, error) {
	switch bc.Kind {
	case "int":
		return int32(bc.Int), nil
	case "long":
		return bc.Int, nil
	case "float":
		return float32(bc.Float), nil
	case "double":
		return bc.Float, nil
	case "string":
		return bc.Str, nil
	case "class":
		return ClassConst{Name: bc.Class}, nil
	case "methodType":
		return MethodTypeConst{Desc: bc.Desc}, nil
	case "handle":
		return HandleConst{Owner: bc.Class, Desc: bc.Desc}, nil
	case "dynamic":
		return DynamicConst{Desc: bc.Desc}, nil
	default:
		return nil, fmt.Errorf("unknown constant kind %q", bc.Kind)
	}
}
