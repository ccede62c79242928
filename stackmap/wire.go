package stackmap

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/katori/classkit/analysis"
	"github.com/katori/classkit/classfile"
)

// cborEncMode uses canonical encoding so equal results always serialize to
// equal bytes, which the content-addressed cache depends on.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("stackmap: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Wire type tag strings. Symbol indices are meaningless outside one
// translation unit, so the wire format carries names and offsets instead.
const (
	WireTop               = "top"
	WireInt               = "int"
	WireFloat             = "float"
	WireLong              = "long"
	WireDouble            = "double"
	WireNull              = "null"
	WireUninitializedThis = "uninitializedThis"
	WireObject            = "object"
	WireUninitialized     = "uninitialized"
)

// WireType is one frame slot in the interchange encoding.
type WireType struct {
	Tag    string `cbor:"tag"`
	Class  string `cbor:"class,omitempty"`
	Offset int    `cbor:"offset,omitempty"`
}

// WireFrame is one basic block's resolved input frame.
type WireFrame struct {
	Offset int        `cbor:"offset"`
	Locals []WireType `cbor:"locals"`
	Stack  []WireType `cbor:"stack"`
}

// WireResult is a complete frame computation result for one method.
type WireResult struct {
	ClassName string      `cbor:"class"`
	Method    string      `cbor:"method"`
	Desc      string      `cbor:"desc"`
	MaxStack  int         `cbor:"maxStack"`
	MaxLocals int         `cbor:"maxLocals"`
	Frames    []WireFrame `cbor:"frames"`
}

var wireTags = map[uint8]string{
	ItemTop:               WireTop,
	ItemInteger:           WireInt,
	ItemFloat:             WireFloat,
	ItemLong:              WireLong,
	ItemDouble:            WireDouble,
	ItemNull:              WireNull,
	ItemUninitializedThis: WireUninitializedThis,
	ItemObject:            WireObject,
	ItemUninitialized:     WireUninitialized,
}

// BuildWire converts a computation result to the interchange form.
func BuildWire(st *classfile.SymbolTable, method, desc string, res *analysis.Result) (*WireResult, error) {
	wr := &WireResult{
		ClassName: st.ClassName(),
		Method:    method,
		Desc:      desc,
		MaxStack:  res.MaxStack,
		MaxLocals: res.MaxLocals,
	}
	for _, cf := range res.Frames {
		locals, err := wireTypes(st, cf.Locals, true)
		if err != nil {
			return nil, err
		}
		stack, err := wireTypes(st, cf.Stack, false)
		if err != nil {
			return nil, err
		}
		wr.Frames = append(wr.Frames, WireFrame{Offset: cf.Offset, Locals: locals, Stack: stack})
	}
	return wr, nil
}

func wireTypes(st *classfile.SymbolTable, slots []analysis.Type, locals bool) ([]WireType, error) {
	vts, err := Condense(st, slots, locals)
	if err != nil {
		return nil, err
	}
	out := make([]WireType, len(vts))
	for i, vt := range vts {
		out[i] = WireType{Tag: wireTags[vt.Tag], Class: vt.ClassName}
		if vt.Tag == ItemUninitialized {
			out[i].Offset = vt.Offset
		}
	}
	return out, nil
}

// MarshalResult serializes a WireResult to canonical CBOR bytes.
func MarshalResult(r *WireResult) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalResult deserializes a WireResult from CBOR bytes.
func UnmarshalResult(data []byte) (*WireResult, error) {
	var r WireResult
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("stackmap: unmarshal result: %w", err)
	}
	return &r, nil
}
