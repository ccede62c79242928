// Package stackmap turns resolved frames into StackMapTable entries: the
// verification type tags, the trailing-top and wide-slot elision, and the
// compressed frame kinds of the class file format.
package stackmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/katori/classkit/analysis"
	"github.com/katori/classkit/classfile"
)

// Verification type tags, as serialized in StackMapTable entries.
const (
	ItemTop               uint8 = 0
	ItemInteger           uint8 = 1
	ItemFloat             uint8 = 2
	ItemDouble            uint8 = 3
	ItemLong              uint8 = 4
	ItemNull              uint8 = 5
	ItemUninitializedThis uint8 = 6
	ItemObject            uint8 = 7
	ItemUninitialized     uint8 = 8
)

// VerificationType is one serialized frame slot.
type VerificationType struct {
	Tag       uint8
	ClassName string // for ItemObject: internal name or array descriptor
	Offset    int    // for ItemUninitialized: offset of the NEW instruction
}

// ConstantPool resolves class names to constant pool indices for
// Object_variable_info entries. The surrounding class writer provides it.
type ConstantPool interface {
	ClassIndex(internalName string) uint16
}

// FromAbstract converts a resolved abstract type to its verification type.
// Boolean, byte, char and short all verify as integer.
func FromAbstract(st *classfile.SymbolTable, t analysis.Type) (VerificationType, error) {
	if t.Dim > 0 {
		name, err := arrayDescriptor(st, t)
		if err != nil {
			return VerificationType{}, err
		}
		return VerificationType{Tag: ItemObject, ClassName: name}, nil
	}
	switch t.Kind {
	case analysis.KindConstant:
		switch t.Val {
		case analysis.ConstUnset, analysis.ConstTop:
			return VerificationType{Tag: ItemTop}, nil
		case analysis.ConstBoolean, analysis.ConstByte, analysis.ConstChar,
			analysis.ConstShort, analysis.ConstInteger:
			return VerificationType{Tag: ItemInteger}, nil
		case analysis.ConstFloat:
			return VerificationType{Tag: ItemFloat}, nil
		case analysis.ConstLong:
			return VerificationType{Tag: ItemLong}, nil
		case analysis.ConstDouble:
			return VerificationType{Tag: ItemDouble}, nil
		case analysis.ConstNull:
			return VerificationType{Tag: ItemNull}, nil
		case analysis.ConstUninitializedThis:
			return VerificationType{Tag: ItemUninitializedThis}, nil
		}
	case analysis.KindReference:
		sym := st.Symbol(int(t.Val))
		if sym == nil {
			return VerificationType{}, fmt.Errorf("%w: dangling type symbol %d", analysis.ErrInternal, t.Val)
		}
		return VerificationType{Tag: ItemObject, ClassName: sym.Value}, nil
	case analysis.KindUninitialized, analysis.KindForwardUninitialized:
		sym := st.Symbol(int(t.Val))
		if sym == nil {
			return VerificationType{}, fmt.Errorf("%w: dangling type symbol %d", analysis.ErrInternal, t.Val)
		}
		off, err := sym.ResolveOffset()
		if err != nil {
			return VerificationType{}, err
		}
		return VerificationType{Tag: ItemUninitialized, Offset: off}, nil
	}
	return VerificationType{}, fmt.Errorf("%w: unresolved type %s in a serialized frame", analysis.ErrInternal, t)
}

// arrayDescriptor renders an array type as the descriptor form used in
// Object_variable_info ("[[I", "[Ljava/lang/String;").
func arrayDescriptor(st *classfile.SymbolTable, t analysis.Type) (string, error) {
	var b strings.Builder
	for i := int8(0); i < t.Dim; i++ {
		b.WriteByte('[')
	}
	switch t.Kind {
	case analysis.KindReference:
		sym := st.Symbol(int(t.Val))
		if sym == nil {
			return "", fmt.Errorf("%w: dangling type symbol %d", analysis.ErrInternal, t.Val)
		}
		b.WriteString("L")
		b.WriteString(sym.Value)
		b.WriteString(";")
	case analysis.KindConstant:
		letters := map[int32]byte{
			analysis.ConstBoolean: 'Z',
			analysis.ConstByte:    'B',
			analysis.ConstChar:    'C',
			analysis.ConstShort:   'S',
			analysis.ConstInteger: 'I',
			analysis.ConstFloat:   'F',
			analysis.ConstLong:    'J',
			analysis.ConstDouble:  'D',
		}
		l, ok := letters[t.Val]
		if !ok {
			return "", fmt.Errorf("%w: array of %s", analysis.ErrInternal, t)
		}
		b.WriteByte(l)
	default:
		return "", fmt.Errorf("%w: array of %s", analysis.ErrInternal, t)
	}
	return b.String(), nil
}

// Condense converts a frame's slot list to its serialized verification
// type list: the second slot of a wide value is elided, and for locals the
// trailing run of Top entries is dropped.
func Condense(st *classfile.SymbolTable, slots []analysis.Type, locals bool) ([]VerificationType, error) {
	out := make([]VerificationType, 0, len(slots))
	for i := 0; i < len(slots); i++ {
		vt, err := FromAbstract(st, slots[i])
		if err != nil {
			return nil, err
		}
		out = append(out, vt)
		if vt.Tag == ItemLong || vt.Tag == ItemDouble {
			i++ // skip the padding slot
		}
	}
	if locals {
		for len(out) > 0 && out[len(out)-1].Tag == ItemTop {
			out = out[:len(out)-1]
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Compressed frame encoding
// ---------------------------------------------------------------------------

// Frame kind opcodes of the StackMapTable format.
const (
	sameFrameMax             = 63
	sameLocals1StackItemBase = 64
	sameLocals1StackItemExt  = 247
	chopBase                 = 251 // chopBase - k for k chopped locals
	sameFrameExtended        = 251
	appendBase               = 251 // appendBase + k for k appended locals
	fullFrame                = 255
)

// Encode serializes the StackMapTable attribute payload (entry count plus
// entries) for the given computation result. The first computed frame is
// the implicit entry frame and is not emitted. Of the rest, only frames
// the verifier restarts at (Required) become entries; blocks split for
// analysis bookkeeping are covered by fall-through simulation and are
// skipped. Each entry is encoded relative to the previous emitted one.
func Encode(st *classfile.SymbolTable, pool ConstantPool, res *analysis.Result) ([]byte, error) {
	if len(res.Frames) == 0 {
		return nil, fmt.Errorf("%w: no frames to encode", analysis.ErrInternal)
	}
	entries := make([]analysis.ComputedFrame, 0, len(res.Frames)-1)
	for _, cf := range res.Frames[1:] {
		if cf.Required {
			entries = append(entries, cf)
		}
	}

	var buf bytes.Buffer
	writeU16(&buf, uint16(len(entries)))

	prevLocals, err := Condense(st, res.Frames[0].Locals, true)
	if err != nil {
		return nil, err
	}
	prevOffset := -1
	for _, cf := range entries {
		locals, err := Condense(st, cf.Locals, true)
		if err != nil {
			return nil, err
		}
		stack, err := Condense(st, cf.Stack, false)
		if err != nil {
			return nil, err
		}
		delta := cf.Offset - prevOffset - 1
		if err := encodeEntry(&buf, pool, delta, prevLocals, locals, stack); err != nil {
			return nil, err
		}
		prevLocals = locals
		prevOffset = cf.Offset
	}
	return buf.Bytes(), nil
}

// encodeEntry writes one compressed entry, choosing the most compact kind
// that can express the transition from the previous frame.
func encodeEntry(buf *bytes.Buffer, pool ConstantPool, delta int, prev, locals, stack []VerificationType) error {
	switch {
	case len(stack) == 0 && sameTypes(prev, locals):
		if delta <= sameFrameMax {
			buf.WriteByte(byte(delta))
		} else {
			buf.WriteByte(sameFrameExtended)
			writeU16(buf, uint16(delta))
		}
		return nil

	case len(stack) == 1 && sameTypes(prev, locals):
		if delta <= sameFrameMax {
			buf.WriteByte(byte(sameLocals1StackItemBase + delta))
		} else {
			buf.WriteByte(sameLocals1StackItemExt)
			writeU16(buf, uint16(delta))
		}
		return writeTypes(buf, pool, stack)

	case len(stack) == 0 && len(locals) < len(prev) && len(prev)-len(locals) <= 3 &&
		sameTypes(prev[:len(locals)], locals):
		buf.WriteByte(byte(chopBase - (len(prev) - len(locals))))
		writeU16(buf, uint16(delta))
		return nil

	case len(stack) == 0 && len(locals) > len(prev) && len(locals)-len(prev) <= 3 &&
		sameTypes(prev, locals[:len(prev)]):
		buf.WriteByte(byte(appendBase + (len(locals) - len(prev))))
		writeU16(buf, uint16(delta))
		return writeTypes(buf, pool, locals[len(prev):])

	default:
		buf.WriteByte(fullFrame)
		writeU16(buf, uint16(delta))
		writeU16(buf, uint16(len(locals)))
		if err := writeTypes(buf, pool, locals); err != nil {
			return err
		}
		writeU16(buf, uint16(len(stack)))
		return writeTypes(buf, pool, stack)
	}
}

func sameTypes(a, b []VerificationType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writeTypes(buf *bytes.Buffer, pool ConstantPool, types []VerificationType) error {
	for _, vt := range types {
		buf.WriteByte(vt.Tag)
		switch vt.Tag {
		case ItemObject:
			writeU16(buf, pool.ClassIndex(vt.ClassName))
		case ItemUninitialized:
			writeU16(buf, uint16(vt.Offset))
		}
	}
	return nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}
