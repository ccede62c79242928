package analysis

import (
	"fmt"
	"strings"

	"github.com/katori/classkit/classfile"
)

// ---------------------------------------------------------------------------
// Abstract types
// ---------------------------------------------------------------------------

// Kind discriminates the coordinate system an abstract type is expressed
// in. Constant, Reference, Uninitialized and ForwardUninitialized types are
// absolute and may appear in resolved input frames; Local and Stack types
// are relative to a block's own (possibly unknown) input frame and are only
// legal in output frames.
type Kind uint8

const (
	KindConstant Kind = iota
	KindReference
	KindUninitialized
	KindForwardUninitialized
	KindLocal // value of input local #Val at block entry
	KindStack // value #Val slots below the input stack top at block entry
)

// Payload values for KindConstant. ConstUnset is deliberately the zero
// value: a zero Type means "slot never assigned", which is distinct from
// an explicit Top.
const (
	ConstUnset int32 = iota
	ConstTop
	ConstBoolean
	ConstByte
	ConstChar
	ConstShort
	ConstInteger
	ConstFloat
	ConstLong
	ConstDouble
	ConstNull
	ConstUninitializedThis
)

// Type is the type of one frame slot. A small comparable value, so merge
// idempotence checks are plain == comparisons.
type Type struct {
	Kind      Kind
	Dim       int8 // array dimensions; negative only in unresolved types
	TopIfWide bool // resolves to padding if the base type is long or double
	Val       int32
}

// Common constant types.
var (
	Top               = Type{Val: ConstTop}
	Boolean           = Type{Val: ConstBoolean}
	Byte              = Type{Val: ConstByte}
	Char              = Type{Val: ConstChar}
	Short             = Type{Val: ConstShort}
	Integer           = Type{Val: ConstInteger}
	Float             = Type{Val: ConstFloat}
	Long              = Type{Val: ConstLong}
	Double            = Type{Val: ConstDouble}
	Null              = Type{Val: ConstNull}
	UninitializedThis = Type{Val: ConstUninitializedThis}
)

// IsUnset reports whether the slot was never assigned (the merge sentinel).
func (t Type) IsUnset() bool {
	return t == Type{}
}

// isReferenceLike reports whether t is an array or object reference, the
// categories that merge with NULL and with each other.
func (t Type) isReferenceLike() bool {
	return t.Dim > 0 || t.Kind == KindReference
}

// Reference returns the absolute type for an instance of the class with the
// given symbol index.
func Reference(symbolIndex int) Type {
	return Type{Kind: KindReference, Val: int32(symbolIndex)}
}

// Uninitialized returns the type of a value created by NEW, identified by
// its symbol index.
func Uninitialized(symbolIndex int) Type {
	return Type{Kind: KindUninitialized, Val: int32(symbolIndex)}
}

// TypeFromInternalName returns the abstract type for a class operand, which
// is an internal name like "java/lang/String", or an array descriptor like
// "[[I" (CHECKCAST and ANEWARRAY operands take that form).
func TypeFromInternalName(st *classfile.SymbolTable, name string) (Type, error) {
	if strings.HasPrefix(name, "[") {
		return TypeFromDescriptor(st, name)
	}
	return Reference(st.AddType(name)), nil
}

// TypeFromDescriptor returns the abstract type for a field descriptor. The
// void descriptor yields the unset type (nothing is pushed for it).
func TypeFromDescriptor(st *classfile.SymbolTable, desc string) (Type, error) {
	dim := 0
	for dim < len(desc) && desc[dim] == '[' {
		dim++
	}
	if dim > 31 {
		return Type{}, fmt.Errorf("%w: too many array dimensions in %q", classfile.ErrBadDescriptor, desc)
	}
	rest := desc[dim:]
	var base Type
	switch {
	case rest == "V":
		if dim != 0 {
			return Type{}, fmt.Errorf("%w: %q", classfile.ErrBadDescriptor, desc)
		}
		return Type{}, nil
	case rest == "Z":
		base = Boolean
	case rest == "B":
		base = Byte
	case rest == "C":
		base = Char
	case rest == "S":
		base = Short
	case rest == "I":
		base = Integer
	case rest == "F":
		base = Float
	case rest == "J":
		base = Long
	case rest == "D":
		base = Double
	case len(rest) >= 3 && rest[0] == 'L' && rest[len(rest)-1] == ';':
		base = Reference(st.AddType(rest[1 : len(rest)-1]))
	default:
		return Type{}, fmt.Errorf("%w: %q", classfile.ErrBadDescriptor, desc)
	}
	base.Dim = int8(dim)
	return base, nil
}

// String renders the type for diagnostics. Symbol indices print as R#n and
// U#n since the symbol table is not available here.
func (t Type) String() string {
	var b strings.Builder
	for i := int8(0); i < t.Dim; i++ {
		b.WriteByte('[')
	}
	switch t.Kind {
	case KindConstant:
		names := [...]string{"unset", "top", "boolean", "byte", "char", "short",
			"int", "float", "long", "double", "null", "uninitializedThis"}
		if int(t.Val) < len(names) {
			b.WriteString(names[t.Val])
		} else {
			fmt.Fprintf(&b, "const#%d", t.Val)
		}
	case KindReference:
		fmt.Fprintf(&b, "R#%d", t.Val)
	case KindUninitialized:
		fmt.Fprintf(&b, "U#%d", t.Val)
	case KindForwardUninitialized:
		fmt.Fprintf(&b, "FU#%d", t.Val)
	case KindLocal:
		fmt.Fprintf(&b, "local[%d]", t.Val)
	case KindStack:
		fmt.Fprintf(&b, "stack[-%d]", t.Val)
	}
	if t.TopIfWide {
		b.WriteString("?")
	}
	return b.String()
}
