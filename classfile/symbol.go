package classfile

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Symbol: one entry in the per-class symbol table
// ---------------------------------------------------------------------------

// Tag discriminates the kind of a Symbol. Values below 128 are the class
// file constant pool tags; values from 128 up are synthetic tags used only
// by the frame computation and never written to a class file.
type Tag uint8

// Constant pool tags.
const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagDynamic            Tag = 17
	TagInvokeDynamic      Tag = 18
)

// Synthetic tags.
const (
	TagType                 Tag = 128 // internal class name used by the analysis
	TagUninitializedType    Tag = 129 // type created by NEW at a known offset
	TagForwardUninitialized Tag = 130 // type created by NEW at a not-yet-bound label
	TagMergedType           Tag = 131 // cached result of merging two reference types
)

// ObjectClass is the root of the reference type lattice. Merges of unrelated
// reference types collapse to it (the table has no classpath access, so the
// true least common ancestor is not computable here).
const ObjectClass = "java/lang/Object"

// ThrowableClass is the implicit catch type of a catch-all handler.
const ThrowableClass = "java/lang/Throwable"

// OffsetResolver is anything that can report a bytecode offset once it is
// known. Labels from the instruction layer implement it.
type OffsetResolver interface {
	// BytecodeOffset returns the resolved offset, or false if the label
	// has not been bound yet.
	BytecodeOffset() (int, bool)
}

// Symbol is one deduplicated entry in a SymbolTable. Symbols are never
// mutated after creation; a merge produces a new symbol. This is what makes
// abstract types safe to compare by value.
type Symbol struct {
	Index int    // stable index in the owning table
	Tag   Tag    // kind discriminant
	Value string // internal type name, descriptor, or member reference
	Data  int64  // auxiliary integer (bytecode offset for uninitialized types)

	label OffsetResolver // set only for TagForwardUninitialized
}

// ErrUnboundLabel is returned when a forward-uninitialized symbol is
// resolved before its defining label was bound. Seeing it means the driver
// has a bug; it is never a caller input error.
var ErrUnboundLabel = errors.New("forward uninitialized type resolved before its label was bound")

// ResolveOffset returns the bytecode offset a forward-uninitialized symbol
// refers to. For plain uninitialized symbols it returns Data.
func (s *Symbol) ResolveOffset() (int, error) {
	if s.Tag != TagForwardUninitialized {
		return int(s.Data), nil
	}
	off, ok := s.label.BytecodeOffset()
	if !ok {
		return 0, fmt.Errorf("%w: type %s", ErrUnboundLabel, s.Value)
	}
	return off, nil
}

// ---------------------------------------------------------------------------
// SymbolTable: deduplicated symbols for one class translation unit
// ---------------------------------------------------------------------------

// symbolKey is the structural identity of a symbol. Two symbols with equal
// keys share one index.
type symbolKey struct {
	tag   Tag
	value string
	data  int64
	label OffsetResolver
}

// SymbolTable owns the deduplicated pool of type names, member references
// and uninitialized-type markers for one class translation unit, and maps
// each to a stable integer index.
//
// A table belongs to a single translation unit and is not safe for
// concurrent use; process classes in parallel by giving each its own table.
type SymbolTable struct {
	className string
	symbols   []*Symbol
	index     map[symbolKey]int
	merged    map[[2]int]int // normalized (typeA, typeB) -> merged type index
}

// NewSymbolTable creates an empty symbol table for the given class
// (internal name, e.g. "com/example/Foo").
func NewSymbolTable(className string) *SymbolTable {
	return &SymbolTable{
		className: className,
		index:     make(map[symbolKey]int),
		merged:    make(map[[2]int]int),
	}
}

// ClassName returns the internal name of the class this table belongs to.
func (st *SymbolTable) ClassName() string {
	return st.className
}

// Len returns the number of symbols in the table.
func (st *SymbolTable) Len() int {
	return len(st.symbols)
}

// Symbol returns the symbol at the given index, or nil if out of range.
func (st *SymbolTable) Symbol(index int) *Symbol {
	if index < 0 || index >= len(st.symbols) {
		return nil
	}
	return st.symbols[index]
}

// add appends a new symbol for key, or returns the existing index.
func (st *SymbolTable) add(key symbolKey) int {
	if i, ok := st.index[key]; ok {
		return i
	}
	i := len(st.symbols)
	st.symbols = append(st.symbols, &Symbol{
		Index: i,
		Tag:   key.tag,
		Value: key.value,
		Data:  key.data,
		label: key.label,
	})
	st.index[key] = i
	return i
}

// AddType returns the index of the TagType symbol for the given internal
// class name, adding it if needed.
func (st *SymbolTable) AddType(internalName string) int {
	return st.add(symbolKey{tag: TagType, value: internalName})
}

// AddUninitializedType returns the index of the symbol for a value created
// by a NEW of internalName at the given bytecode offset. Two NEWs of the
// same class at different offsets get distinct symbols.
func (st *SymbolTable) AddUninitializedType(internalName string, offset int) int {
	return st.add(symbolKey{tag: TagUninitializedType, value: internalName, data: int64(offset)})
}

// AddForwardUninitializedType returns the index of the symbol for a value
// created by a NEW whose offset is not known yet. The label is resolved
// lazily at serialization time.
func (st *SymbolTable) AddForwardUninitializedType(internalName string, label OffsetResolver) int {
	return st.add(symbolKey{tag: TagForwardUninitialized, value: internalName, label: label})
}

// AddMergedType returns the index of the type symbol for the common
// supertype of the two given type symbols. Without classpath access the
// best knowable answer is the type itself when both sides agree, and
// ObjectClass otherwise. The result is cached so repeated merges of the
// same pair cost one map lookup.
func (st *SymbolTable) AddMergedType(typeA, typeB int) int {
	if typeA == typeB {
		return typeA
	}
	key := [2]int{typeA, typeB}
	if typeA > typeB {
		key = [2]int{typeB, typeA}
	}
	if i, ok := st.merged[key]; ok {
		return i
	}
	a, b := st.Symbol(typeA), st.Symbol(typeB)
	var i int
	if a != nil && b != nil && a.Value == b.Value {
		i = st.AddType(a.Value)
	} else {
		i = st.AddType(ObjectClass)
	}
	st.merged[key] = i
	return i
}
