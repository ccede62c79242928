package classfile

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Field and method descriptor parsing
// ---------------------------------------------------------------------------

// ErrBadDescriptor reports a malformed field or method descriptor.
var ErrBadDescriptor = errors.New("malformed descriptor")

// fieldDescriptorEnd returns the index just past the field descriptor
// starting at desc[start], or -1 if it is malformed.
func fieldDescriptorEnd(desc string, start int) int {
	i := start
	for i < len(desc) && desc[i] == '[' {
		i++
	}
	if i >= len(desc) {
		return -1
	}
	switch desc[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return i + 1
	case 'L':
		for i++; i < len(desc); i++ {
			if desc[i] == ';' {
				return i + 1
			}
		}
		return -1
	default:
		return -1
	}
}

// SplitMethodDescriptor splits a method descriptor like
// "(I[JLjava/lang/String;)V" into its argument field descriptors and its
// return descriptor ("V" for void).
func SplitMethodDescriptor(desc string) (args []string, ret string, err error) {
	if len(desc) == 0 || desc[0] != '(' {
		return nil, "", fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		end := fieldDescriptorEnd(desc, i)
		if end < 0 {
			return nil, "", fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
		}
		args = append(args, desc[i:end])
		i = end
	}
	if i >= len(desc) || desc[i] != ')' {
		return nil, "", fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	ret = desc[i+1:]
	if ret == "V" {
		return args, ret, nil
	}
	if end := fieldDescriptorEnd(desc, i+1); end != len(desc) {
		return nil, "", fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	return args, ret, nil
}

// TypeSize returns the number of frame slots a value of the given field
// descriptor occupies: 2 for long and double, 0 for void, 1 otherwise.
func TypeSize(fieldDesc string) int {
	switch fieldDesc {
	case "J", "D":
		return 2
	case "V":
		return 0
	default:
		return 1
	}
}

// ArgumentsAndReturnSizes returns the total argument slot count (not
// including the receiver) and the return value slot count of a method
// descriptor.
func ArgumentsAndReturnSizes(methodDesc string) (argSlots, retSlots int, err error) {
	args, ret, err := SplitMethodDescriptor(methodDesc)
	if err != nil {
		return 0, 0, err
	}
	for _, a := range args {
		argSlots += TypeSize(a)
	}
	return argSlots, TypeSize(ret), nil
}
