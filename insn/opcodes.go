package insn

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions (JVM instruction set)
// ---------------------------------------------------------------------------

// Opcode is a single JVM bytecode instruction opcode.
type Opcode byte

// Constants
const (
	OpNop        Opcode = 0
	OpAconstNull Opcode = 1
	OpIconstM1   Opcode = 2
	OpIconst0    Opcode = 3
	OpIconst1    Opcode = 4
	OpIconst2    Opcode = 5
	OpIconst3    Opcode = 6
	OpIconst4    Opcode = 7
	OpIconst5    Opcode = 8
	OpLconst0    Opcode = 9
	OpLconst1    Opcode = 10
	OpFconst0    Opcode = 11
	OpFconst1    Opcode = 12
	OpFconst2    Opcode = 13
	OpDconst0    Opcode = 14
	OpDconst1    Opcode = 15
	OpBipush     Opcode = 16
	OpSipush     Opcode = 17
	OpLdc        Opcode = 18
	OpLdcW       Opcode = 19
	OpLdc2W      Opcode = 20
)

// Loads
const (
	OpIload  Opcode = 21
	OpLload  Opcode = 22
	OpFload  Opcode = 23
	OpDload  Opcode = 24
	OpAload  Opcode = 25
	OpIload0 Opcode = 26
	OpIload1 Opcode = 27
	OpIload2 Opcode = 28
	OpIload3 Opcode = 29
	OpLload0 Opcode = 30
	OpLload1 Opcode = 31
	OpLload2 Opcode = 32
	OpLload3 Opcode = 33
	OpFload0 Opcode = 34
	OpFload1 Opcode = 35
	OpFload2 Opcode = 36
	OpFload3 Opcode = 37
	OpDload0 Opcode = 38
	OpDload1 Opcode = 39
	OpDload2 Opcode = 40
	OpDload3 Opcode = 41
	OpAload0 Opcode = 42
	OpAload1 Opcode = 43
	OpAload2 Opcode = 44
	OpAload3 Opcode = 45
	OpIaload Opcode = 46
	OpLaload Opcode = 47
	OpFaload Opcode = 48
	OpDaload Opcode = 49
	OpAaload Opcode = 50
	OpBaload Opcode = 51
	OpCaload Opcode = 52
	OpSaload Opcode = 53
)

// Stores
const (
	OpIstore  Opcode = 54
	OpLstore  Opcode = 55
	OpFstore  Opcode = 56
	OpDstore  Opcode = 57
	OpAstore  Opcode = 58
	OpIstore0 Opcode = 59
	OpIstore1 Opcode = 60
	OpIstore2 Opcode = 61
	OpIstore3 Opcode = 62
	OpLstore0 Opcode = 63
	OpLstore1 Opcode = 64
	OpLstore2 Opcode = 65
	OpLstore3 Opcode = 66
	OpFstore0 Opcode = 67
	OpFstore1 Opcode = 68
	OpFstore2 Opcode = 69
	OpFstore3 Opcode = 70
	OpDstore0 Opcode = 71
	OpDstore1 Opcode = 72
	OpDstore2 Opcode = 73
	OpDstore3 Opcode = 74
	OpAstore0 Opcode = 75
	OpAstore1 Opcode = 76
	OpAstore2 Opcode = 77
	OpAstore3 Opcode = 78
	OpIastore Opcode = 79
	OpLastore Opcode = 80
	OpFastore Opcode = 81
	OpDastore Opcode = 82
	OpAastore Opcode = 83
	OpBastore Opcode = 84
	OpCastore Opcode = 85
	OpSastore Opcode = 86
)

// Stack
const (
	OpPop    Opcode = 87
	OpPop2   Opcode = 88
	OpDup    Opcode = 89
	OpDupX1  Opcode = 90
	OpDupX2  Opcode = 91
	OpDup2   Opcode = 92
	OpDup2X1 Opcode = 93
	OpDup2X2 Opcode = 94
	OpSwap   Opcode = 95
)

// Arithmetic
const (
	OpIadd  Opcode = 96
	OpLadd  Opcode = 97
	OpFadd  Opcode = 98
	OpDadd  Opcode = 99
	OpIsub  Opcode = 100
	OpLsub  Opcode = 101
	OpFsub  Opcode = 102
	OpDsub  Opcode = 103
	OpImul  Opcode = 104
	OpLmul  Opcode = 105
	OpFmul  Opcode = 106
	OpDmul  Opcode = 107
	OpIdiv  Opcode = 108
	OpLdiv  Opcode = 109
	OpFdiv  Opcode = 110
	OpDdiv  Opcode = 111
	OpIrem  Opcode = 112
	OpLrem  Opcode = 113
	OpFrem  Opcode = 114
	OpDrem  Opcode = 115
	OpIneg  Opcode = 116
	OpLneg  Opcode = 117
	OpFneg  Opcode = 118
	OpDneg  Opcode = 119
	OpIshl  Opcode = 120
	OpLshl  Opcode = 121
	OpIshr  Opcode = 122
	OpLshr  Opcode = 123
	OpIushr Opcode = 124
	OpLushr Opcode = 125
	OpIand  Opcode = 126
	OpLand  Opcode = 127
	OpIor   Opcode = 128
	OpLor   Opcode = 129
	OpIxor  Opcode = 130
	OpLxor  Opcode = 131
	OpIinc  Opcode = 132
)

// Conversions
const (
	OpI2l Opcode = 133
	OpI2f Opcode = 134
	OpI2d Opcode = 135
	OpL2i Opcode = 136
	OpL2f Opcode = 137
	OpL2d Opcode = 138
	OpF2i Opcode = 139
	OpF2l Opcode = 140
	OpF2d Opcode = 141
	OpD2i Opcode = 142
	OpD2l Opcode = 143
	OpD2f Opcode = 144
	OpI2b Opcode = 145
	OpI2c Opcode = 146
	OpI2s Opcode = 147
)

// Comparisons and branches
const (
	OpLcmp         Opcode = 148
	OpFcmpl        Opcode = 149
	OpFcmpg        Opcode = 150
	OpDcmpl        Opcode = 151
	OpDcmpg        Opcode = 152
	OpIfeq         Opcode = 153
	OpIfne         Opcode = 154
	OpIflt         Opcode = 155
	OpIfge         Opcode = 156
	OpIfgt         Opcode = 157
	OpIfle         Opcode = 158
	OpIfIcmpeq     Opcode = 159
	OpIfIcmpne     Opcode = 160
	OpIfIcmplt     Opcode = 161
	OpIfIcmpge     Opcode = 162
	OpIfIcmpgt     Opcode = 163
	OpIfIcmple     Opcode = 164
	OpIfAcmpeq     Opcode = 165
	OpIfAcmpne     Opcode = 166
	OpGoto         Opcode = 167
	OpJsr          Opcode = 168
	OpRet          Opcode = 169
	OpTableswitch  Opcode = 170
	OpLookupswitch Opcode = 171
)

// Returns
const (
	OpIreturn Opcode = 172
	OpLreturn Opcode = 173
	OpFreturn Opcode = 174
	OpDreturn Opcode = 175
	OpAreturn Opcode = 176
	OpReturn  Opcode = 177
)

// Field and method access
const (
	OpGetstatic       Opcode = 178
	OpPutstatic       Opcode = 179
	OpGetfield        Opcode = 180
	OpPutfield        Opcode = 181
	OpInvokevirtual   Opcode = 182
	OpInvokespecial   Opcode = 183
	OpInvokestatic    Opcode = 184
	OpInvokeinterface Opcode = 185
	OpInvokedynamic   Opcode = 186
)

// Objects and arrays
const (
	OpNew            Opcode = 187
	OpNewarray       Opcode = 188
	OpAnewarray      Opcode = 189
	OpArraylength    Opcode = 190
	OpAthrow         Opcode = 191
	OpCheckcast      Opcode = 192
	OpInstanceof     Opcode = 193
	OpMonitorenter   Opcode = 194
	OpMonitorexit    Opcode = 195
	OpWide           Opcode = 196
	OpMultianewarray Opcode = 197
	OpIfnull         Opcode = 198
	OpIfnonnull      Opcode = 199
	OpGotoW          Opcode = 200
	OpJsrW           Opcode = 201
)

// NEWARRAY primitive element type codes.
const (
	ArrayBoolean = 4
	ArrayChar    = 5
	ArrayFloat   = 6
	ArrayDouble  = 7
	ArrayByte    = 8
	ArrayShort   = 9
	ArrayInt     = 10
	ArrayLong    = 11
)

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(mnemonics))
	for i, name := range mnemonics {
		m[name] = Opcode(i)
	}
	return m
}()

// OpcodeByName returns the opcode for a JVM mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

// String returns the JVM mnemonic for the opcode.
func (op Opcode) String() string {
	if int(op) < len(mnemonics) && mnemonics[op] != "" {
		return mnemonics[op]
	}
	return fmt.Sprintf("unknown_0x%02x", byte(op))
}

// IsConditionalBranch reports whether op branches to its target or falls
// through.
func (op Opcode) IsConditionalBranch() bool {
	return (op >= OpIfeq && op <= OpIfAcmpne) || op == OpIfnull || op == OpIfnonnull
}

// IsTerminator reports whether control never falls through to the next
// instruction.
func (op Opcode) IsTerminator() bool {
	switch op {
	case OpGoto, OpGotoW, OpTableswitch, OpLookupswitch, OpAthrow, OpRet,
		OpIreturn, OpLreturn, OpFreturn, OpDreturn, OpAreturn, OpReturn:
		return true
	}
	return false
}

// IsStore reports whether op writes a local variable slot. Used to split
// basic blocks inside exception handler ranges, so that a block's input
// locals stay valid at every instruction of the block that can throw.
func (op Opcode) IsStore() bool {
	return op >= OpIstore && op <= OpAstore3
}
