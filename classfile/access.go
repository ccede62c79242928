package classfile

// Method and class access flags (the subset the analysis cares about).
const (
	AccPublic    uint32 = 0x0001
	AccPrivate   uint32 = 0x0002
	AccProtected uint32 = 0x0004
	AccStatic    uint32 = 0x0008
	AccFinal     uint32 = 0x0010
	AccSuper     uint32 = 0x0020
	AccAbstract  uint32 = 0x0400
	AccSynthetic uint32 = 0x1000
)
