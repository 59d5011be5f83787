// Package pickle decodes the pickle opcode stream into positioned events
// without resolving or executing anything the stream references.
package pickle

// Opcode is one instruction byte of the pickle format
type Opcode byte

// Protocol 0 and 1
const (
	OpMark           Opcode = '('
	OpStop           Opcode = '.'
	OpPop            Opcode = '0'
	OpPopMark        Opcode = '1'
	OpDup            Opcode = '2'
	OpFloat          Opcode = 'F'
	OpInt            Opcode = 'I'
	OpBinint         Opcode = 'J'
	OpBinint1        Opcode = 'K'
	OpLong           Opcode = 'L'
	OpBinint2        Opcode = 'M'
	OpNone           Opcode = 'N'
	OpPersid         Opcode = 'P'
	OpBinpersid      Opcode = 'Q'
	OpReduce         Opcode = 'R'
	OpString         Opcode = 'S'
	OpBinstring      Opcode = 'T'
	OpShortBinstring Opcode = 'U'
	OpUnicode        Opcode = 'V'
	OpBinunicode     Opcode = 'X'
	OpAppend         Opcode = 'a'
	OpBuild          Opcode = 'b'
	OpGlobal         Opcode = 'c'
	OpDict           Opcode = 'd'
	OpEmptyDict      Opcode = '}'
	OpAppends        Opcode = 'e'
	OpGet            Opcode = 'g'
	OpBinget         Opcode = 'h'
	OpInst           Opcode = 'i'
	OpLongBinget     Opcode = 'j'
	OpList           Opcode = 'l'
	OpEmptyList      Opcode = ']'
	OpObj            Opcode = 'o'
	OpPut            Opcode = 'p'
	OpBinput         Opcode = 'q'
	OpLongBinput     Opcode = 'r'
	OpSetitem        Opcode = 's'
	OpTuple          Opcode = 't'
	OpEmptyTuple     Opcode = ')'
	OpSetitems       Opcode = 'u'
	OpBinfloat       Opcode = 'G'
)

// Protocol 2
const (
	OpProto    Opcode = 0x80
	OpNewobj   Opcode = 0x81
	OpExt1     Opcode = 0x82
	OpExt2     Opcode = 0x83
	OpExt4     Opcode = 0x84
	OpTuple1   Opcode = 0x85
	OpTuple2   Opcode = 0x86
	OpTuple3   Opcode = 0x87
	OpNewtrue  Opcode = 0x88
	OpNewfalse Opcode = 0x89
	OpLong1    Opcode = 0x8a
	OpLong4    Opcode = 0x8b
)

// Protocol 3, 4 and 5
const (
	OpBinbytes        Opcode = 'B'
	OpShortBinbytes   Opcode = 'C'
	OpShortBinunicode Opcode = 0x8c
	OpBinunicode8     Opcode = 0x8d
	OpBinbytes8       Opcode = 0x8e
	OpEmptySet        Opcode = 0x8f
	OpAdditems        Opcode = 0x90
	OpFrozenset       Opcode = 0x91
	OpNewobjEx        Opcode = 0x92
	OpStackGlobal     Opcode = 0x93
	OpMemoize         Opcode = 0x94
	OpFrame           Opcode = 0x95
	OpBytearray8      Opcode = 0x96
	OpNextBuffer      Opcode = 0x97
	OpReadonlyBuffer  Opcode = 0x98
)

// Kind is the safety-relevant class of an opcode
type Kind int

const (
	// KindStructural covers containers, primitives and memo handling
	KindStructural Kind = iota
	// KindImportReference names a callable by module and symbol
	KindImportReference
	// KindInvoke calls a previously resolved callable
	KindInvoke
)

func (k Kind) String() string {
	switch k {
	case KindImportReference:
		return "import_reference"
	case KindInvoke:
		return "invoke"
	default:
		return "structural"
	}
}

// argEncoding describes how an opcode's operand is laid out in the stream
type argEncoding int

const (
	argNone argEncoding = iota
	argUint1
	argUint2
	argInt4
	argUint4
	argUint8
	argFloat8
	argDecimalLine // OpInt, OpGet, OpPut
	argLongLine    // OpLong
	argFloatLine   // OpFloat
	argStringLine  // OpString, quoted repr
	argRawLine     // OpPersid, OpUnicode
	argLinePair    // OpGlobal, OpInst
	argLong1
	argLong4
	argString1
	argString4
	argBytes1
	argBytes4
	argBytes8
	argUnicode1
	argUnicode4
	argUnicode8
)

type opcodeInfo struct {
	name    string
	arg     argEncoding
	proto   int
	imports bool
	invokes bool
}

var opcodeTable = map[Opcode]opcodeInfo{
	OpMark:            {"MARK", argNone, 0, false, false},
	OpStop:            {"STOP", argNone, 0, false, false},
	OpPop:             {"POP", argNone, 0, false, false},
	OpPopMark:         {"POP_MARK", argNone, 1, false, false},
	OpDup:             {"DUP", argNone, 0, false, false},
	OpFloat:           {"FLOAT", argFloatLine, 0, false, false},
	OpInt:             {"INT", argDecimalLine, 0, false, false},
	OpBinint:          {"BININT", argInt4, 1, false, false},
	OpBinint1:         {"BININT1", argUint1, 1, false, false},
	OpLong:            {"LONG", argLongLine, 0, false, false},
	OpBinint2:         {"BININT2", argUint2, 1, false, false},
	OpNone:            {"NONE", argNone, 0, false, false},
	OpPersid:          {"PERSID", argRawLine, 0, false, false},
	OpBinpersid:       {"BINPERSID", argNone, 1, false, false},
	OpReduce:          {"REDUCE", argNone, 0, false, true},
	OpString:          {"STRING", argStringLine, 0, false, false},
	OpBinstring:       {"BINSTRING", argString4, 1, false, false},
	OpShortBinstring:  {"SHORT_BINSTRING", argString1, 1, false, false},
	OpUnicode:         {"UNICODE", argRawLine, 0, false, false},
	OpBinunicode:      {"BINUNICODE", argUnicode4, 1, false, false},
	OpAppend:          {"APPEND", argNone, 0, false, false},
	OpBuild:           {"BUILD", argNone, 0, false, false},
	OpGlobal:          {"GLOBAL", argLinePair, 0, true, false},
	OpDict:            {"DICT", argNone, 0, false, false},
	OpEmptyDict:       {"EMPTY_DICT", argNone, 1, false, false},
	OpAppends:         {"APPENDS", argNone, 1, false, false},
	OpGet:             {"GET", argDecimalLine, 0, false, false},
	OpBinget:          {"BINGET", argUint1, 1, false, false},
	OpInst:            {"INST", argLinePair, 0, true, true},
	OpLongBinget:      {"LONG_BINGET", argUint4, 1, false, false},
	OpList:            {"LIST", argNone, 0, false, false},
	OpEmptyList:       {"EMPTY_LIST", argNone, 1, false, false},
	OpObj:             {"OBJ", argNone, 1, false, true},
	OpPut:             {"PUT", argDecimalLine, 0, false, false},
	OpBinput:          {"BINPUT", argUint1, 1, false, false},
	OpLongBinput:      {"LONG_BINPUT", argUint4, 1, false, false},
	OpSetitem:         {"SETITEM", argNone, 0, false, false},
	OpTuple:           {"TUPLE", argNone, 0, false, false},
	OpEmptyTuple:      {"EMPTY_TUPLE", argNone, 1, false, false},
	OpSetitems:        {"SETITEMS", argNone, 1, false, false},
	OpBinfloat:        {"BINFLOAT", argFloat8, 1, false, false},
	OpProto:           {"PROTO", argUint1, 2, false, false},
	OpNewobj:          {"NEWOBJ", argNone, 2, false, true},
	OpExt1:            {"EXT1", argUint1, 2, false, false},
	OpExt2:            {"EXT2", argUint2, 2, false, false},
	OpExt4:            {"EXT4", argInt4, 2, false, false},
	OpTuple1:          {"TUPLE1", argNone, 2, false, false},
	OpTuple2:          {"TUPLE2", argNone, 2, false, false},
	OpTuple3:          {"TUPLE3", argNone, 2, false, false},
	OpNewtrue:         {"NEWTRUE", argNone, 2, false, false},
	OpNewfalse:        {"NEWFALSE", argNone, 2, false, false},
	OpLong1:           {"LONG1", argLong1, 2, false, false},
	OpLong4:           {"LONG4", argLong4, 2, false, false},
	OpBinbytes:        {"BINBYTES", argBytes4, 3, false, false},
	OpShortBinbytes:   {"SHORT_BINBYTES", argBytes1, 3, false, false},
	OpShortBinunicode: {"SHORT_BINUNICODE", argUnicode1, 4, false, false},
	OpBinunicode8:     {"BINUNICODE8", argUnicode8, 4, false, false},
	OpBinbytes8:       {"BINBYTES8", argBytes8, 4, false, false},
	OpEmptySet:        {"EMPTY_SET", argNone, 4, false, false},
	OpAdditems:        {"ADDITEMS", argNone, 4, false, false},
	OpFrozenset:       {"FROZENSET", argNone, 4, false, false},
	OpNewobjEx:        {"NEWOBJ_EX", argNone, 4, false, true},
	OpStackGlobal:     {"STACK_GLOBAL", argNone, 4, true, false},
	OpMemoize:         {"MEMOIZE", argNone, 4, false, false},
	OpFrame:           {"FRAME", argUint8, 4, false, false},
	OpBytearray8:      {"BYTEARRAY8", argBytes8, 5, false, false},
	OpNextBuffer:      {"NEXT_BUFFER", argNone, 5, false, false},
	OpReadonlyBuffer:  {"READONLY_BUFFER", argNone, 5, false, false},
}

// Valid reports whether the byte is a known opcode
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String returns the pickletools name of the opcode
func (op Opcode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.name
	}
	return "UNKNOWN"
}

// Protocol returns the lowest pickle protocol that introduced the opcode
func (op Opcode) Protocol() int {
	return opcodeTable[op].proto
}

// Kind returns the safety class. OpInst both imports and invokes; it is
// reported as an import reference and Invokes() returns true.
func (op Opcode) Kind() Kind {
	info := opcodeTable[op]
	switch {
	case info.imports:
		return KindImportReference
	case info.invokes:
		return KindInvoke
	default:
		return KindStructural
	}
}

// Invokes reports whether the opcode calls a callable during reconstruction
func (op Opcode) Invokes() bool {
	return opcodeTable[op].invokes
}
