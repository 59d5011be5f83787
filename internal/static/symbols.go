package static

import (
	"strings"

	"github.com/Dylan-Ki/VeriModel/internal/pickle"
)

// UnknownSymbol stands for an import whose target could not be recovered
const UnknownSymbol = "?"

// moduleAliases maps platform and python2 module names onto the names the
// taxonomy is written against
var moduleAliases = map[string]string{
	"posix":       "os",
	"nt":          "os",
	"__builtin__": "builtins",
	"exceptions":  "builtins",
	"_subprocess": "subprocess",
}

// Normalize joins module and name into module.symbol with aliases applied
func Normalize(module, name string) string {
	module = strings.TrimSpace(module)
	name = strings.TrimSpace(name)
	if module == "" || name == "" {
		return UnknownSymbol
	}
	if alias, ok := moduleAliases[module]; ok {
		module = alias
	} else if head, rest, found := strings.Cut(module, "."); found {
		if alias, ok := moduleAliases[head]; ok {
			module = alias + "." + rest
		}
	}
	return module + "." + name
}

// operand is what the resolver knows about one stack slot: a string
// constant or nothing at all
type operand struct {
	text  string
	known bool
}

// resolver recovers the callable named by import references. STACK_GLOBAL
// takes module and name from the stack, so the resolver keeps a symbolic
// copy of the pickle machine's stack, marks and memo. Only string constants
// are tracked; every other value is an opaque slot.
type resolver struct {
	stack []operand
	marks []int
	memo  map[int64]operand
}

func newResolver() *resolver {
	return &resolver{memo: make(map[int64]operand)}
}

// observe applies the stack effect of ev and returns the resolved symbol for
// import references
func (r *resolver) observe(ev pickle.Event) (string, bool) {
	switch ev.Op {
	case pickle.OpGlobal:
		r.push(operand{})
		return globalSymbol(ev), true

	case pickle.OpInst:
		r.popMark()
		r.push(operand{})
		return globalSymbol(ev), true

	case pickle.OpStackGlobal:
		name := r.pop()
		module := r.pop()
		r.push(operand{})
		if !module.known || !name.known {
			return UnknownSymbol, true
		}
		return Normalize(module.text, name.text), true

	case pickle.OpShortBinunicode, pickle.OpBinunicode, pickle.OpBinunicode8, pickle.OpUnicode,
		pickle.OpString, pickle.OpBinstring, pickle.OpShortBinstring:
		s, ok := ev.StringArg()
		r.push(operand{text: s, known: ok})

	case pickle.OpMark:
		r.marks = append(r.marks, len(r.stack))
	case pickle.OpPop:
		if len(r.marks) > 0 && len(r.stack) == r.marks[len(r.marks)-1] {
			// an empty frame pops its mark
			r.marks = r.marks[:len(r.marks)-1]
		} else {
			r.pop()
		}
	case pickle.OpPopMark:
		r.popMark()
	case pickle.OpDup:
		top := r.pop()
		r.push(top)
		r.push(top)

	case pickle.OpPut, pickle.OpBinput, pickle.OpLongBinput:
		if idx, ok := memoIndex(ev.Arg); ok {
			r.memo[idx] = r.peek()
		}
	case pickle.OpMemoize:
		r.memo[int64(len(r.memo))] = r.peek()
	case pickle.OpGet, pickle.OpBinget, pickle.OpLongBinget:
		idx, _ := memoIndex(ev.Arg)
		r.push(r.memo[idx])

	case pickle.OpProto, pickle.OpFrame, pickle.OpStop:
		// no stack effect

	case pickle.OpDict, pickle.OpList, pickle.OpTuple, pickle.OpFrozenset, pickle.OpObj:
		r.popMark()
		r.push(operand{})
	case pickle.OpAppends, pickle.OpSetitems, pickle.OpAdditems:
		r.popMark()
	case pickle.OpAppend, pickle.OpBuild:
		r.drop(1)
	case pickle.OpSetitem:
		r.drop(2)
	case pickle.OpTuple1, pickle.OpBinpersid, pickle.OpReadonlyBuffer:
		r.replace(1)
	case pickle.OpTuple2, pickle.OpReduce, pickle.OpNewobj:
		r.replace(2)
	case pickle.OpTuple3, pickle.OpNewobjEx:
		r.replace(3)

	default:
		// numbers, bytes, empty containers, extension codes and buffers all
		// push one value
		r.push(operand{})
	}
	return "", false
}

func globalSymbol(ev pickle.Event) string {
	arg, _ := ev.StringArg()
	module, name, ok := strings.Cut(arg, " ")
	if !ok {
		return UnknownSymbol
	}
	return Normalize(module, name)
}

// floor is the lowest stack index the current mark frame may touch
func (r *resolver) floor() int {
	if len(r.marks) == 0 {
		return 0
	}
	return r.marks[len(r.marks)-1]
}

func (r *resolver) push(v operand) {
	r.stack = append(r.stack, v)
}

// pop yields an unknown operand on underflow
func (r *resolver) pop() operand {
	if len(r.stack) <= r.floor() {
		return operand{}
	}
	v := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
	return v
}

func (r *resolver) peek() operand {
	if len(r.stack) <= r.floor() {
		return operand{}
	}
	return r.stack[len(r.stack)-1]
}

func (r *resolver) drop(n int) {
	for i := 0; i < n; i++ {
		r.pop()
	}
}

// replace pops n operands and pushes the opaque result
func (r *resolver) replace(n int) {
	r.drop(n)
	r.push(operand{})
}

func (r *resolver) popMark() {
	if len(r.marks) == 0 {
		r.stack = r.stack[:0]
		return
	}
	r.stack = r.stack[:r.marks[len(r.marks)-1]]
	r.marks = r.marks[:len(r.marks)-1]
}

func memoIndex(arg any) (int64, bool) {
	switch v := arg.(type) {
	case int64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
