package pickle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

var (
	// ErrMalformedStream means not a single opcode could be decoded
	ErrMalformedStream = errors.New("malformed pickle stream")
	// ErrTruncated means decoding stopped before the stream was complete
	ErrTruncated = errors.New("truncated pickle stream")
)

// Status is the decoding outcome of a stream
type Status int

const (
	StatusOK Status = iota
	StatusTruncated
	StatusMalformed
)

func (s Status) String() string {
	switch s {
	case StatusTruncated:
		return "truncated"
	case StatusMalformed:
		return "malformed"
	default:
		return "ok"
	}
}

// Event is one decoded instruction. Arg holds the operand as recorded in the
// stream: nil, string, []byte, int64, float64, bool or *big.Int. Arg of
// GLOBAL and INST is "module symbol".
type Event struct {
	Pos int64
	Op  Opcode
	Arg any
}

// Kind is a shortcut for e.Op.Kind()
func (e Event) Kind() Kind {
	return e.Op.Kind()
}

// StringArg returns the operand when it is textual
func (e Event) StringArg() (string, bool) {
	switch v := e.Arg.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

func (e Event) String() string {
	if e.Arg == nil {
		return fmt.Sprintf("%6d: %s", e.Pos, e.Op)
	}
	return fmt.Sprintf("%6d: %s %v", e.Pos, e.Op, e.Arg)
}

// Decoder walks a pickle byte buffer one opcode at a time. It is restartable
// via Reset and never interprets operands beyond reading them.
type Decoder struct {
	data     []byte
	pos      int
	count    int
	done     bool
	err      error
	trailing int
	lastOp   Opcode
}

// NewDecoder returns a decoder positioned at the start of data
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Reset rewinds the decoder to the beginning of its buffer
func (d *Decoder) Reset() {
	d.pos = 0
	d.count = 0
	d.done = false
	d.err = nil
	d.trailing = 0
	d.lastOp = 0
}

// Next decodes the next event. It returns false once the buffer is
// exhausted or decoding cannot continue; check Err afterwards.
func (d *Decoder) Next() (Event, bool) {
	if d.done {
		return Event{}, false
	}
	if d.pos >= len(d.data) {
		d.finish(nil)
		return Event{}, false
	}

	start := d.pos
	op := Opcode(d.data[d.pos])
	info, ok := opcodeTable[op]
	if !ok {
		if d.count > 0 && d.previousWasStop() {
			// bytes after a complete pickle that are not another pickle
			d.trailing = len(d.data) - d.pos
			d.finish(nil)
			return Event{}, false
		}
		d.finish(fmt.Errorf("unknown opcode 0x%02x at offset %d", byte(op), start))
		return Event{}, false
	}
	d.pos++

	arg, err := d.readArg(info.arg)
	if err != nil {
		d.finish(fmt.Errorf("%s at offset %d: %w", info.name, start, err))
		return Event{}, false
	}

	d.count++
	d.lastOp = op
	if op == OpStop && d.pos >= len(d.data) {
		// the STOP itself is still delivered
		d.finish(nil)
	}
	return Event{Pos: int64(start), Op: op, Arg: arg}, true
}

// Err returns ErrMalformedStream or ErrTruncated (wrapped with detail) when
// decoding did not reach a clean end, nil otherwise
func (d *Decoder) Err() error {
	return d.err
}

// Status classifies Err
func (d *Decoder) Status() Status {
	switch {
	case errors.Is(d.err, ErrMalformedStream):
		return StatusMalformed
	case errors.Is(d.err, ErrTruncated):
		return StatusTruncated
	default:
		return StatusOK
	}
}

// Count returns the number of events produced so far
func (d *Decoder) Count() int {
	return d.count
}

// TrailingBytes returns the number of undecodable bytes that followed a STOP
func (d *Decoder) TrailingBytes() int {
	return d.trailing
}

func (d *Decoder) finish(cause error) {
	d.done = true
	if cause == nil && d.count > 0 && d.lastOp != OpStop && d.trailing == 0 {
		cause = errors.New("end of data before STOP")
	}
	if cause == nil {
		if d.count == 0 {
			d.err = fmt.Errorf("%w: empty input", ErrMalformedStream)
		}
		return
	}
	if d.count == 0 {
		d.err = fmt.Errorf("%w: %v", ErrMalformedStream, cause)
		return
	}
	d.err = fmt.Errorf("%w: %v", ErrTruncated, cause)
}

func (d *Decoder) previousWasStop() bool {
	return d.lastOp == OpStop
}

var errShort = errors.New("operand runs past end of data")

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || n > len(d.data)-d.pos {
		return nil, errShort
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) line() (string, error) {
	i := bytes.IndexByte(d.data[d.pos:], '\n')
	if i < 0 {
		return "", errors.New("missing newline terminator")
	}
	s := string(d.data[d.pos : d.pos+i])
	d.pos += i + 1
	return s, nil
}

func (d *Decoder) length(width int) (int, error) {
	b, err := d.take(width)
	if err != nil {
		return 0, err
	}
	var n uint64
	switch width {
	case 1:
		n = uint64(b[0])
	case 4:
		n = uint64(binary.LittleEndian.Uint32(b))
	case 8:
		n = binary.LittleEndian.Uint64(b)
	}
	if n > uint64(len(d.data)-d.pos) {
		return 0, errShort
	}
	return int(n), nil
}

func (d *Decoder) readArg(enc argEncoding) (any, error) {
	switch enc {
	case argNone:
		return nil, nil
	case argUint1:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return int64(b[0]), nil
	case argUint2:
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint16(b)), nil
	case argInt4:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case argUint4:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint32(b)), nil
	case argUint8:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	case argFloat8:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case argDecimalLine:
		s, err := d.line()
		if err != nil {
			return nil, err
		}
		return parseDecimal(s), nil
	case argLongLine:
		s, err := d.line()
		if err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(strings.TrimSuffix(s, "L"), 10)
		if !ok {
			return s, nil
		}
		return n, nil
	case argFloatLine:
		s, err := d.line()
		if err != nil {
			return nil, err
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
		return s, nil
	case argStringLine:
		s, err := d.line()
		if err != nil {
			return nil, err
		}
		return unquote(s), nil
	case argRawLine:
		return d.line()
	case argLinePair:
		module, err := d.line()
		if err != nil {
			return nil, err
		}
		name, err := d.line()
		if err != nil {
			return nil, err
		}
		return module + " " + name, nil
	case argLong1, argLong4:
		width := 1
		if enc == argLong4 {
			width = 4
		}
		n, err := d.length(width)
		if err != nil {
			return nil, err
		}
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return decodeLong(b), nil
	case argString1, argUnicode1:
		return d.counted(1)
	case argString4, argUnicode4:
		return d.counted(4)
	case argUnicode8:
		return d.counted(8)
	case argBytes1:
		return d.countedBytes(1)
	case argBytes4:
		return d.countedBytes(4)
	case argBytes8:
		return d.countedBytes(8)
	}
	return nil, fmt.Errorf("unhandled operand encoding %d", enc)
}

func (d *Decoder) counted(width int) (any, error) {
	n, err := d.length(width)
	if err != nil {
		return nil, err
	}
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *Decoder) countedBytes(width int) (any, error) {
	n, err := d.length(width)
	if err != nil {
		return nil, err
	}
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// parseDecimal handles protocol 0 INT, where "00" and "01" encode booleans
func parseDecimal(s string) any {
	switch s {
	case "00":
		return false
	case "01":
		return true
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if n, ok := new(big.Int).SetString(s, 10); ok {
		return n
	}
	return s
}

// decodeLong decodes a little-endian two's complement integer
func decodeLong(b []byte) *big.Int {
	n := new(big.Int)
	if len(b) == 0 {
		return n
	}
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	n.SetBytes(be)
	if b[len(b)-1]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return n
}

// unquote strips the repr quotes of a protocol 0 STRING operand, best effort
func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		inner := s[1 : len(s)-1]
		body := inner
		if s[0] == '\'' {
			body = strings.ReplaceAll(body, `\'`, `'`)
			body = strings.ReplaceAll(body, `"`, `\"`)
		}
		if u, err := strconv.Unquote(`"` + body + `"`); err == nil {
			return u
		}
		return inner
	}
	return s
}

// Decode runs a decoder to completion and returns every event together with
// the decoding outcome
func Decode(data []byte) ([]Event, Status, error) {
	d := NewDecoder(data)
	var events []Event
	for {
		ev, ok := d.Next()
		if !ok {
			break
		}
		events = append(events, ev)
	}
	return events, d.Status(), d.Err()
}
