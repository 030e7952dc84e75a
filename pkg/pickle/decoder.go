// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pickle implements a decoder for Python's pickle serialization format (protocols 0 to 5)
// and an encoder for the subset of protocol 2 needed to write PyTorch checkpoints.
//
// The decoder doesn't execute any code: references to Python classes and functions are resolved
// to Go values registered with Decoder.FindClass (or a few built-in ones, like collections.OrderedDict),
// and anything else is decoded as a generic *Object that records its class and arguments.
// See types.go for the mapping of Python types to Go types.
package pickle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// maxDataLength limits the length of strings and byte blobs read from the stream, to avoid
// allocating absurd amounts of memory on corrupted files.
const maxDataLength = 1 << 34

// Decoder reads pickled values from a stream.
//
// The same Decoder can be used to read several consecutive pickles from the stream, calling Decode for each.
type Decoder struct {
	r *bufio.Reader

	// FindClass, if set, is consulted first when resolving a `module.name` reference (GLOBAL and STACK_GLOBAL opcodes).
	// It should return the value representing it (usually a Callable) and true, or false to fall back to
	// the default resolution.
	FindClass func(module, name string) (any, bool)

	// PersistentLoad, if set, resolves persistent ids (PERSID and BINPERSID opcodes).
	// Without it, persistent ids are an error.
	PersistentLoad func(pid any) (any, error)

	proto     int
	stack     []any
	metaStack [][]any
	memo      map[int]any
}

// NewDecoder returns a Decoder reading from r.
//
// If r is a *bufio.Reader it is used directly, and no bytes past the end of the pickle are consumed from it by Decode.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br}
}

// Unmarshal decodes the pickled value in data.
func Unmarshal(data []byte) (any, error) {
	return NewDecoder(bytes.NewReader(data)).Decode()
}

// Decode reads the next pickled value from the stream.
func (d *Decoder) Decode() (value any, err error) {
	d.stack = nil
	d.metaStack = nil
	d.memo = make(map[int]any)
	err = exceptions.TryCatch[error](func() { value = d.run() })
	if err != nil {
		return nil, errors.WithMessage(err, "pickle.Decode")
	}
	return value, nil
}

func (d *Decoder) run() any {
	for {
		op := d.readByte()
		switch op {
		case opProto:
			d.proto = int(d.readByte())
			if d.proto > HighestProtocol {
				exceptions.Panicf("unsupported pickle protocol %d", d.proto)
			}
		case opFrame:
			_ = d.readN(8)
		case opStop:
			if len(d.metaStack) > 0 {
				exceptions.Panicf("STOP reached with unclosed MARK")
			}
			return d.pop()

		// Stack manipulation.
		case opMark:
			d.metaStack = append(d.metaStack, d.stack)
			d.stack = nil
		case opPop:
			if len(d.stack) == 0 {
				d.popMark()
			} else {
				d.pop()
			}
		case opPopMark:
			d.popMark()
		case opDup:
			d.push(d.top())

		// Memo.
		case opPut:
			d.memo[d.readDecimal()] = d.top()
		case opBinPut:
			d.memo[int(d.readByte())] = d.top()
		case opLongBinPut:
			d.memo[int(d.readUint32())] = d.top()
		case opMemoize:
			d.memo[len(d.memo)] = d.top()
		case opGet:
			d.push(d.memoGet(d.readDecimal()))
		case opBinGet:
			d.push(d.memoGet(int(d.readByte())))
		case opLongBinGet:
			d.push(d.memoGet(int(d.readUint32())))

		// Constants.
		case opNone:
			d.push(nil)
		case opNewTrue:
			d.push(true)
		case opNewFalse:
			d.push(false)

		// Numbers.
		case opInt:
			line := d.readLine()
			switch line {
			case "00":
				d.push(false)
			case "01":
				d.push(true)
			default:
				d.push(parseInt(line))
			}
		case opLong:
			d.push(parseInt(strings.TrimSuffix(d.readLine(), "L")))
		case opBinInt:
			d.push(int64(int32(d.readUint32())))
		case opBinInt1:
			d.push(int64(d.readByte()))
		case opBinInt2:
			d.push(int64(binary.LittleEndian.Uint16(d.readN(2))))
		case opLong1:
			d.push(decodeLong(d.readN(int(d.readByte()))))
		case opLong4:
			n := int32(d.readUint32())
			if n < 0 {
				exceptions.Panicf("LONG4 with negative length %d", n)
			}
			d.push(decodeLong(d.readN(int(n))))
		case opFloat:
			f, err := strconv.ParseFloat(d.readLine(), 64)
			if err != nil {
				panic(errors.Wrap(err, "FLOAT opcode"))
			}
			d.push(f)
		case opBinFloat:
			d.push(math.Float64frombits(binary.BigEndian.Uint64(d.readN(8))))

		// Strings and bytes.
		case opString:
			d.push(unquoteString(d.readLine()))
		case opBinString:
			n := int32(d.readUint32())
			if n < 0 {
				exceptions.Panicf("BINSTRING with negative length %d", n)
			}
			d.push(string(d.readN(int(n))))
		case opShortBinString:
			d.push(string(d.readN(int(d.readByte()))))
		case opUnicode:
			d.push(decodeRawUnicodeEscape(d.readLine()))
		case opBinUnicode:
			d.push(d.readUTF8(int(d.readUint32())))
		case opShortBinUnicode:
			d.push(d.readUTF8(int(d.readByte())))
		case opBinUnicode8:
			d.push(d.readUTF8(d.readLength64()))
		case opBinBytes:
			d.push(d.readN(int(d.readUint32())))
		case opShortBinBytes:
			d.push(d.readN(int(d.readByte())))
		case opBinBytes8, opByteArray8:
			d.push(d.readN(d.readLength64()))
		case opNextBuffer:
			exceptions.Panicf("out-of-band buffers (NEXT_BUFFER) are not supported")
		case opReadOnlyBuffer:
			// No-op: buffers are never shared with Go.

		// Tuples.
		case opEmptyTuple:
			d.push(Tuple{})
		case opTuple:
			d.push(Tuple(d.popMark()))
		case opTuple1:
			v := d.pop()
			d.push(Tuple{v})
		case opTuple2:
			v2, v1 := d.pop(), d.pop()
			d.push(Tuple{v1, v2})
		case opTuple3:
			v3, v2, v1 := d.pop(), d.pop(), d.pop()
			d.push(Tuple{v1, v2, v3})

		// Lists.
		case opEmptyList:
			d.push(&List{})
		case opList:
			d.push(&List{Items: d.popMark()})
		case opAppend:
			v := d.pop()
			d.appendItems(d.top(), []any{v})
		case opAppends:
			items := d.popMark()
			d.appendItems(d.top(), items)

		// Dicts.
		case opEmptyDict:
			d.push(NewDict())
		case opDict:
			dict := NewDict()
			d.setItems(dict, d.popMark())
			d.push(dict)
		case opSetItem:
			v, k := d.pop(), d.pop()
			d.setItems(d.top(), []any{k, v})
		case opSetItems:
			items := d.popMark()
			d.setItems(d.top(), items)

		// Sets.
		case opEmptySet:
			d.push(&Set{})
		case opAddItems:
			items := d.popMark()
			set, ok := d.top().(*Set)
			if !ok {
				exceptions.Panicf("ADDITEMS to %T, expected a set", d.top())
			}
			set.Items = append(set.Items, items...)
		case opFrozenSet:
			d.push(&Set{Items: d.popMark(), Frozen: true})

		// Classes, functions and objects.
		case opGlobal:
			module := d.readLine()
			name := d.readLine()
			d.push(d.findClass(module, name))
		case opStackGlobal:
			name, nameOk := d.pop().(string)
			module, moduleOk := d.pop().(string)
			if !nameOk || !moduleOk {
				exceptions.Panicf("STACK_GLOBAL requires module and name strings")
			}
			d.push(d.findClass(module, name))
		case opReduce:
			args := d.popTuple("REDUCE")
			fn := d.pop()
			d.push(d.call(fn, args))
		case opNewObj:
			args := d.popTuple("NEWOBJ")
			cls := d.pop()
			d.push(d.call(cls, args))
		case opNewObjEx:
			_ = d.pop() // kwargs
			args := d.popTuple("NEWOBJ_EX")
			cls := d.pop()
			d.push(d.call(cls, args))
		case opInst:
			module := d.readLine()
			name := d.readLine()
			args := Tuple(d.popMark())
			d.push(d.call(d.findClass(module, name), args))
		case opObj:
			items := d.popMark()
			if len(items) == 0 {
				exceptions.Panicf("OBJ with empty MARK")
			}
			d.push(d.call(items[0], Tuple(items[1:])))
		case opBuild:
			state := d.pop()
			d.build(d.top(), state)
		case opPersID:
			d.push(d.persistentLoad(d.readLine()))
		case opBinPersID:
			d.push(d.persistentLoad(d.pop()))
		case opExt1, opExt2, opExt4:
			exceptions.Panicf("extension registry opcodes (EXT*) are not supported")

		default:
			exceptions.Panicf("unknown pickle opcode 0x%02x", op)
		}
	}
}

func (d *Decoder) push(v any) {
	d.stack = append(d.stack, v)
}

func (d *Decoder) pop() any {
	if len(d.stack) == 0 {
		exceptions.Panicf("pickle stack underflow")
	}
	v := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return v
}

func (d *Decoder) top() any {
	if len(d.stack) == 0 {
		exceptions.Panicf("pickle stack underflow")
	}
	return d.stack[len(d.stack)-1]
}

// popMark returns the items pushed since the last MARK, and restores the stack from before it.
func (d *Decoder) popMark() []any {
	if len(d.metaStack) == 0 {
		exceptions.Panicf("MARK not found")
	}
	items := d.stack
	d.stack = d.metaStack[len(d.metaStack)-1]
	d.metaStack = d.metaStack[:len(d.metaStack)-1]
	return items
}

func (d *Decoder) popTuple(opName string) Tuple {
	v := d.pop()
	args, ok := v.(Tuple)
	if !ok {
		exceptions.Panicf("%s expects arguments as a tuple, got %T", opName, v)
	}
	return args
}

func (d *Decoder) memoGet(idx int) any {
	v, found := d.memo[idx]
	if !found {
		exceptions.Panicf("memo key %d not found", idx)
	}
	return v
}

func (d *Decoder) appendItems(target any, items []any) {
	switch t := target.(type) {
	case *List:
		t.Items = append(t.Items, items...)
	case *Object:
		t.ListItems = append(t.ListItems, items...)
	default:
		exceptions.Panicf("APPEND to %T, expected a list", target)
	}
}

func (d *Decoder) setItems(target any, items []any) {
	if len(items)%2 != 0 {
		exceptions.Panicf("odd number of items (%d) for SETITEMS", len(items))
	}
	var dict *Dict
	switch t := target.(type) {
	case *Dict:
		dict = t
	case *Object:
		if t.DictItems == nil {
			t.DictItems = NewDict()
		}
		dict = t.DictItems
	default:
		exceptions.Panicf("SETITEM on %T, expected a dict", target)
	}
	for ii := 0; ii < len(items); ii += 2 {
		dict.Set(items[ii], items[ii+1])
	}
}

func (d *Decoder) findClass(module, name string) any {
	if d.FindClass != nil {
		if v, ok := d.FindClass(module, name); ok {
			return v
		}
	}
	if v, ok := builtinClasses[module+"."+name]; ok {
		return v
	}
	return &Global{Module: module, Name: name}
}

func (d *Decoder) call(fn any, args Tuple) any {
	callable, ok := fn.(Callable)
	if !ok {
		return &Object{Class: fn, Args: args}
	}
	v, err := callable.Call(args)
	if err != nil {
		panic(errors.WithMessagef(err, "failed to build %v", fn))
	}
	return v
}

func (d *Decoder) build(obj, state any) {
	switch o := obj.(type) {
	case StateSetter:
		if err := o.SetState(state); err != nil {
			panic(errors.WithMessagef(err, "BUILD on %T", obj))
		}
	case *Object:
		o.State = state
	case *Dict:
		o.State = state
	default:
		klog.V(2).Infof("pickle: ignoring BUILD state for %T", obj)
	}
}

func (d *Decoder) persistentLoad(pid any) any {
	if d.PersistentLoad == nil {
		exceptions.Panicf("persistent id %v found, but no PersistentLoad set", pid)
	}
	v, err := d.PersistentLoad(pid)
	if err != nil {
		panic(errors.WithMessagef(err, "persistent load of %v", pid))
	}
	return v
}

// Reading primitives: they panic on errors, caught by Decode.

func (d *Decoder) readByte() byte {
	b, err := d.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		panic(errors.Wrap(err, "reading pickle stream"))
	}
	return b
}

func (d *Decoder) readN(n int) []byte {
	if n < 0 || n > maxDataLength {
		exceptions.Panicf("invalid data length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		panic(errors.Wrapf(err, "reading %d bytes from pickle stream", n))
	}
	return buf
}

func (d *Decoder) readUint32() uint32 {
	return binary.LittleEndian.Uint32(d.readN(4))
}

func (d *Decoder) readLength64() int {
	n := binary.LittleEndian.Uint64(d.readN(8))
	if n > maxDataLength {
		exceptions.Panicf("invalid data length %d", n)
	}
	return int(n)
}

func (d *Decoder) readUTF8(n int) string {
	data := d.readN(n)
	if !utf8.Valid(data) {
		exceptions.Panicf("invalid UTF-8 string in pickle stream")
	}
	return string(data)
}

func (d *Decoder) readLine() string {
	line, err := d.r.ReadString('\n')
	if err != nil {
		panic(errors.Wrap(err, "reading line from pickle stream"))
	}
	return strings.TrimSuffix(line[:len(line)-1], "\r")
}

func (d *Decoder) readDecimal() int {
	line := d.readLine()
	v, err := strconv.Atoi(line)
	if err != nil {
		panic(errors.Wrapf(err, "invalid memo index %q", line))
	}
	return v
}

// parseInt parses a decimal integer, returning an int64 if it fits, or a *big.Int otherwise.
func parseInt(s string) any {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		exceptions.Panicf("invalid integer %q", s)
	}
	return x
}

// decodeLong decodes a little-endian two's complement integer.
func decodeLong(data []byte) any {
	n := len(data)
	if n == 0 {
		return int64(0)
	}
	if n <= 8 {
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(data[i])
		}
		shift := uint(64 - 8*n)
		return int64(v<<shift) >> shift
	}
	be := make([]byte, n)
	for i, b := range data {
		be[n-1-i] = b
	}
	x := new(big.Int).SetBytes(be)
	if data[n-1]&0x80 != 0 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(8*n)))
	}
	return x
}

// unquoteString decodes the Python repr of a string, as written by the STRING opcode.
func unquoteString(s string) string {
	if len(s) < 2 || (s[0] != '\'' && s[0] != '"') || s[len(s)-1] != s[0] {
		exceptions.Panicf("STRING opcode argument must be quoted, got %q", s)
	}
	s = s[1 : len(s)-1]
	var sb strings.Builder
	for ii := 0; ii < len(s); ii++ {
		c := s[ii]
		if c != '\\' || ii+1 >= len(s) {
			sb.WriteByte(c)
			continue
		}
		ii++
		switch s[ii] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '\'', '"':
			sb.WriteByte(s[ii])
		case 'x':
			if ii+2 < len(s) {
				if v, err := strconv.ParseUint(s[ii+1:ii+3], 16, 8); err == nil {
					sb.WriteByte(byte(v))
					ii += 2
					continue
				}
			}
			sb.WriteString(`\x`)
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[ii])
		}
	}
	return sb.String()
}

// decodeRawUnicodeEscape decodes Python's "raw-unicode-escape" encoding used by the UNICODE opcode:
// only \uXXXX and \UXXXXXXXX are escapes, other bytes are Latin-1 characters.
func decodeRawUnicodeEscape(s string) string {
	var sb strings.Builder
	for ii := 0; ii < len(s); ii++ {
		if s[ii] == '\\' && ii+1 < len(s) && (s[ii+1] == 'u' || s[ii+1] == 'U') {
			width := 4
			if s[ii+1] == 'U' {
				width = 8
			}
			if ii+2+width <= len(s) {
				if v, err := strconv.ParseUint(s[ii+2:ii+2+width], 16, 32); err == nil {
					sb.WriteRune(rune(v))
					ii += 1 + width
					continue
				}
			}
		}
		sb.WriteRune(rune(s[ii]))
	}
	return sb.String()
}
