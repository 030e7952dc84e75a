// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pickle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Encoder writes values in pickle protocol 2, the format used by torch.save.
//
// It accepts the same Go types the Decoder produces, plus Go's int/uint/float types and []any (as a list).
// Values are never memoized: shared values are written multiple times, and cycles are not supported.
type Encoder struct {
	w *bufio.Writer

	// PersistentID, if set, is called for every value before it is encoded. If it returns true, the
	// returned pid is written instead, followed by BINPERSID.
	PersistentID func(v any) (pid any, ok bool)

	// Replace, if set, is called for values of types the Encoder doesn't know about.
	// It should return an equivalent value built with the supported types (typically a Tuple
	// or an *Object with a *Global class).
	Replace func(v any) (any, bool)
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Marshal returns the pickle (protocol 2) of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes the pickle of v, including the protocol header and the STOP opcode.
func (e *Encoder) Encode(v any) error {
	err := exceptions.TryCatch[error](func() {
		e.write(opProto, 2)
		e.encode(v, true)
		e.write(opStop)
	})
	if err != nil {
		return errors.WithMessage(err, "pickle.Encode")
	}
	return errors.Wrap(e.w.Flush(), "pickle.Encode")
}

func (e *Encoder) write(data ...byte) {
	if _, err := e.w.Write(data); err != nil {
		panic(errors.Wrap(err, "writing pickle"))
	}
}

func (e *Encoder) writeString(s string) {
	if _, err := e.w.WriteString(s); err != nil {
		panic(errors.Wrap(err, "writing pickle"))
	}
}

func (e *Encoder) encode(v any, checkPersistent bool) {
	if checkPersistent && e.PersistentID != nil {
		if pid, ok := e.PersistentID(v); ok {
			e.encode(pid, false)
			e.write(opBinPersID)
			return
		}
	}

	switch x := v.(type) {
	case nil:
		e.write(opNone)
	case bool:
		if x {
			e.write(opNewTrue)
		} else {
			e.write(opNewFalse)
		}
	case int:
		e.encodeInt(int64(x))
	case int8:
		e.encodeInt(int64(x))
	case int16:
		e.encodeInt(int64(x))
	case int32:
		e.encodeInt(int64(x))
	case int64:
		e.encodeInt(x)
	case uint8:
		e.encodeInt(int64(x))
	case uint16:
		e.encodeInt(int64(x))
	case uint32:
		e.encodeInt(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			e.encodeBigInt(new(big.Int).SetUint64(x))
		} else {
			e.encodeInt(int64(x))
		}
	case *big.Int:
		e.encodeBigInt(x)
	case float32:
		e.encodeFloat(float64(x))
	case float64:
		e.encodeFloat(x)
	case string:
		e.encodeString(x)
	case []byte:
		e.encodeBytes(x)
	case Tuple:
		e.encodeTuple(x)
	case []any:
		e.encodeList(x)
	case *List:
		e.encodeList(x.Items)
	case *Dict:
		e.encodeDict(x)
	case *Set:
		name := "set"
		if x.Frozen {
			name = "frozenset"
		}
		e.encodeGlobal("__builtin__", name)
		e.encodeTuple(Tuple{&List{Items: x.Items}})
		e.write(opReduce)
	case *Global:
		e.encodeGlobal(x.Module, x.Name)
	case *Object:
		e.encode(x.Class, true)
		e.encodeTuple(x.Args)
		e.write(opReduce)
		if len(x.ListItems) > 0 {
			e.encodeAppends(x.ListItems)
		}
		if x.DictItems.Len() > 0 {
			e.encodeSetItems(x.DictItems)
		}
		if x.State != nil {
			e.encode(x.State, true)
			e.write(opBuild)
		}
	default:
		if e.Replace != nil {
			if replacement, ok := e.Replace(v); ok {
				e.encode(replacement, false)
				return
			}
		}
		exceptions.Panicf("pickle: cannot encode value of type %T", v)
	}
}

func (e *Encoder) encodeInt(v int64) {
	switch {
	case v >= 0 && v <= 0xFF:
		e.write(opBinInt1, byte(v))
	case v >= 0 && v <= 0xFFFF:
		e.write(opBinInt2, byte(v), byte(v>>8))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		e.write(opBinInt)
		e.write(binary.LittleEndian.AppendUint32(nil, uint32(int32(v)))...)
	default:
		e.encodeBigInt(big.NewInt(v))
	}
}

// encodeBigInt writes LONG1/LONG4 with the minimal little-endian two's complement representation.
func (e *Encoder) encodeBigInt(x *big.Int) {
	data := encodeLong(x)
	if len(data) < 256 {
		e.write(opLong1, byte(len(data)))
	} else {
		e.write(opLong4)
		e.write(binary.LittleEndian.AppendUint32(nil, uint32(len(data)))...)
	}
	e.write(data...)
}

func encodeLong(x *big.Int) []byte {
	if x.Sign() == 0 {
		return nil
	}
	// Number of bytes needed, including the sign bit.
	var n int
	if x.Sign() > 0 {
		n = x.BitLen()/8 + 1
	} else {
		// -2^(8k-1) fits in k bytes.
		abs := new(big.Int).Neg(x)
		abs.Sub(abs, big.NewInt(1))
		n = abs.BitLen()/8 + 1
	}
	twos := new(big.Int).Set(x)
	if x.Sign() < 0 {
		twos.Add(twos, new(big.Int).Lsh(big.NewInt(1), uint(8*n)))
	}
	be := twos.FillBytes(make([]byte, n))
	le := make([]byte, n)
	for i, b := range be {
		le[n-1-i] = b
	}
	return le
}

func (e *Encoder) encodeFloat(v float64) {
	e.write(opBinFloat)
	e.write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v))...)
}

func (e *Encoder) encodeString(s string) {
	e.write(opBinUnicode)
	e.write(binary.LittleEndian.AppendUint32(nil, uint32(len(s)))...)
	e.writeString(s)
}

// encodeBytes uses the protocol 2 idiom: `_codecs.encode(<latin-1 str>, 'latin1')`.
func (e *Encoder) encodeBytes(data []byte) {
	if len(data) == 0 {
		e.encodeGlobal("__builtin__", "bytes")
		e.write(opEmptyTuple, opReduce)
		return
	}
	var sb strings.Builder
	for _, b := range data {
		sb.WriteRune(rune(b))
	}
	e.encodeGlobal("_codecs", "encode")
	e.encodeString(sb.String())
	e.encodeString("latin1")
	e.write(opTuple2, opReduce)
}

func (e *Encoder) encodeGlobal(module, name string) {
	e.write(opGlobal)
	e.writeString(fmt.Sprintf("%s\n%s\n", module, name))
}

func (e *Encoder) encodeTuple(t Tuple) {
	switch len(t) {
	case 0:
		e.write(opEmptyTuple)
		return
	case 1, 2, 3:
		for _, item := range t {
			e.encode(item, true)
		}
		e.write(opTuple1 + byte(len(t)-1))
		return
	}
	e.write(opMark)
	for _, item := range t {
		e.encode(item, true)
	}
	e.write(opTuple)
}

func (e *Encoder) encodeList(items []any) {
	e.write(opEmptyList)
	if len(items) > 0 {
		e.encodeAppends(items)
	}
}

func (e *Encoder) encodeAppends(items []any) {
	e.write(opMark)
	for _, item := range items {
		e.encode(item, true)
	}
	e.write(opAppends)
}

func (e *Encoder) encodeDict(d *Dict) {
	if d.Ordered {
		e.encodeGlobal("collections", "OrderedDict")
		e.write(opEmptyTuple, opReduce)
	} else {
		e.write(opEmptyDict)
	}
	if d.Len() > 0 {
		e.encodeSetItems(d)
	}
	if d.State != nil {
		e.encode(d.State, true)
		e.write(opBuild)
	}
}

func (e *Encoder) encodeSetItems(d *Dict) {
	e.write(opMark)
	for k, v := range d.All() {
		e.encode(k, true)
		e.encode(v, true)
	}
	e.write(opSetItems)
}
