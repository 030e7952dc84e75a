// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pickle

import (
	"bufio"
	"bytes"
	"math"
	"math/big"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeProtocol0(t *testing.T) {
	// pickle.dumps((1, 'ab', [2]), protocol=0)
	v, err := Unmarshal([]byte("(I1\nVab\np0\n(lp1\nI2\natp2\n."))
	require.NoError(t, err)
	tuple, ok := v.(Tuple)
	require.True(t, ok, "got %T", v)
	require.Len(t, tuple, 3)
	assert.Equal(t, int64(1), tuple[0])
	assert.Equal(t, "ab", tuple[1])
	list, ok := tuple[2].(*List)
	require.True(t, ok)
	assert.Equal(t, []any{int64(2)}, list.Items)

	// Memo references and legacy strings.
	v, err = Unmarshal([]byte("(S'a\\nb'\np0\ng0\nI01\nL12345678901234567890123L\nF0.5\nt."))
	require.NoError(t, err)
	tuple = v.(Tuple)
	assert.Equal(t, "a\nb", tuple[0])
	assert.Equal(t, "a\nb", tuple[1])
	assert.Equal(t, true, tuple[2])
	bigInt, ok := tuple[3].(*big.Int)
	require.True(t, ok)
	assert.Equal(t, "12345678901234567890123", bigInt.String())
	assert.Equal(t, 0.5, tuple[4])
}

func TestDecodeProtocol4(t *testing.T) {
	// {'x': b'\x00\xff'} with framing and memoization.
	stream := []byte{0x80, 4, 0x95, 0, 0, 0, 0, 0, 0, 0, 0,
		'}', 0x94, 0x8c, 1, 'x', 0x94, 'C', 2, 0x00, 0xff, 0x94, 's', '.'}
	v, err := Unmarshal(stream)
	require.NoError(t, err)
	dict, ok := v.(*Dict)
	require.True(t, ok)
	value, found := dict.Get("x")
	require.True(t, found)
	assert.Equal(t, []byte{0x00, 0xff}, value)
	assert.False(t, dict.Ordered)
}

func TestFindClassAndPersistentLoad(t *testing.T) {
	// Unknown classes become *Object.
	stream := []byte("\x80\x02cmymod\nMaker\nK\x05\x85R.")
	v, err := Unmarshal(stream)
	require.NoError(t, err)
	obj, ok := v.(*Object)
	require.True(t, ok)
	assert.Equal(t, &Global{Module: "mymod", Name: "Maker"}, obj.Class)
	assert.Equal(t, Tuple{int64(5)}, obj.Args)

	dec := NewDecoder(bytes.NewReader(stream))
	dec.FindClass = func(module, name string) (any, bool) {
		if module == "mymod" && name == "Maker" {
			return CallableFunc(func(args Tuple) (any, error) {
				n := must.M1(ToInt(args[0]))
				return n * 10, nil
			}), true
		}
		return nil, false
	}
	v, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, 50, v)

	// Persistent ids.
	stream = []byte("\x80\x02X\x03\x00\x00\x00abc\x85Q.")
	_, err = Unmarshal(stream)
	require.Error(t, err)
	dec = NewDecoder(bytes.NewReader(stream))
	dec.PersistentLoad = func(pid any) (any, error) {
		return pid.(Tuple)[0].(string) + "!", nil
	}
	v, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "abc!", v)
}

func TestConsecutivePickles(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(int64(1)))
	require.NoError(t, NewEncoder(&buf).Encode("two"))
	buf.WriteString("tail")

	r := bufio.NewReader(&buf)
	dec := NewDecoder(r)
	assert.Equal(t, int64(1), must.M1(dec.Decode()))
	assert.Equal(t, "two", must.M1(dec.Decode()))
	rest := make([]byte, 4)
	_, err := r.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(rest))
}

func TestRoundTrip(t *testing.T) {
	inner := NewOrderedDict()
	inner.Set("weight", Tuple{int64(3), int64(4)})
	inner.Set("bias", nil)
	inner.State = NewDict()
	inner.State.(*Dict).Set("_metadata", NewDict())

	top := NewDict()
	top.Set("module", inner)
	top.Set("ints", &List{Items: []any{int64(0), int64(255), int64(256), int64(65536), int64(-1),
		int64(math.MaxInt32) + 1, int64(math.MinInt64)}})
	top.Set("big", new(big.Int).Lsh(big.NewInt(1), 70))
	top.Set("negbig", new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 70)))
	top.Set("float", 1.25)
	top.Set("bytes", []byte{0, 10, 128, 255})
	top.Set("empty_bytes", []byte{})
	top.Set("unicode", "héllo")
	top.Set("set", &Set{Items: []any{"a"}})
	top.Set(int64(7), "int key")
	top.Set(Tuple{"a", int64(1)}, "tuple key")
	top.Set("long_tuple", Tuple{int64(1), int64(2), int64(3), int64(4)})
	top.Set("global", &Global{Module: "torch", Name: "float32"})

	data, err := Marshal(top)
	require.NoError(t, err)
	v, err := Unmarshal(data)
	require.NoError(t, err)
	got, ok := v.(*Dict)
	require.True(t, ok)
	require.Equal(t, top.Len(), got.Len())

	module := must.M1(getOk(got, "module")).(*Dict)
	assert.True(t, module.Ordered)
	assert.Equal(t, []any{"weight", "bias"}, module.Keys())
	assert.True(t, module.State.(*Dict).Has("_metadata"))

	ints := must.M1(getOk(got, "ints")).(*List)
	assert.Equal(t, []any{int64(0), int64(255), int64(256), int64(65536), int64(-1),
		int64(math.MaxInt32) + 1, int64(math.MinInt64)}, ints.Items)
	assert.Equal(t, 0, must.M1(getOk(got, "big")).(*big.Int).Cmp(new(big.Int).Lsh(big.NewInt(1), 70)))
	assert.Equal(t, "-1180591620717411303424", must.M1(getOk(got, "negbig")).(*big.Int).String())
	assert.Equal(t, 1.25, must.M1(getOk(got, "float")))
	assert.Equal(t, []byte{0, 10, 128, 255}, must.M1(getOk(got, "bytes")))
	assert.Equal(t, []byte{}, must.M1(getOk(got, "empty_bytes")))
	assert.Equal(t, "héllo", must.M1(getOk(got, "unicode")))
	assert.Equal(t, []any{"a"}, must.M1(getOk(got, "set")).(*Set).Items)
	assert.Equal(t, "int key", must.M1(getOk(got, int64(7))))
	assert.Equal(t, "tuple key", must.M1(getOk(got, Tuple{"a", int64(1)})))
	assert.Equal(t, Tuple{int64(1), int64(2), int64(3), int64(4)}, must.M1(getOk(got, "long_tuple")))
	assert.Equal(t, &Global{Module: "torch", Name: "float32"}, must.M1(getOk(got, "global")))
}

func getOk(d *Dict, key any) (any, error) {
	v, found := d.Get(key)
	if !found {
		return nil, assert.AnError
	}
	return v, nil
}

func TestEncoderHooks(t *testing.T) {
	type storage struct{ key string }
	type point struct{ x, y int }
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.PersistentID = func(v any) (any, bool) {
		if s, ok := v.(*storage); ok {
			return Tuple{"storage", s.key}, true
		}
		return nil, false
	}
	enc.Replace = func(v any) (any, bool) {
		if p, ok := v.(point); ok {
			return &Object{Class: &Global{Module: "geo", Name: "Point"}, Args: Tuple{p.x, p.y}}, true
		}
		return nil, false
	}
	require.NoError(t, enc.Encode(Tuple{&storage{key: "0"}, point{1, 2}}))

	dec := NewDecoder(&buf)
	dec.PersistentLoad = func(pid any) (any, error) { return pid, nil }
	v, err := dec.Decode()
	require.NoError(t, err)
	tuple := v.(Tuple)
	assert.Equal(t, Tuple{"storage", "0"}, tuple[0])
	obj := tuple[1].(*Object)
	assert.Equal(t, "geo.Point", obj.Class.(*Global).String())
	assert.Equal(t, Tuple{int64(1), int64(2)}, obj.Args)

	// Unknown types without Replace fail.
	_, err = Marshal(struct{}{})
	require.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	for name, stream := range map[string][]byte{
		"truncated":      []byte("\x80\x02K"),
		"unknown opcode": []byte("\x80\x02\xff."),
		"no mark":        []byte("\x80\x02K\x01t."),
		"empty stack":    []byte("."),
		"bad protocol":   []byte("\x80\x09."),
		"missing memo":   []byte("\x80\x02h\x03."),
	} {
		_, err := Unmarshal(stream)
		assert.Error(t, err, "stream %q should fail", name)
	}
}

func TestDictAndHelpers(t *testing.T) {
	d := NewDict()
	d.Set("a", int64(1))
	d.Set(3, "three")
	d.Set("a", int64(2))
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, []any{"a", int64(3)}, d.Keys())
	assert.Equal(t, int64(2), must.M1(getOk(d, "a")))
	assert.Equal(t, "three", must.M1(getOk(d, int64(3))))

	ints, err := ToInts(Tuple{int64(1), true, big.NewInt(3)})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3}, ints)
	_, err = ToInts(Tuple{"x"})
	require.Error(t, err)

	obj := &Object{State: d}
	v, found := obj.Attr("a")
	assert.True(t, found)
	assert.Equal(t, int64(2), v)
}

func TestIntSubclass(t *testing.T) {
	stageEnum := &Global{Module: "deepspeed.runtime.zero.config", Name: "ZeroStageEnum"}
	data, err := Marshal(&Object{Class: stageEnum, Args: Tuple{int64(2)}})
	require.NoError(t, err)
	v, err := Unmarshal(data)
	require.NoError(t, err)
	obj, ok := v.(*Object)
	require.True(t, ok, "got %T", v)
	assert.True(t, Equal(stageEnum, obj.Class))
	n, err := ToInt(v)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Objects not built from a single int are not integers.
	_, err = ToInt(&Object{Class: stageEnum, Args: Tuple{"two"}})
	require.Error(t, err)
	_, err = ToInt(&Object{Class: stageEnum, Args: Tuple{int64(1), int64(2)}})
	require.Error(t, err)
}
