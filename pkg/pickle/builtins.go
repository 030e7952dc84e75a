// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pickle

import (
	"github.com/pkg/errors"
)

// builtinClasses are resolved by the Decoder when FindClass doesn't handle them.
// Python 3 pickles with protocol <= 2 use the Python 2 module names (`__builtin__`, `copy_reg`).
var builtinClasses = map[string]any{}

func init() {
	for _, module := range []string{"builtins", "__builtin__"} {
		builtinClasses[module+".set"] = CallableFunc(newSet(false))
		builtinClasses[module+".frozenset"] = CallableFunc(newSet(true))
		builtinClasses[module+".bytearray"] = CallableFunc(newBytes)
		builtinClasses[module+".bytes"] = CallableFunc(newBytes)
		builtinClasses[module+".list"] = CallableFunc(newList)
		builtinClasses[module+".dict"] = CallableFunc(newDict(false))
	}
	builtinClasses["collections.OrderedDict"] = CallableFunc(newDict(true))
	builtinClasses["_codecs.encode"] = CallableFunc(codecsEncode)
	for _, module := range []string{"copyreg", "copy_reg"} {
		builtinClasses[module+"._reconstructor"] = CallableFunc(reconstructor)
	}
}

func newSet(frozen bool) func(args Tuple) (any, error) {
	return func(args Tuple) (any, error) {
		set := &Set{Frozen: frozen}
		if len(args) > 0 {
			items, ok := Items(args[0])
			if !ok {
				return nil, errors.Errorf("set() argument must be a sequence, got %T", args[0])
			}
			set.Items = append(set.Items, items...)
		}
		return set, nil
	}
}

func newList(args Tuple) (any, error) {
	list := &List{}
	if len(args) > 0 {
		items, ok := Items(args[0])
		if !ok {
			return nil, errors.Errorf("list() argument must be a sequence, got %T", args[0])
		}
		list.Items = append(list.Items, items...)
	}
	return list, nil
}

// newDict accepts an optional sequence of (key, value) pairs or another dict.
func newDict(ordered bool) func(args Tuple) (any, error) {
	return func(args Tuple) (any, error) {
		dict := NewDict()
		dict.Ordered = ordered
		if len(args) == 0 {
			return dict, nil
		}
		if src, ok := args[0].(*Dict); ok {
			for k, v := range src.All() {
				dict.Set(k, v)
			}
			return dict, nil
		}
		pairs, ok := Items(args[0])
		if !ok {
			return nil, errors.Errorf("dict() argument must be a sequence of pairs, got %T", args[0])
		}
		for ii, pair := range pairs {
			kv, ok := Items(pair)
			if !ok || len(kv) != 2 {
				return nil, errors.Errorf("dict() element #%d is not a pair", ii)
			}
			dict.Set(kv[0], kv[1])
		}
		return dict, nil
	}
}

// newBytes handles bytes() and bytearray(): protocol 2 writes them as a call with a str
// holding the bytes as Latin-1 characters, or with a list of ints.
func newBytes(args Tuple) (any, error) {
	if len(args) == 0 {
		return []byte{}, nil
	}
	switch v := args[0].(type) {
	case []byte:
		return v, nil
	case string:
		return latin1Bytes(v)
	case *List:
		data := make([]byte, len(v.Items))
		for ii, item := range v.Items {
			b, err := ToInt(item)
			if err != nil || b < 0 || b > 255 {
				return nil, errors.Errorf("invalid byte value %v", item)
			}
			data[ii] = byte(b)
		}
		return data, nil
	}
	return nil, errors.Errorf("unsupported bytes() argument %T", args[0])
}

// codecsEncode implements `_codecs.encode(str, encoding)`, used by protocol 2 to serialize bytes.
func codecsEncode(args Tuple) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("_codecs.encode() requires arguments")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("_codecs.encode() expects a str, got %T", args[0])
	}
	encoding := "utf-8"
	if len(args) > 1 {
		if enc, ok := args[1].(string); ok {
			encoding = enc
		}
	}
	switch encoding {
	case "latin1", "latin-1", "iso-8859-1":
		return latin1Bytes(s)
	case "utf-8", "utf8", "ascii":
		return []byte(s), nil
	}
	return nil, errors.Errorf("_codecs.encode(): unsupported encoding %q", encoding)
}

func latin1Bytes(s string) ([]byte, error) {
	data := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, errors.Errorf("character %q can't be encoded as Latin-1", r)
		}
		data = append(data, byte(r))
	}
	return data, nil
}

// reconstructor implements `copyreg._reconstructor(cls, base, state)`, used by protocols < 2 to create
// instances of classes.
func reconstructor(args Tuple) (any, error) {
	if len(args) != 3 {
		return nil, errors.Errorf("_reconstructor() expects 3 arguments, got %d", len(args))
	}
	if callable, ok := args[0].(Callable); ok {
		return callable.Call(Tuple{})
	}
	return &Object{Class: args[0]}, nil
}
