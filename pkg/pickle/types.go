// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pickle

import (
	"fmt"
	"iter"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// Values decoded from a pickle stream are represented by the following Go types:
//
//   - None: nil
//   - bool: bool
//   - int: int64, or *big.Int if it doesn't fit 64 bits
//   - float: float64
//   - str: string
//   - bytes and bytearray: []byte
//   - tuple: Tuple
//   - list: *List
//   - dict and collections.OrderedDict: *Dict
//   - set and frozenset: *Set
//   - a class or function reference that was never called: *Global
//   - an instance of any other class: *Object, or whatever the registered Callable returned.

// Tuple is a Python tuple.
type Tuple []any

// List is a Python list. It's a pointer type since lists are mutable and can be shared in the memo.
type List struct {
	Items []any
}

// Set is a Python set or frozenset.
type Set struct {
	Items  []any
	Frozen bool
}

// Global is a reference to a module level Python object (class or function), as in `module.name`.
type Global struct {
	Module, Name string
}

// String implements fmt.Stringer.
func (g *Global) String() string {
	return g.Module + "." + g.Name
}

// Object is an instance of a class not otherwise known by the decoder.
// It holds all the information the pickle stream carries about it.
type Object struct {
	// Class is usually a *Global.
	Class any

	// Args passed to the class constructor (or reduce function).
	Args Tuple

	// State given by BUILD, usually a *Dict with the instance attributes.
	State any

	// ListItems and DictItems appended to the object, if it's a list or dict subclass.
	ListItems []any
	DictItems *Dict
}

// String implements fmt.Stringer.
func (o *Object) String() string {
	return fmt.Sprintf("%v%v", o.Class, o.Args)
}

// Attr returns the attribute of the object with the given name, taken from its state.
func (o *Object) Attr(name string) (any, bool) {
	switch state := o.State.(type) {
	case *Dict:
		return state.Get(name)
	case Tuple:
		// (state, slotstate) form.
		for _, s := range state {
			if d, ok := s.(*Dict); ok {
				if v, found := d.Get(name); found {
					return v, true
				}
			}
		}
	}
	return nil, false
}

// Callable is implemented by Go values standing for Python classes or functions:
// REDUCE, NEWOBJ and INST opcodes call them with the arguments given in the stream.
type Callable interface {
	Call(args Tuple) (any, error)
}

// CallableFunc adapts a Go function to the Callable interface.
type CallableFunc func(args Tuple) (any, error)

// Call implements Callable.
func (fn CallableFunc) Call(args Tuple) (any, error) { return fn(args) }

// StateSetter is implemented by decoded values that accept a BUILD opcode.
type StateSetter interface {
	SetState(state any) error
}

// Dict is a Python dict, it preserves insertion order, as Python does.
type Dict struct {
	keys   []any
	values []any

	// index is only kept for string and integer keys, other keys are found by linear search.
	index map[any]int

	// Ordered is set for collections.OrderedDict.
	Ordered bool

	// State holds attributes set by BUILD, e.g. the `_metadata` attribute of PyTorch state dicts.
	State any
}

// NewDict returns an empty Dict.
func NewDict() *Dict {
	return &Dict{index: make(map[any]int)}
}

// NewOrderedDict returns an empty Dict marked as a collections.OrderedDict.
func NewOrderedDict() *Dict {
	d := NewDict()
	d.Ordered = true
	return d
}

func indexKey(key any) (any, bool) {
	switch k := key.(type) {
	case string, int64, bool:
		return k, true
	case int:
		return int64(k), true
	}
	return nil, false
}

func (d *Dict) find(key any) int {
	if ik, ok := indexKey(key); ok {
		if pos, found := d.index[ik]; found {
			return pos
		}
		return -1
	}
	for pos, k := range d.keys {
		if Equal(k, key) {
			return pos
		}
	}
	return -1
}

// Set sets the value for key, appending the key if it is new.
func (d *Dict) Set(key, value any) {
	if d.index == nil {
		d.index = make(map[any]int)
	}
	if k, ok := key.(int); ok {
		key = int64(k)
	}
	if pos := d.find(key); pos >= 0 {
		d.values[pos] = value
		return
	}
	if ik, ok := indexKey(key); ok {
		d.index[ik] = len(d.keys)
	}
	d.keys = append(d.keys, key)
	d.values = append(d.values, value)
}

// Get returns the value for key.
func (d *Dict) Get(key any) (any, bool) {
	if d == nil {
		return nil, false
	}
	if pos := d.find(key); pos >= 0 {
		return d.values[pos], true
	}
	return nil, false
}

// Has returns whether key is in the dict.
func (d *Dict) Has(key any) bool {
	_, found := d.Get(key)
	return found
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []any {
	return d.keys
}

// All iterates over the key/value pairs in insertion order.
func (d *Dict) All() iter.Seq2[any, any] {
	return func(yield func(any, any) bool) {
		if d == nil {
			return
		}
		for ii, key := range d.keys {
			if !yield(key, d.values[ii]) {
				return
			}
		}
	}
}

// String implements fmt.Stringer.
func (d *Dict) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for ii, key := range d.keys {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%#v: %v", key, d.values[ii])
	}
	sb.WriteString("}")
	return sb.String()
}

// Equal compares two decoded values: scalars by value, containers element-wise and
// other pointers by identity.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case Tuple:
		bv, ok := b.(Tuple)
		if !ok || len(av) != len(bv) {
			return false
		}
		for ii := range av {
			if !Equal(av[ii], bv[ii]) {
				return false
			}
		}
		return true
	case []byte:
		bv, ok := b.([]byte)
		return ok && string(av) == string(bv)
	case *big.Int:
		if bv, ok := b.(*big.Int); ok {
			return av.Cmp(bv) == 0
		}
		return false
	case *Global:
		bv, ok := b.(*Global)
		return ok && *av == *bv
	}
	defer func() { _ = recover() }() // Uncomparable dynamic types.
	return a == b
}

// ToInt converts a decoded integer (or bool) to an int.
//
// Instances of int subclasses, like Python's IntEnum, are decoded as an *Object of the
// subclass built from the int value: ToInt returns that value.
func ToInt(v any) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case int:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case *big.Int:
		if x.IsInt64() {
			return int(x.Int64()), nil
		}
		return 0, errors.Errorf("integer %s overflows int", x)
	case *Object:
		if len(x.Args) == 1 && x.State == nil {
			n, err := ToInt(x.Args[0])
			if err == nil {
				return n, nil
			}
		}
	}
	return 0, errors.Errorf("expected int, got %T (%v)", v, v)
}

// ToInts converts a Tuple or *List of integers to a []int.
func ToInts(v any) ([]int, error) {
	var items []any
	switch x := v.(type) {
	case Tuple:
		items = x
	case *List:
		items = x.Items
	case interface{ Ints() []int }:
		return x.Ints(), nil
	default:
		return nil, errors.Errorf("expected tuple or list of ints, got %T", v)
	}
	ints := make([]int, len(items))
	for ii, item := range items {
		var err error
		ints[ii], err = ToInt(item)
		if err != nil {
			return nil, errors.WithMessagef(err, "element #%d", ii)
		}
	}
	return ints, nil
}

// Items returns the elements of a Tuple, *List or *Set, or false if v is neither.
func Items(v any) ([]any, bool) {
	switch x := v.(type) {
	case Tuple:
		return x, true
	case *List:
		return x.Items, true
	case *Set:
		return x.Items, true
	}
	return nil, false
}
