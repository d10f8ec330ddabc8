package resp

import "strconv"

// This file implements the decoder-traits surface: conversion from a Token
// to native scalars, sequences, maps, and tuples. The specification favors
// "one method per supported destination type" over a single type-switching
// entry point; Go generics give us that as free functions parametrized on
// the destination type, composed by passing element decoders down into
// container decoders.

func asCommandError(t Token) (*Error, bool) {
	if t.Kind() != KindError {
		return nil, false
	}
	kind, msg := t.AsError()
	return NewErrorf(ErrCommandError, "server error: %s %s", kind, msg), true
}

// DecodeBool decodes a boolean token. A server error token fails with
// commandError, a null token with nullValue, and any other Kind with
// tokenMismatch, per the specification's exact message.
func DecodeBool(t Token) (bool, error) {
	if e, ok := asCommandError(t); ok {
		return false, e
	}
	if t.Kind() == KindNull {
		return false, NewError(ErrNullValue, "cannot decode a boolean from a null value")
	}
	if t.Kind() != KindBoolean {
		return false, NewError(ErrTokenMismatch, "Expected to find a boolean")
	}
	return t.AsBool(), nil
}

// DecodeInt64 decodes an integer token, or a bulk/simple string parseable
// as a signed decimal (eg "1.0" fails with cannotParseInteger).
func DecodeInt64(t Token) (int64, error) {
	if e, ok := asCommandError(t); ok {
		return 0, e
	}
	if t.Kind() == KindNull {
		return 0, NewError(ErrNullValue, "cannot decode an integer from a null value")
	}
	switch t.Kind() {
	case KindInteger:
		return t.AsInteger(), nil
	case KindBulkString:
		return parseIntStrict(string(t.AsBulkString()))
	case KindSimpleString:
		return parseIntStrict(t.AsSimpleString())
	default:
		return 0, NewErrorf(ErrTokenMismatch, "Expected to find an integer, got %s", t.Kind())
	}
}

func parseIntStrict(s string) (int64, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, NewError(ErrCannotParseInteger, "cannot parse integer")
	}
	return i, nil
}

// DecodeFloat64 decodes a double, integer, or bulk/simple string parseable
// as an IEEE-754 double (eg "1.0a" fails with cannotParseDouble).
func DecodeFloat64(t Token) (float64, error) {
	if e, ok := asCommandError(t); ok {
		return 0, e
	}
	if t.Kind() == KindNull {
		return 0, NewError(ErrNullValue, "cannot decode a double from a null value")
	}
	switch t.Kind() {
	case KindDouble:
		return t.AsDouble(), nil
	case KindInteger:
		return float64(t.AsInteger()), nil
	case KindBulkString:
		return parseDoubleStrict(string(t.AsBulkString()))
	case KindSimpleString:
		return parseDoubleStrict(t.AsSimpleString())
	default:
		return 0, NewError(ErrTokenMismatch, "Expected to find a double, integer or bulkString token")
	}
}

func parseDoubleStrict(s string) (float64, error) {
	d, err := parseDouble(s)
	if err != nil {
		return 0, NewError(ErrCannotParseDouble, "cannot parse double")
	}
	return d, nil
}

// DecodeString decodes a simple-string, bulk-string, big-number, or
// verbatim (format prefix stripped) token.
func DecodeString(t Token) (string, error) {
	if e, ok := asCommandError(t); ok {
		return "", e
	}
	if t.Kind() == KindNull {
		return "", NewError(ErrNullValue, "cannot decode a string from a null value")
	}
	switch t.Kind() {
	case KindSimpleString:
		return t.AsSimpleString(), nil
	case KindBulkString:
		return string(t.AsBulkString()), nil
	case KindBigNumber:
		return t.AsBigNumber(), nil
	case KindVerbatim:
		_, text := t.AsVerbatim()
		return text, nil
	default:
		return "", NewErrorf(ErrTokenMismatch, "Expected to find a string, got %s", t.Kind())
	}
}

// DecodeOptional decodes T via dec, unless t is the null token, in which
// case it returns (nil, nil).
func DecodeOptional[T any](t Token, dec func(Token) (T, error)) (*T, error) {
	if t.Kind() == KindNull {
		return nil, nil
	}
	v, err := dec(t)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// DecodeSequence decodes an array token element-wise via dec. A single
// non-array token is accepted and coerced into a one-element sequence.
func DecodeSequence[T any](t Token, dec func(Token) (T, error)) ([]T, error) {
	if t.Kind() == KindArray {
		items := t.AsItems()
		out := make([]T, 0, len(items))
		for _, item := range items {
			v, err := dec(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	v, err := dec(t)
	if err != nil {
		return nil, err
	}
	return []T{v}, nil
}

// DecodeSet decodes a set or array token element-wise via dec. Duplicate
// decoded values collapse, keeping the first occurrence's position.
func DecodeSet[T comparable](t Token, dec func(Token) (T, error)) ([]T, error) {
	var items []Token
	switch t.Kind() {
	case KindSet, KindArray:
		items = t.AsItems()
	default:
		if e, ok := asCommandError(t); ok {
			return nil, e
		}
		return nil, NewErrorf(ErrTokenMismatch, "Expected to find a set or array, got %s", t.Kind())
	}

	seen := make(map[T]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		v, err := dec(item)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// DecodeMap decodes a map token pair-wise. Duplicate keys: last write wins.
func DecodeMap[K comparable, V any](t Token, decKey func(Token) (K, error), decVal func(Token) (V, error)) (map[K]V, error) {
	if t.Kind() != KindMap {
		if e, ok := asCommandError(t); ok {
			return nil, e
		}
		return nil, NewErrorf(ErrTokenMismatch, "Expected to find a map, got %s", t.Kind())
	}
	pairs := t.AsPairs()
	out := make(map[K]V, len(pairs))
	for _, p := range pairs {
		k, err := decKey(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := decVal(p.Value)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// ClosedRange is a decoded [Low, High] pair.
type ClosedRange[T any] struct {
	Low, High T
}

// DecodeClosedRange decodes exactly a 2-element array token as [low, high].
func DecodeClosedRange[T any](t Token, dec func(Token) (T, error)) (ClosedRange[T], error) {
	var zero ClosedRange[T]
	items, err := requireArray(t, 2)
	if err != nil {
		return zero, err
	}
	low, err := dec(items[0])
	if err != nil {
		return zero, err
	}
	high, err := dec(items[1])
	if err != nil {
		return zero, err
	}
	return ClosedRange[T]{Low: low, High: high}, nil
}

// DecodeTuple2 decodes a fixed-arity 2-element array.
func DecodeTuple2[A, B any](t Token, da func(Token) (A, error), db func(Token) (B, error)) (A, B, error) {
	var a A
	var b B
	items, err := requireArray(t, 2)
	if err != nil {
		return a, b, err
	}
	if a, err = da(items[0]); err != nil {
		return a, b, err
	}
	if b, err = db(items[1]); err != nil {
		return a, b, err
	}
	return a, b, nil
}

// DecodeTuple3 decodes a fixed-arity 3-element array.
func DecodeTuple3[A, B, C any](t Token, da func(Token) (A, error), db func(Token) (B, error), dc func(Token) (C, error)) (A, B, C, error) {
	var a A
	var b B
	var c C
	items, err := requireArray(t, 3)
	if err != nil {
		return a, b, c, err
	}
	if a, err = da(items[0]); err != nil {
		return a, b, c, err
	}
	if b, err = db(items[1]); err != nil {
		return a, b, c, err
	}
	if c, err = dc(items[2]); err != nil {
		return a, b, c, err
	}
	return a, b, c, nil
}

// DecodeTuple4 decodes a fixed-arity 4-element array.
func DecodeTuple4[A, B, C, D any](t Token, da func(Token) (A, error), db func(Token) (B, error), dc func(Token) (C, error), dd func(Token) (D, error)) (A, B, C, D, error) {
	var a A
	var b B
	var c C
	var d D
	items, err := requireArray(t, 4)
	if err != nil {
		return a, b, c, d, err
	}
	if a, err = da(items[0]); err != nil {
		return a, b, c, d, err
	}
	if b, err = db(items[1]); err != nil {
		return a, b, c, d, err
	}
	if c, err = dc(items[2]); err != nil {
		return a, b, c, d, err
	}
	if d, err = dd(items[3]); err != nil {
		return a, b, c, d, err
	}
	return a, b, c, d, nil
}

func requireArray(t Token, size int) ([]Token, error) {
	if t.Kind() != KindArray {
		if e, ok := asCommandError(t); ok {
			return nil, e
		}
		return nil, NewErrorf(ErrTokenMismatch, "Expected to find an array, got %s", t.Kind())
	}
	items := t.AsItems()
	if len(items) != size {
		return nil, NewErrorf(ErrInvalidArraySize, "expected array of size %d, got %d", size, len(items))
	}
	return items, nil
}
