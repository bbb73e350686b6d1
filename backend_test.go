package settings

import (
	"reflect"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReadValueTypeMismatchSuppressed(t *testing.T) {
	b := newTestBackend()
	b.Write("/greet", NewValue("hello"), nil)

	v, ok := ReadValue(b, "/greet", reflect.TypeOf(0), nil, false, false)
	assert.Equal(t, ok, false)
	assert.Equal(t, v.IsZero(), true)

	v, ok = ReadValue(b, "/greet", reflect.TypeOf(""), nil, false, false)
	assert.Equal(t, ok, true)
	s, _ := Get[string](v)
	assert.Equal(t, s, "hello")
}

func TestReadValueThroughOverlay(t *testing.T) {
	b := newTestBackend()
	b.Write("/x", NewValue(3), nil)

	q := NewQueue()
	q.Push(NewWrite("/x", NewValue(7)))

	v, ok := ReadValue(b, "/x", reflect.TypeOf(0), q, false, false)
	assert.Equal(t, ok, true)
	n, _ := Get[int](v)
	assert.Equal(t, n, 7)

	v, ok = ReadValue(b, "/x", reflect.TypeOf(0), nil, false, false)
	assert.Equal(t, ok, true)
	n, _ = Get[int](v)
	assert.Equal(t, n, 3)
}

func TestWriteInvalidKeyRejected(t *testing.T) {
	b := newTestBackend()
	ok := b.Write("//bad", NewValue(1), nil)
	assert.Equal(t, ok, false)

	_, exists := b.values["//bad"]
	assert.Equal(t, exists, false)
}

func TestResetDelegatesThroughWrite(t *testing.T) {
	b := newTestBackend()
	b.Write("/a", NewValue(1), nil)
	b.Reset("/a", nil)

	_, ok := b.Read("/a", reflect.TypeOf(0), false)
	assert.Equal(t, ok, false)
}

func TestDefaultReadUserValueAbsent(t *testing.T) {
	b := newTestBackend()
	b.Write("/a", NewValue(1), nil)

	v, ok := b.ReadUserValue("/a", reflect.TypeOf(0))
	assert.Equal(t, ok, false)
	assert.Equal(t, v.IsZero(), true)
}
