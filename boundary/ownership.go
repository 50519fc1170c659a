package boundary

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrEmptyBuffer is returned by TakeBuffer when the engine handed back a
// null or zero-length buffer where content was expected.
var ErrEmptyBuffer = errors.New("engine returned empty buffer")

// TakeBuffer acquires a buffer from the engine, copies it into host memory,
// hands the copy to transform and releases the native buffer on every exit
// path. Release always happens after the copy.
//
// When release itself fails the transformed value is still returned
// together with the release error.
func TakeBuffer[T any](e Engine, acquire func() (Buffer, error), transform func([]byte) (T, error)) (v T, err error) {
	buf, err := acquire()
	if err != nil {
		if !buf.IsEmpty() {
			err = errors.Join(err, e.FreeBuffer(buf))
		}
		return v, err
	}
	if buf.IsEmpty() {
		return v, ErrEmptyBuffer
	}
	defer func() {
		if ferr := e.FreeBuffer(buf); ferr != nil {
			err = errors.Join(err, fmt.Errorf("free buffer: %w", ferr))
		}
	}()

	data, err := e.ReadBuffer(buf)
	if err != nil {
		return v, fmt.Errorf("read buffer: %w", err)
	}
	return transform(data)
}

// TakeBufferArray is TakeBuffer for buffer arrays. Each element is copied
// in order; empty elements are passed to transform as nil. The whole array
// is released as one unit after every element has been copied.
func TakeBufferArray[T any](e Engine, acquire func() (BufferArray, error), transform func([][]byte) (T, error)) (v T, err error) {
	arr, err := acquire()
	if err != nil {
		if !arr.IsEmpty() {
			err = errors.Join(err, e.FreeBufferArray(arr))
		}
		return v, err
	}
	if arr.IsEmpty() {
		return v, ErrEmptyBuffer
	}
	defer func() {
		if ferr := e.FreeBufferArray(arr); ferr != nil {
			err = errors.Join(err, fmt.Errorf("free buffer array: %w", ferr))
		}
	}()

	elems, err := e.Buffers(arr)
	if err != nil {
		return v, fmt.Errorf("read buffer array: %w", err)
	}
	copies := make([][]byte, len(elems))
	for i, b := range elems {
		if b.IsEmpty() {
			continue
		}
		if copies[i], err = e.ReadBuffer(b); err != nil {
			return v, fmt.Errorf("read buffer %d: %w", i, err)
		}
	}
	return transform(copies)
}

// Once guards a release call so it runs at most once. Concurrent callers
// block until the first release has finished; only the caller that ran the
// release sees its error.
type Once struct {
	once sync.Once
	done atomic.Bool
}

// Do runs release unless it already ran.
func (o *Once) Do(release func() error) error {
	var err error
	o.once.Do(func() {
		defer o.done.Store(true)
		err = release()
	})
	return err
}

// Done reports whether the release has run.
func (o *Once) Done() bool { return o.done.Load() }
