// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package macroq

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"reflect"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/macroq/macroq/comm"
)

// A Task is a unit of work schedulable by macroq. Concrete tasks carry
// their own payload (input) and outcome (output) as exported,
// gob-encodable fields; running a task mutates its outcome in place.
//
// A task type must be registered with Register before instances of it
// can be decoded. Sub-worlds only ever operate on reconstructed copies
// of a task, never on a shared reference to the original, so Run must
// not rely on state outside the task's own encoded fields.
type Task interface {
	// Run executes the task's payload inside the given sub-world,
	// mutating the task's own outcome. Run may itself perform nested
	// collective operations on group.
	Run(ctx context.Context, group *comm.Group) error
}

// A Mapper is a task that can be instantiated from an input value,
// one task per input, and that exposes its outcome after running.
// It is the contract consumed by exec.Session.Map.
type Mapper interface {
	Task
	// Bind returns a new task of the same concrete type carrying the
	// given input as its payload.
	Bind(input interface{}) Task
	// Result returns the task's outcome. It is meaningful only after
	// the task has run.
	Result() interface{}
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]func() Task)
	tags       = make(map[reflect.Type]string)
)

// Register associates a stable tag with a constructor for a concrete
// task type. The tag is part of the wire format: it must be identical
// on every process of a run and stable across the run's lifetime.
// Constructors must return pointer values so that Decode can populate
// them in place. Register panics on a duplicate tag or a non-pointer
// constructor; it is intended to be called from package init functions.
func Register(tag string, create func() Task) {
	task := create()
	must.Truef(reflect.TypeOf(task).Kind() == reflect.Ptr,
		"macroq.Register: %q: constructor must return a pointer, not %T", tag, task)
	registryMu.Lock()
	defer registryMu.Unlock()
	_, ok := registry[tag]
	must.Truef(!ok, "macroq.Register: tag %q already registered", tag)
	registry[tag] = create
	tags[reflect.TypeOf(task)] = tag
}

func taskTag(task Task) (string, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	tag, ok := tags[reflect.TypeOf(task)]
	if !ok {
		return "", errors.E(errors.Integrity, fmt.Sprintf("macroq: task type %T is not registered", task))
	}
	return tag, nil
}

// Encode writes task to w in macroq's wire format: the task's
// registered tag, the gob-encoded concrete value, and a CRC32 checksum
// of the stream. The result round-trips through Decode on any process
// that has registered the same task type.
func Encode(w io.Writer, task Task) error {
	tag, err := taskTag(task)
	if err != nil {
		return err
	}
	crc := crc32.NewIEEE()
	enc := gob.NewEncoder(io.MultiWriter(w, crc))
	if err := enc.Encode(tag); err != nil {
		return err
	}
	if err := enc.Encode(task); err != nil {
		return errors.E(errors.Fatal, fmt.Sprintf("macroq.Encode: %T", task), err)
	}
	return enc.Encode(crc.Sum32())
}

// Decode reconstructs a task from a stream produced by Encode. The
// concrete type is determined solely by the tag carried in the stream;
// an unregistered tag or a checksum mismatch yields an error of kind
// errors.Integrity, which callers must treat as fatal.
func Decode(r io.Reader) (Task, error) {
	crc := crc32.NewIEEE()
	// Gob uses io.ByteReader as a proxy for whether the reader is
	// buffered, and would otherwise interpose its own buffering,
	// desynchronizing the checksum stream. Buffer here and fake the
	// ByteReader so positions stay aligned.
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	dec := gob.NewDecoder(readerByteReader{Reader: io.TeeReader(r, crc)})
	var tag string
	if err := dec.Decode(&tag); err != nil {
		return nil, errors.E(errors.Integrity, "macroq.Decode: tag", err)
	}
	registryMu.Lock()
	create, ok := registry[tag]
	registryMu.Unlock()
	if !ok {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("macroq.Decode: no task registered for tag %q", tag))
	}
	task := create()
	if err := dec.Decode(task); err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("macroq.Decode: %q", tag), err)
	}
	sum := crc.Sum32()
	var want uint32
	if err := dec.Decode(&want); err != nil {
		return nil, errors.E(errors.Integrity, "macroq.Decode: checksum", err)
	}
	if sum != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("macroq.Decode: computed checksum %x but expected %x", sum, want))
	}
	return task, nil
}

// readerByteReader provides an (invalid) io.ByteReader implementation
// to gob; see the comment in Decode.
type readerByteReader struct {
	io.Reader
	io.ByteReader
}
