// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/limiter"
	"github.com/spaolacci/murmur3"
)

// A WriteCommitter represents a committable write stream into a store.
// Data written is not visible to Open until Commit returns.
type WriteCommitter interface {
	io.Writer
	// Commit commits the written data to storage.
	Commit(ctx context.Context) error
	// Discard discards the writer; it will not be committed.
	Discard(ctx context.Context) error
}

// RecordInfo holds metadata for a stored record.
type RecordInfo struct {
	// Size is the encoded byte size of the record.
	Size int64
}

// A Store persists staged records: the named binary blobs through which
// task state moves between the universe and its sub-worlds. Record
// names follow the on-disk contract "<role>_of_task_<index>" and are
// stable for the run. Stores provide named-blob storage only; the
// single-writer-then-single-reader ordering of any record is enforced
// by the scheduler's barrier discipline, not by the store.
type Store interface {
	// Create returns a writer that populates the named record. The
	// record is not available to Open until Commit has been called.
	Create(ctx context.Context, name string) (WriteCommitter, error)

	// Open returns a ReadCloser from which the named record can be
	// read. If the record is not stored, an error with kind
	// errors.NotExist is returned.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Stat returns metadata for the named record.
	Stat(ctx context.Context, name string) (RecordInfo, error)

	// Discard removes the named record from the store.
	Discard(ctx context.Context, name string) error
}

// memoryStore is a Store implementation that maintains in-memory
// buffers of record data.
type memoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemoryStore returns a Store that buffers all records in memory.
// It is the default store for a session.
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[string][]byte)}
}

func (m *memoryStore) get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[name]
	return p, ok
}

func (m *memoryStore) put(name string, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("record %s already stored", name))
	}
	if p == nil {
		p = []byte{}
	}
	m.records[name] = p
	return nil
}

type memoryWriter struct {
	bytes.Buffer
	name  string
	store *memoryStore
}

func (w *memoryWriter) Commit(ctx context.Context) error {
	return w.store.put(w.name, w.Buffer.Bytes())
}

func (*memoryWriter) Discard(context.Context) error {
	return nil
}

func (m *memoryStore) Create(ctx context.Context, name string) (WriteCommitter, error) {
	if _, ok := m.get(name); ok {
		return nil, errors.E(errors.Exists, fmt.Sprintf("create %s", name))
	}
	return &memoryWriter{name: name, store: m}, nil
}

func (m *memoryStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	p, ok := m.get(name)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("open %s", name))
	}
	return ioutil.NopCloser(bytes.NewReader(p)), nil
}

func (m *memoryStore) Stat(ctx context.Context, name string) (RecordInfo, error) {
	p, ok := m.get(name)
	if !ok {
		return RecordInfo{}, errors.E(errors.NotExist, fmt.Sprintf("stat %s", name))
	}
	return RecordInfo{Size: int64(len(p))}, nil
}

func (m *memoryStore) Discard(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("discard %s", name))
	}
	delete(m.records, name)
	return nil
}

// fileStore is a Store implementation that uses grailfiles; records can
// be stored at any URL supported by grailfile (e.g., S3). A record is
// stored at "{prefix}/{hash}/{name}", where the hash shards the record
// namespace so that a prefix does not accumulate one flat directory per
// run.
type fileStore struct {
	prefix string
	// lim bounds concurrent file operations against the backing
	// storage.
	lim *limiter.Limiter
}

// NewFileStore returns a Store that persists records under the given
// grailfile prefix.
func NewFileStore(prefix string) Store {
	lim := limiter.New()
	lim.Release(4 * runtime.NumCPU())
	return &fileStore{prefix: prefix, lim: lim}
}

func (s *fileStore) path(name string) string {
	h := murmur3.Sum32([]byte(name))
	return file.Join(s.prefix, fmt.Sprintf("%02x", h&0xff), name)
}

type fileWriter struct {
	file.File
	io.Writer
	lim *limiter.Limiter
}

func (w *fileWriter) Commit(ctx context.Context) error {
	defer w.lim.Release(1)
	return closeFile(ctx, w.File)
}

func (w *fileWriter) Discard(ctx context.Context) error {
	defer w.lim.Release(1)
	if err := closeFile(ctx, w.File); err != nil {
		return err
	}
	return file.Remove(ctx, w.File.Name())
}

func (s *fileStore) Create(ctx context.Context, name string) (WriteCommitter, error) {
	if err := s.lim.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	f, err := file.Create(ctx, s.path(name))
	if err != nil {
		s.lim.Release(1)
		return nil, err
	}
	return &fileWriter{File: f, Writer: f.Writer(ctx), lim: s.lim}, nil
}

func (s *fileStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := s.lim.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	f, err := file.Open(ctx, s.path(name))
	if err != nil {
		s.lim.Release(1)
		return nil, err
	}
	return &fileIOCloser{
		Reader: f.Reader(ctx),
		ctx:    ctx,
		file:   f,
		lim:    s.lim,
	}, nil
}

func (s *fileStore) Stat(ctx context.Context, name string) (RecordInfo, error) {
	if err := s.lim.Acquire(ctx, 1); err != nil {
		return RecordInfo{}, err
	}
	defer s.lim.Release(1)
	f, err := file.Open(ctx, s.path(name))
	if err != nil {
		return RecordInfo{}, err
	}
	defer closeFile(ctx, f)
	info, err := f.Stat(ctx)
	if err != nil {
		return RecordInfo{}, err
	}
	return RecordInfo{Size: info.Size()}, nil
}

func (s *fileStore) Discard(ctx context.Context, name string) error {
	if err := s.lim.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lim.Release(1)
	return file.Remove(ctx, s.path(name))
}

type fileIOCloser struct {
	io.Reader
	ctx  context.Context
	file file.File
	lim  *limiter.Limiter
}

func (f *fileIOCloser) Close() error {
	defer f.lim.Release(1)
	return closeFile(f.ctx, f.file)
}

type closeNoSyncer interface {
	CloseNoSync(context.Context) error
}

// closeFile closes the provided file. It avoids syncing if the
// implementation supports it.
func closeFile(ctx context.Context, f file.File) error {
	if closer, ok := f.(closeNoSyncer); ok {
		return closer.CloseNoSync(ctx)
	}
	return f.Close(ctx)
}
