// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package macroq implements a distributed task scheduling layer. A
	fixed pool of cooperating ranks (the "universe") is partitioned into
	disjoint sub-worlds, each capable of executing one macro task at a
	time, while a single coordinator on universe rank 0 hands out work
	items from a shared queue and tracks completion.

	Tasks are opaque units of work: macroq does not interpret their
	payloads, it only requires that they run inside a sub-world's
	collective context and round-trip through the wire codec defined
	here. Because sub-worlds share no memory with the universe, task
	state moves between them as staged records: named persisted blobs
	written by one side and reloaded by the other, with collective
	barriers on both sides of every hand-off.

	Since Go cannot serialize code, a receiver with no prior type
	information reconstructs concrete tasks from a byte stream through a
	registry of constructors: every concrete task type registers a
	decoder under a stable tag at process start, and the wire format
	carries the tag alongside the gob-encoded payload. All processes of
	a run must therefore register the same task types, in any order,
	before decoding begins; registering from package init functions
	satisfies this by construction.

	The exec package drives scheduling runs; the comm package provides
	the process fabric and its collective operations.
*/
package macroq
