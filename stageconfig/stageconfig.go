// Copyright 2020 the macroq authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stageconfig configures where macroq stages its task records.
// It registers the S3 grailfile implementation so that record prefixes
// like "s3://bucket/run-17" resolve, letting sub-worlds that share no
// filesystem still hand records to one another.
package stageconfig

import (
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/macroq/macroq/exec"
)

var once sync.Once

// Init registers the s3 file implementation with default AWS session
// options. It is safe to call multiple times; only the first call
// registers.
func Init() {
	once.Do(func() {
		file.RegisterImplementation("s3", func() file.Implementation {
			return s3file.NewImplementation(
				s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
		})
	})
}

// Store returns a record store rooted at the given grailfile prefix
// (a local path or an s3:// URL), ensuring the s3 implementation is
// registered first.
func Store(prefix string) exec.Store {
	Init()
	return exec.NewFileStore(prefix)
}
