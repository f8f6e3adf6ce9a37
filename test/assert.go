// SPDX-License-Identifier: Apache-2.0

// Package test holds helpers shared by the package tests
package test

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Assert is a testify Assertions with some extensions
type Assert struct {
	*assert.Assertions

	t testing.TB
}

func NewAssert(t testing.TB) *Assert {
	return &Assert{assert.New(t), t}
}

// NoErrorFatal fails the test immediately on error
func (a *Assert) NoErrorFatal(err error) {
	a.t.Helper()

	a.NoError(err)
	if err != nil {
		a.t.Logf("Stopping test %s due to fatal error", a.t.Name())
		a.t.FailNow()
	}
}

// ErrorIsFatal fails the test immediately unless errors.Is(err, target)
func (a *Assert) ErrorIsFatal(err, target error) {
	a.t.Helper()

	if !a.ErrorIs(err, target) {
		a.t.Logf("Stopping test %s: want %v, got %v", a.t.Name(), target, err)
		a.t.FailNow()
	}
}

// Chunks splits b into pieces of at most n bytes
func Chunks(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > n {
		out = append(out, b[:n])
		b = b[n:]
	}
	if len(b) > 0 || len(out) == 0 {
		out = append(out, b)
	}

	return out
}
