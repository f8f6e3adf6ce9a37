// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"testing"

	"github.com/golang-auth/go-sspi/test"
)

func TestRegistryRegister(t *testing.T) {
	assert := test.NewAssert(t)

	r, err := NewRegistry(newStubPackage("Beta"), newStubPackage("alpha"))
	assert.NoErrorFatal(err)

	infos := r.Enumerate()
	assert.Len(infos, 2)
	assert.Equal("alpha", infos[0].Name)
	assert.Equal("Beta", infos[1].Name)

	info, err := r.Query("BETA")
	assert.NoError(err)
	assert.Equal("Beta", info.Name)

	_, err = r.Query("gamma")
	assert.ErrorIs(err, ErrPackageNotFound)

	assert.ErrorIs(r.Register(newStubPackage("ALPHA")), ErrInvalidParameter)
	assert.ErrorIs(r.Register(nil), ErrInvalidParameter)
	assert.ErrorIs(r.Register(newStubPackage("")), ErrInvalidParameter)

	_, err = NewRegistry(newStubPackage("x"), newStubPackage("X"))
	assert.ErrorIs(err, ErrInvalidParameter)
}

func TestRegistryEvents(t *testing.T) {
	assert := test.NewAssert(t)

	r, err := NewRegistry()
	assert.NoErrorFatal(err)

	var events []PackageEvent
	cancel := r.Subscribe(func(ev PackageEvent) {
		events = append(events, ev)
	})

	assert.NoError(r.Register(newStubPackage("one")))
	assert.NoError(r.Register(newStubPackage("two")))
	assert.Equal(uint64(2), r.Generation())

	assert.NoError(r.Unregister("ONE"))
	assert.ErrorIs(r.Unregister("one"), ErrPackageNotFound)

	assert.NoError(r.Reload(newStubPackage("two"), newStubPackage("three")))
	assert.ErrorIs(r.Reload(newStubPackage("a"), newStubPackage("A")), ErrInvalidParameter)

	assert.Equal([]PackageEvent{
		{Kind: PackageAdded, Name: "one", Generation: 1},
		{Kind: PackageAdded, Name: "two", Generation: 2},
		{Kind: PackageRemoved, Name: "one", Generation: 3},
		{Kind: PackageAdded, Name: "three", Generation: 4},
		{Kind: PackageReplaced, Name: "two", Generation: 4},
	}, events)

	cancel()
	assert.NoError(r.Register(newStubPackage("four")))
	assert.Len(events, 5)

	assert.Equal("replaced", PackageReplaced.String())
}

func TestRegistryReloadReplacesRegistration(t *testing.T) {
	assert := test.NewAssert(t)

	pkg := newStubPackage("stub")
	r, err := NewRegistry(pkg)
	assert.NoErrorFatal(err)

	before, ok := r.lookup("stub")
	assert.True(ok)

	assert.NoError(r.Reload(pkg))
	after, ok := r.lookup("stub")
	assert.True(ok)
	assert.NotSame(before, after)
}

func TestRegistryClose(t *testing.T) {
	assert := test.NewAssert(t)

	r, err := NewRegistry(newStubPackage("one"))
	assert.NoErrorFatal(err)

	var removed []string
	r.Subscribe(func(ev PackageEvent) {
		if ev.Kind == PackageRemoved {
			removed = append(removed, ev.Name)
		}
	})

	assert.NoError(r.Close())
	assert.NoError(r.Close())
	assert.Equal([]string{"one"}, removed)
	assert.Empty(r.Enumerate())

	assert.ErrorIs(r.Register(newStubPackage("two")), ErrInvalidHandle)
	assert.ErrorIs(r.Unregister("one"), ErrInvalidHandle)
	assert.ErrorIs(r.Reload(), ErrInvalidHandle)
}
