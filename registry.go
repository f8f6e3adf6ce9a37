// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// PackageEventKind identifies the change reported by a PackageEvent
type PackageEventKind int

const (
	PackageAdded PackageEventKind = iota
	PackageRemoved
	PackageReplaced
)

func (k PackageEventKind) String() string {
	switch k {
	case PackageAdded:
		return "added"
	case PackageRemoved:
		return "removed"
	case PackageReplaced:
		return "replaced"
	}

	return fmt.Sprintf("PackageEventKind(%d)", int(k))
}

// PackageEvent is delivered to registry subscribers after the package set changes
type PackageEvent struct {
	Kind       PackageEventKind
	Name       string
	Generation uint64
}

type registeredPackage struct {
	pkg        Package
	info       PackageInfo
	generation uint64
}

// Registry holds the set of loaded security packages.  Package names are
// case-insensitive.  Subscribers are called synchronously, after the registry lock has
// been released, in the goroutine that made the change.
type Registry struct {
	mu         sync.RWMutex
	pkgs       map[string]*registeredPackage
	generation uint64
	subs       map[int]func(PackageEvent)
	nextSub    int
	closed     bool
}

// NewRegistry returns a registry holding pkgs
func NewRegistry(pkgs ...Package) (*Registry, error) {
	r := &Registry{
		pkgs: make(map[string]*registeredPackage),
		subs: make(map[int]func(PackageEvent)),
	}

	for _, p := range pkgs {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func packageKey(name string) string {
	return strings.ToLower(name)
}

func validatePackage(p Package) (PackageInfo, error) {
	if p == nil {
		return PackageInfo{}, newStatus(statusInvalidParameter, fmt.Errorf("nil package"))
	}

	info := p.Info()
	if info.Name == "" {
		return PackageInfo{}, newStatus(statusInvalidParameter, fmt.Errorf("package has no name"))
	}

	return info, nil
}

// Register adds a package.  Registering a second package with the same name fails.
func (r *Registry) Register(p Package) error {
	info, err := validatePackage(p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return newStatus(statusInvalidHandle, fmt.Errorf("registry is closed"))
	}

	key := packageKey(info.Name)
	if _, ok := r.pkgs[key]; ok {
		r.mu.Unlock()
		return newStatus(statusInvalidParameter, fmt.Errorf("package %q is already registered", info.Name))
	}

	r.generation++
	r.pkgs[key] = &registeredPackage{pkg: p, info: info, generation: r.generation}
	ev := PackageEvent{Kind: PackageAdded, Name: info.Name, Generation: r.generation}
	subs := r.subscribers()
	r.mu.Unlock()

	notify(subs, ev)
	return nil
}

// Unregister removes the named package.  Contexts negotiating with the package fail
// on their next leg.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return newStatus(statusInvalidHandle, fmt.Errorf("registry is closed"))
	}

	key := packageKey(name)
	rp, ok := r.pkgs[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPackageNotFound, name)
	}

	r.generation++
	delete(r.pkgs, key)
	ev := PackageEvent{Kind: PackageRemoved, Name: rp.info.Name, Generation: r.generation}
	subs := r.subscribers()
	r.mu.Unlock()

	notify(subs, ev)
	return nil
}

// Reload replaces the whole package set.  Packages present before and after the reload are
// reported as replaced, even when the same Package value is passed again.
func (r *Registry) Reload(pkgs ...Package) error {
	next := make(map[string]*registeredPackage, len(pkgs))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return newStatus(statusInvalidHandle, fmt.Errorf("registry is closed"))
	}

	gen := r.generation + 1

	for _, p := range pkgs {
		info, err := validatePackage(p)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		key := packageKey(info.Name)
		if _, dup := next[key]; dup {
			r.mu.Unlock()
			return newStatus(statusInvalidParameter, fmt.Errorf("package %q given twice", info.Name))
		}
		next[key] = &registeredPackage{pkg: p, info: info, generation: gen}
	}

	var events []PackageEvent
	for key, old := range r.pkgs {
		kind := PackageRemoved
		if _, ok := next[key]; ok {
			kind = PackageReplaced
		}
		events = append(events, PackageEvent{Kind: kind, Name: old.info.Name, Generation: gen})
	}
	for key, rp := range next {
		if _, ok := r.pkgs[key]; !ok {
			events = append(events, PackageEvent{Kind: PackageAdded, Name: rp.info.Name, Generation: gen})
		}
	}

	r.pkgs = next
	r.generation = gen
	subs := r.subscribers()
	r.mu.Unlock()

	slices.SortFunc(events, func(a, b PackageEvent) int { return strings.Compare(a.Name, b.Name) })
	for _, ev := range events {
		notify(subs, ev)
	}

	return nil
}

// Enumerate returns the descriptions of every registered package, sorted by name
func (r *Registry) Enumerate() []PackageInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]PackageInfo, 0, len(r.pkgs))
	for _, rp := range r.pkgs {
		infos = append(infos, rp.info)
	}

	slices.SortFunc(infos, func(a, b PackageInfo) int {
		return strings.Compare(packageKey(a.Name), packageKey(b.Name))
	})

	return infos
}

// Query returns the description of the named package
func (r *Registry) Query(name string) (PackageInfo, error) {
	rp, ok := r.lookup(name)
	if !ok {
		return PackageInfo{}, fmt.Errorf("%w: %q", ErrPackageNotFound, name)
	}

	return rp.info, nil
}

// Generation returns a counter that is incremented by every change to the package set
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.generation
}

// Subscribe registers fn to receive package events.  The returned function cancels the
// subscription.
func (r *Registry) Subscribe(fn func(PackageEvent)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// Close removes every package, notifies subscribers and drops the subscriptions.
// Further administrative calls fail with ErrInvalidHandle.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.closed = true
	r.generation++

	events := make([]PackageEvent, 0, len(r.pkgs))
	for _, rp := range r.pkgs {
		events = append(events, PackageEvent{Kind: PackageRemoved, Name: rp.info.Name, Generation: r.generation})
	}

	r.pkgs = make(map[string]*registeredPackage)
	subs := r.subscribers()
	r.subs = make(map[int]func(PackageEvent))
	r.mu.Unlock()

	for _, ev := range events {
		notify(subs, ev)
	}

	return nil
}

// lookup returns the registration of name.  The pointer identifies one registration, so a
// replaced package compares unequal to its predecessor.
func (r *Registry) lookup(name string) (*registeredPackage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, ok := r.pkgs[packageKey(name)]
	return rp, ok
}

// must be called with the lock held
func (r *Registry) subscribers() []func(PackageEvent) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fns := make([]func(PackageEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}

	return fns
}

func notify(subs []func(PackageEvent), ev PackageEvent) {
	for _, fn := range subs {
		fn(ev)
	}
}
