// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	exportMagic         = "SSPX"
	exportFormatVersion = 1
)

// exportedContext is the CBOR layout of an exported context
type exportedContext struct {
	_ struct{} `cbor:",toarray"`

	Magic          string
	Format         uint16
	Package        string
	PackageVersion uint16
	Side           Side
	Target         string
	Attributes     ContextFlag
	LifetimeStatus LifetimeStatus
	ExpiresAt      int64 // unix nanoseconds
	OutNext        uint64
	OutUsed        bool
	InNext         uint64
	InUsed         bool
	Material       []byte
}

// ExportContext serializes an established context so that it can be imported by another
// process holding the same package version.  The package must advertise CapExportable.
// The context is deactivated: it can still be deleted but no longer used.
func (e *Engine) ExportContext(sc *Context) ([]byte, error) {
	if sc == nil {
		return nil, ErrInvalidHandle
	}

	// a negotiation leg must not run while the context is exported
	if !sc.legMu.TryLock() {
		return nil, ErrConcurrentCall
	}
	defer sc.legMu.Unlock()

	if !sc.pkg.info.Capabilities.Has(CapExportable) {
		return nil, fmt.Errorf("%w: %s contexts cannot be exported", ErrUnsupportedFunction, sc.pkg.info.Name)
	}

	// exclusive: no message protection while the sequence state is captured
	sc.protMu.Lock()
	defer sc.protMu.Unlock()

	mech, _, err := sc.usable()
	if err != nil {
		return nil, err
	}

	material, err := mech.Export()
	if err != nil {
		return nil, asStatus(err, statusInternalError)
	}
	defer clear(material)

	sc.mu.RLock()
	ec := exportedContext{
		Magic:          exportMagic,
		Format:         exportFormatVersion,
		Package:        sc.pkg.info.Name,
		PackageVersion: sc.pkg.info.Version,
		Side:           sc.side,
		Target:         sc.target,
		Attributes:     sc.attributes,
		LifetimeStatus: sc.lifetime.Status,
		Material:       material,
	}
	if sc.lifetime.Status == LifetimeAvailable {
		ec.ExpiresAt = sc.lifetime.ExpiresAt.UnixNano()
	}
	sc.mu.RUnlock()

	ec.OutNext, ec.OutUsed = sc.out.snapshot()
	ec.InNext, ec.InUsed = sc.in.snapshot()

	blob, err := cbor.Marshal(ec)
	if err != nil {
		return nil, newStatus(statusInternalError, err)
	}

	sc.mu.Lock()
	sc.exported = true
	sc.mech = nil
	sc.mu.Unlock()

	if err := mech.Close(); err != nil {
		e.logger.Debug("closing exported mechanism", "context", sc.id, "error", err)
	}

	e.logger.Debug("exported context", "context", sc.id, "package", ec.Package, "size", len(blob))
	return blob, nil
}

// ImportContext rebuilds a context from a blob produced by ExportContext.  The blob is
// zeroed once it has been decoded.
func (e *Engine) ImportContext(blob []byte) (*Context, error) {
	defer clear(blob)

	var ec exportedContext
	if err := cbor.Unmarshal(blob, &ec); err != nil {
		return nil, fmt.Errorf("%w: decoding exported context: %w", ErrInvalidToken, err)
	}
	defer clear(ec.Material)

	if ec.Magic != exportMagic {
		return nil, fmt.Errorf("%w: not an exported context", ErrInvalidToken)
	}
	if ec.Format != exportFormatVersion {
		return nil, fmt.Errorf("%w: exported context format %d", ErrUnsupportedFunction, ec.Format)
	}

	rp, ok := e.registry.lookup(ec.Package)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPackageNotFound, ec.Package)
	}
	if rp.info.Version != ec.PackageVersion {
		return nil, fmt.Errorf("%w: context exported by %s version %d, loaded version is %d",
			ErrUnsupportedFunction, rp.info.Name, ec.PackageVersion, rp.info.Version)
	}

	mech, err := rp.pkg.ImportMechanism(MechanismConfig{
		Side:      ec.Side,
		Target:    ec.Target,
		Requested: ec.Attributes,
		Logger:    e.logger.With("package", rp.info.Name),
		Now:       e.now,
	}, ec.Material)
	if err != nil {
		return nil, asStatus(err, statusInvalidToken)
	}

	sc := newContext(e, ec.Side, nil, &credElement{pkg: rp}, ec.Target)
	sc.mech = mech
	sc.state = StateEstablished
	sc.requested = ec.Attributes
	sc.attributes = ec.Attributes
	sc.lifetime = Lifetime{Status: ec.LifetimeStatus}
	if ec.LifetimeStatus == LifetimeAvailable {
		sc.lifetime.ExpiresAt = time.Unix(0, ec.ExpiresAt)
	}
	sc.out.restore(ec.OutNext, ec.OutUsed)
	sc.in.restore(ec.InNext, ec.InUsed)

	e.logger.Debug("imported context", "context", sc.id, "package", rp.info.Name)
	return sc, nil
}
