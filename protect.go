// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"crypto/subtle"
	"fmt"
)

// MakeSignature signs the Data buffers of msg, including read-only ones, and places the
// signature in the Token buffer.  seq is the sequence number of the message in the
// outbound direction; it is checked against the replay and sequence detection
// attributes granted during negotiation.
func (e *Engine) MakeSignature(sc *Context, qop QoP, msg *BufferDesc, seq uint64) error {
	return sc.protect(func(mech Mechanism, flags ContextFlag) error {
		if !flags.Has(ContextReqIntegrity) {
			return fmt.Errorf("%w: integrity was not negotiated", ErrUnsupportedFunction)
		}

		tok := msg.Find(BufferToken)
		if tok == nil {
			return newStatus(statusInvalidParameter, fmt.Errorf("no Token buffer for the signature"))
		}

		sc.out.mu.Lock()
		defer sc.out.mu.Unlock()

		if err := sc.out.check(flags, seq); err != nil {
			return err
		}

		sig, err := mech.Sign(Outbound, seq, qop, dataBuffers(msg, true))
		if err != nil {
			return asStatus(err, statusInternalError)
		}

		if tok.Owner == OwnerEngine {
			tok.Data = sig
		} else {
			if cap(tok.Data) < len(sig) {
				return newResourceStatus(statusBufferTooSmall, len(sig))
			}
			tok.Data = tok.Data[:len(sig)]
			copy(tok.Data, sig)
		}

		sc.out.commit(seq)
		return nil
	})
}

// VerifySignature checks the signature in the Token buffer of msg against its Data
// buffers.  Verification may run concurrently with other inbound operations; the
// inbound sequence window is updated after the signature has been checked.  A bad
// signature fails the context.
func (e *Engine) VerifySignature(sc *Context, msg *BufferDesc, seq uint64) (QoP, error) {
	qop := QoPDefault

	err := sc.protect(func(mech Mechanism, flags ContextFlag) error {
		if !flags.Has(ContextReqIntegrity) {
			return fmt.Errorf("%w: integrity was not negotiated", ErrUnsupportedFunction)
		}

		tok := msg.Find(BufferToken)
		if tok == nil {
			return newStatus(statusInvalidParameter, fmt.Errorf("no Token buffer holding the signature"))
		}

		if err := sc.in.checkLocked(flags, seq); err != nil {
			return err
		}

		if qr, ok := mech.(QoPReader); ok {
			var err error
			if qop, err = qr.SignatureQoP(tok.Data); err != nil {
				return asStatus(err, statusMessageAltered)
			}
		}

		want, err := mech.Sign(Inbound, seq, qop, dataBuffers(msg, true))
		if err != nil {
			return asStatus(err, statusMessageAltered)
		}

		if subtle.ConstantTimeCompare(want, tok.Data) != 1 {
			return fmt.Errorf("%w: signature mismatch", ErrMessageAltered)
		}

		return sc.in.commitLocked(flags, seq)
	})

	if err != nil {
		sc.failInbound(err)
		return 0, err
	}

	return qop, nil
}

// EncryptMessage encrypts the writable Data buffers of msg in place.  The Header (or
// StreamHeader) buffer must be Sizes().Header bytes and the Trailer (or StreamTrailer or
// Token) buffer Sizes().Trailer bytes; larger buffers are trimmed to the exact size.
// QoPWrapNoEncrypt requests integrity protection only.
func (e *Engine) EncryptMessage(sc *Context, qop QoP, msg *BufferDesc, seq uint64) error {
	return sc.protect(func(mech Mechanism, flags ContextFlag) error {
		switch {
		case qop == QoPWrapNoEncrypt && !flags.Has(ContextReqIntegrity):
			return fmt.Errorf("%w: integrity was not negotiated", ErrUnsupportedFunction)
		case qop != QoPWrapNoEncrypt && !flags.Has(ContextReqConfidentiality):
			return fmt.Errorf("%w: confidentiality was not negotiated", ErrUnsupportedFunction)
		}

		sizes := mech.Sizes()

		header, err := sealSlot(msg, int(sizes.Header), BufferStreamHeader, BufferHeader)
		if err != nil {
			return err
		}

		trailer, err := sealSlot(msg, int(sizes.Trailer), BufferStreamTrailer, BufferTrailer, BufferToken)
		if err != nil {
			return err
		}

		if p := msg.Find(BufferPadding); p != nil {
			p.Data = p.Data[:0]
		}

		sc.out.mu.Lock()
		defer sc.out.mu.Unlock()

		if err := sc.out.check(flags, seq); err != nil {
			return err
		}

		if err := mech.Seal(seq, qop, header, dataBuffers(msg, false), trailer); err != nil {
			return asStatus(err, statusInternalError)
		}

		sc.out.commit(seq)
		return nil
	})
}

// DecryptMessage verifies and decrypts msg in place and returns the quality of
// protection it was sealed with.  msg either holds separate header, data and trailer
// buffers, or a single Stream buffer that is split into StreamHeader, Data and
// StreamTrailer buffers referencing the stream.  A Stream buffer shorter than the header
// and trailer gets a Missing buffer and ErrIncompleteMessage; the context is not changed.
// A message that fails verification fails the context.
func (e *Engine) DecryptMessage(sc *Context, msg *BufferDesc, seq uint64) (QoP, error) {
	var qop QoP

	err := sc.protect(func(mech Mechanism, flags ContextFlag) error {
		if !flags.Has(ContextReqConfidentiality) && !flags.Has(ContextReqIntegrity) {
			return fmt.Errorf("%w: message protection was not negotiated", ErrUnsupportedFunction)
		}

		sizes := mech.Sizes()

		if msg.Index(BufferStream) >= 0 {
			if err := splitStream(msg, sizes); err != nil {
				return err
			}
		}

		header, err := unsealSlot(msg, int(sizes.Header), BufferStreamHeader, BufferHeader)
		if err != nil {
			return err
		}

		trailer, err := unsealSlot(msg, int(sizes.Trailer), BufferStreamTrailer, BufferTrailer, BufferToken)
		if err != nil {
			return err
		}

		if err := sc.in.checkLocked(flags, seq); err != nil {
			return err
		}

		if qop, err = mech.Unseal(seq, header, dataBuffers(msg, false), trailer); err != nil {
			return asStatus(err, statusMessageAltered)
		}

		return sc.in.commitLocked(flags, seq)
	})

	if err != nil {
		sc.failInbound(err)
		return 0, err
	}

	return qop, nil
}

// protect runs fn with the mechanism of an established context.  fn runs with the
// mechanism read locked so that it cannot be closed underneath it.
func (sc *Context) protect(fn func(mech Mechanism, flags ContextFlag) error) error {
	if sc == nil {
		return ErrInvalidHandle
	}

	sc.protMu.RLock()
	defer sc.protMu.RUnlock()

	mech, flags, err := sc.usable()
	if err != nil {
		return err
	}

	return fn(mech, flags)
}

// failInbound fails the context after a protocol or crypto error on received data
func (sc *Context) failInbound(err error) {
	if sc == nil || !IsTerminal(err) {
		return
	}

	sc.mu.RLock()
	established := sc.state == StateEstablished
	sc.mu.RUnlock()

	if established {
		sc.fail(err)
	}
}

func (w *sequenceWindow) checkLocked(flags ContextFlag, seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.check(flags, seq)
}

// commitLocked re-checks seq, since a concurrent call may have used it while the
// crypto ran, and records it
func (w *sequenceWindow) commitLocked(flags ContextFlag, seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(flags, seq); err != nil {
		return err
	}

	w.commit(seq)
	return nil
}

func dataBuffers(msg *BufferDesc, withReadOnly bool) [][]byte {
	var data [][]byte
	for _, i := range msg.FindAll(BufferData) {
		b := msg.Buffer(i)
		if b.Kind.IsReadOnly() && !withReadOnly {
			continue
		}
		data = append(data, b.Data)
	}

	return data
}

func sealSlot(msg *BufferDesc, size int, kinds ...BufferKind) ([]byte, error) {
	for _, k := range kinds {
		b := msg.Find(k)
		if b == nil {
			continue
		}
		if len(b.Data) < size {
			return nil, newResourceStatus(statusBufferTooSmall, size)
		}
		b.Data = b.Data[:size]
		return b.Data, nil
	}

	if size == 0 {
		return nil, nil
	}

	return nil, newStatus(statusInvalidParameter, fmt.Errorf("no %s buffer of %d bytes", kinds[0], size))
}

func unsealSlot(msg *BufferDesc, size int, kinds ...BufferKind) ([]byte, error) {
	for _, k := range kinds {
		b := msg.Find(k)
		if b == nil {
			continue
		}
		if len(b.Data) != size {
			return nil, newStatus(statusInvalidParameter, fmt.Errorf("%s buffer is %d bytes, expected %d", k, len(b.Data), size))
		}
		return b.Data, nil
	}

	if size == 0 {
		return nil, nil
	}

	return nil, newStatus(statusInvalidParameter, fmt.Errorf("no %s buffer", kinds[0]))
}

// splitStream replaces the Stream buffer of msg with header, data and trailer buffers
// that share its memory.  Empty Data buffers are treated as placeholders and dropped.
func splitStream(msg *BufferDesc, sizes Sizes) error {
	i := msg.Index(BufferStream)
	stream := msg.buffers[i].Data

	h, t := int(sizes.Header), int(sizes.Trailer)
	if len(stream) < h+t {
		missing := h + t - len(stream)
		msg.setMissing(missing)
		return newResourceStatus(statusIncompleteMessage, missing)
	}

	end := len(stream) - t
	parts := []Buffer{
		{Kind: BufferStreamHeader, Data: stream[:h:h]},
		{Kind: BufferData, Data: stream[h:end:end]},
		{Kind: BufferStreamTrailer, Data: stream[end:]},
	}

	kept := make([]Buffer, 0, len(msg.buffers)+2)
	for j, b := range msg.buffers {
		switch {
		case j == i:
			kept = append(kept, parts...)
		case b.Kind == BufferData && len(b.Data) == 0:
		case b.Kind.Base() == BufferMissing:
		default:
			kept = append(kept, b)
		}
	}
	msg.buffers = kept

	return nil
}
