// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
)

// NegotiationStatus is the outcome of a negotiation leg
type NegotiationStatus int

const (
	// ResultNone is returned with errors that leave the context unchanged
	ResultNone NegotiationStatus = iota
	// ResultContinue means the output token (if any) must be sent and the peer's reply
	// passed to the next call, or that more input bytes are needed (see NegotiationResult.Missing)
	ResultContinue
	// ResultComplete means the context is established
	ResultComplete
	// ResultCompleteAndContinue means the context is established locally but the output
	// token must still be delivered to the peer
	ResultCompleteAndContinue
	// ResultFailed means the context failed and can no longer negotiate
	ResultFailed
)

func (s NegotiationStatus) String() string {
	switch s {
	case ResultNone:
		return "none"
	case ResultContinue:
		return "continue"
	case ResultComplete:
		return "complete"
	case ResultCompleteAndContinue:
		return "complete and continue"
	case ResultFailed:
		return "failed"
	}

	return fmt.Sprintf("NegotiationStatus(%d)", int(s))
}

// NegotiationResult is returned by every negotiation call
type NegotiationResult struct {
	Status     NegotiationStatus
	Output     *BufferDesc
	Attributes ContextFlag // granted attributes, once established
	Lifetime   Lifetime
	Missing    int // bytes still needed when the input token was truncated
}

// Established reports whether the leg completed the context
func (r NegotiationResult) Established() bool {
	return r.Status == ResultComplete || r.Status == ResultCompleteAndContinue
}

// Token returns the output token, which may be empty
func (r NegotiationResult) Token() []byte {
	if b := r.Output.Find(BufferToken); b != nil {
		return b.Data
	}

	return nil
}

// InitializeSecurityContext runs one initiator leg.  Pass a nil context on the first call
// and the returned context on the following ones.  input holds the peer's token, and is
// nil on the first leg.  Without ContextReqAllocateMemory the output descriptor's Token
// buffer must offer enough capacity for the produced token; otherwise ErrBufferTooSmall
// is returned with the required size and the token is delivered by the next call.
// A nil output descriptor is allocated by the engine.
func (e *Engine) InitializeSecurityContext(cred *Credential, sc *Context, target string, req ContextFlag, input, output *BufferDesc) (*Context, NegotiationResult, error) {
	return e.negotiate(SideInitiator, cred, sc, target, req, input, output)
}

// AcceptSecurityContext runs one acceptor leg.  The first call must carry the
// initiator's token in input.
func (e *Engine) AcceptSecurityContext(cred *Credential, sc *Context, req ContextFlag, input, output *BufferDesc) (*Context, NegotiationResult, error) {
	if sc == nil && input.TotalLen(BufferToken) == 0 {
		return nil, NegotiationResult{Output: output}, newStatus(statusInvalidParameter, fmt.Errorf("acceptor requires an input token"))
	}

	return e.negotiate(SideAcceptor, cred, sc, "", req, input, output)
}

func (e *Engine) negotiate(side Side, cred *Credential, sc *Context, target string, req ContextFlag, input, output *BufferDesc) (*Context, NegotiationResult, error) {
	if output == nil {
		output = NewBufferDesc()
		req |= ContextReqAllocateMemory
	}
	output.dropEngineInfo()

	if sc == nil {
		var err error
		sc, err = e.newNegotiation(side, cred, target, req)
		if err != nil {
			return nil, NegotiationResult{Output: output}, err
		}
	} else {
		switch {
		case sc.engine != e:
			return sc, NegotiationResult{Output: output}, fmt.Errorf("%w: context belongs to another engine", ErrInvalidHandle)
		case sc.side != side:
			return sc, NegotiationResult{Output: output}, fmt.Errorf("%w: context is an %s", ErrInvalidHandle, sc.side)
		case cred != nil && cred.id != sc.credID:
			return sc, NegotiationResult{Output: output}, fmt.Errorf("%w: credential does not match the context", ErrInvalidHandle)
		}
	}

	if !sc.legMu.TryLock() {
		return sc, NegotiationResult{Output: output}, ErrConcurrentCall
	}
	defer func() {
		if sc.deleted.Load() {
			sc.closeMechanism()
		}
		sc.legMu.Unlock()
	}()

	res, err := sc.step(req, input, output)
	return sc, res, err
}

func (e *Engine) newNegotiation(side Side, cred *Credential, target string, req ContextFlag) (*Context, error) {
	if err := cred.check(); err != nil {
		return nil, err
	}

	need := DirectionOutbound
	if side == SideAcceptor {
		need = DirectionInbound
	}

	el := cred.primary()
	if el.direction&need == 0 {
		return nil, fmt.Errorf("%w: %s credential cannot be used by an %s", ErrUnsupportedDirection, el.direction, side)
	}

	if cur, ok := e.registry.lookup(el.pkg.info.Name); !ok || cur != el.pkg {
		return nil, fmt.Errorf("%w: %s is no longer registered", ErrPackageNotFound, el.pkg.info.Name)
	}

	sc := newContext(e, side, cred, el, target)
	mech, err := el.pkg.pkg.NewMechanism(MechanismConfig{
		Side:       side,
		Credential: el.element,
		Target:     target,
		Requested:  req.Negotiable(),
		Logger:     e.logger.With("package", el.pkg.info.Name),
		Now:        e.now,
	})
	if err != nil {
		return nil, asStatus(err, statusInternalError)
	}

	sc.mech = mech
	sc.requested = req.Negotiable()
	sc.state = StateNegotiating
	e.track(sc)

	e.logger.Debug("created context", "context", sc.id, "side", side, "package", el.pkg.info.Name,
		"target", target, "requested", sc.requested)

	return sc, nil
}

// step runs one leg.  Must be called with legMu held.
func (sc *Context) step(req ContextFlag, input, output *BufferDesc) (NegotiationResult, error) {
	result := NegotiationResult{Output: output}

	if sc.deleted.Load() {
		return result, ErrInvalidHandle
	}

	sc.mu.RLock()
	state, exported, failure, pending := sc.state, sc.exported, sc.failure, sc.pending != nil
	sc.mu.RUnlock()

	switch {
	case exported:
		return result, fmt.Errorf("%w: context has been exported", ErrInvalidHandle)
	case state == StateFailed:
		result.Status = ResultFailed
		return result, newStatus(statusInvalidHandle, fmt.Errorf("context failed: %v", failure))
	case pending:
		return sc.deliverPending(req, output)
	case state == StateEstablished:
		if err := sc.renegotiate(req); err != nil {
			return result, err
		}
	}

	if _, err := sc.credential(); err != nil {
		return result, err
	}

	if cur, ok := sc.engine.registry.lookup(sc.pkg.info.Name); sc.packageGone.Load() || !ok || cur != sc.pkg {
		err := fmt.Errorf("%w: %s was removed during negotiation", ErrPackageNotFound, sc.pkg.info.Name)
		sc.fail(err)
		result.Status = ResultFailed
		return result, err
	}

	if err := input.Validate(sc.pkg.info.MaxTokenSize); err != nil {
		if IsTerminal(err) {
			sc.fail(err)
			result.Status = ResultFailed
		}
		return result, err
	}

	in := stepInput(input, sc.target)

	sc.mu.RLock()
	mech := sc.mech
	sc.mu.RUnlock()

	out, err := mech.Step(in)
	if err != nil {
		st := asStatus(err, statusInternalError)
		if st.Class() == ClassResource {
			return result, st
		}
		sc.fail(st)
		result.Status = ResultFailed
		return result, st
	}

	sc.mu.Lock()
	if out.Verdict != VerdictIncomplete {
		sc.legs++
	}
	leg := sc.legs
	sc.mu.Unlock()

	sc.engine.logger.Debug("negotiation leg", "context", sc.id, "side", sc.side, "package", sc.pkg.info.Name,
		"leg", leg, "verdict", out.Verdict, "in", len(in.Token), "out", len(out.Token))

	switch out.Verdict {
	case VerdictIncomplete:
		if out.Missing <= 0 {
			err := newStatus(statusInternalError, fmt.Errorf("incomplete token reported without a byte count"))
			sc.fail(err)
			result.Status = ResultFailed
			return result, err
		}
		output.setMissing(out.Missing)
		result.Status = ResultContinue
		result.Missing = out.Missing
		return result, nil

	case VerdictContinue:
		result.Status = ResultContinue

	case VerdictDone:
		lifetime := IndefiniteLifetime
		if out.Lifetime != nil {
			lifetime = *out.Lifetime
		}

		sc.mu.Lock()
		sc.state = StateEstablished
		sc.attributes = sc.requested & out.Granted.Negotiable()
		sc.lifetime = lifetime
		result.Attributes = sc.attributes
		sc.mu.Unlock()

		sc.engine.untrack(sc)

		result.Lifetime = lifetime
		result.Status = ResultComplete
		if len(out.Token) > 0 {
			result.Status = ResultCompleteAndContinue
		}

		sc.engine.logger.Debug("context established", "context", sc.id, "side", sc.side,
			"package", sc.pkg.info.Name, "attributes", result.Attributes, "legs", leg)

	default:
		err := newStatus(statusInternalError, fmt.Errorf("unknown verdict %d", out.Verdict))
		sc.fail(err)
		result.Status = ResultFailed
		return result, err
	}

	if out.Extra > 0 && out.Extra <= len(in.Token) {
		output.setExtra(in.Token[len(in.Token)-out.Extra:])
	}

	if err := sc.deliver(req, output, out.Token, result.Status); err != nil {
		result.Status = ResultNone
		return result, err
	}

	return result, nil
}

func stepInput(input *BufferDesc, target string) StepInput {
	in := StepInput{
		Token:                input.Bytes(BufferToken),
		ChannelBindings:      input.Bytes(BufferChannelBindings),
		ApplicationProtocols: input.Bytes(BufferApplicationProtocols),
		TargetName:           target,
	}

	if tn := input.Find(BufferTargetName); tn != nil {
		in.TargetName = string(tn.Data)
	}

	for _, i := range input.FindAll(BufferPackageParams) {
		in.PackageParams = append(in.PackageParams, input.Buffer(i).Data)
	}

	return in
}

// renegotiate moves an established context back to StateNegotiating
func (sc *Context) renegotiate(req ContextFlag) error {
	if !req.Has(ContextReqRenegotiate) {
		return ErrAlreadyComplete
	}

	sc.mu.RLock()
	mech := sc.mech
	sc.mu.RUnlock()

	r, ok := mech.(Renegotiator)
	if !ok {
		return fmt.Errorf("%w: %s cannot renegotiate", ErrUnsupportedFunction, sc.pkg.info.Name)
	}

	if err := r.Renegotiate(); err != nil {
		return asStatus(err, statusInternalError)
	}

	sc.mu.Lock()
	sc.state = StateNegotiating
	sc.attributes = 0
	sc.legs = 0
	sc.mu.Unlock()

	sc.out.reset()
	sc.in.reset()
	sc.engine.track(sc)

	return nil
}

// deliver places tok in the output descriptor.  A caller owned Token buffer offers
// cap(Data) bytes.  When it is too small the token is kept for the next call.
func (sc *Context) deliver(req ContextFlag, output *BufferDesc, tok []byte, status NegotiationStatus) error {
	idx := output.Index(BufferToken)

	if req.Has(ContextReqAllocateMemory) || idx < 0 {
		b := Buffer{Kind: BufferToken, Data: append([]byte(nil), tok...), Owner: OwnerEngine}
		if idx < 0 {
			output.buffers = append(output.buffers, b)
		} else {
			output.buffers[idx] = b
		}
		return nil
	}

	b := &output.buffers[idx]
	if cap(b.Data) < len(tok) {
		sc.mu.Lock()
		sc.pending = append([]byte(nil), tok...)
		sc.pendingResult = status
		sc.mu.Unlock()

		return newResourceStatus(statusBufferTooSmall, len(tok))
	}

	b.Data = b.Data[:len(tok)]
	copy(b.Data, tok)
	b.Owner = OwnerCaller

	return nil
}

func (sc *Context) deliverPending(req ContextFlag, output *BufferDesc) (NegotiationResult, error) {
	sc.mu.Lock()
	tok, status := sc.pending, sc.pendingResult
	sc.pending = nil
	result := NegotiationResult{
		Output:     output,
		Status:     status,
		Attributes: sc.attributes,
		Lifetime:   sc.lifetime,
	}
	sc.mu.Unlock()

	defer clear(tok)

	if err := sc.deliver(req, output, tok, status); err != nil {
		result.Status = ResultNone
		return result, err
	}

	return result, nil
}
