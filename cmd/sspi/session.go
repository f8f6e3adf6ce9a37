// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/golang-auth/go-sspi"
)

// initiate runs the initiator side of a negotiation over rw
func initiate(e *sspi.Engine, cred *sspi.Credential, rw io.ReadWriter, target string, req sspi.ContextFlag, logger *slog.Logger) (*sspi.Context, error) {
	var sc *sspi.Context
	var in *sspi.BufferDesc

	for {
		next, res, err := e.InitializeSecurityContext(cred, sc, target, req, in, nil)
		if next != nil {
			sc = next
		}
		if err != nil {
			return sc, err
		}

		if tok := res.Token(); len(tok) > 0 {
			if err := sendToken(rw, tok); err != nil {
				return sc, err
			}
			logger.Debug("sent context token", "bytes", len(tok), "dump", formatToken(tok))
		}
		if res.Established() {
			return sc, nil
		}

		tok, err := recvToken(rw)
		if err != nil {
			return sc, err
		}
		logger.Debug("read context token", "bytes", len(tok))
		in = sspi.NewBufferDesc(sspi.TokenBuffer(tok))
	}
}

// accept runs the acceptor side of a negotiation over rw
func accept(e *sspi.Engine, cred *sspi.Credential, rw io.ReadWriter, req sspi.ContextFlag, logger *slog.Logger) (*sspi.Context, error) {
	var sc *sspi.Context

	for {
		tok, err := recvToken(rw)
		if err != nil {
			return sc, err
		}
		logger.Debug("read context token", "bytes", len(tok))

		next, res, err := e.AcceptSecurityContext(cred, sc, req, sspi.NewBufferDesc(sspi.TokenBuffer(tok)), nil)
		if next != nil {
			sc = next
		}
		if err != nil {
			return sc, err
		}

		if out := res.Token(); len(out) > 0 {
			if err := sendToken(rw, out); err != nil {
				return sc, err
			}
			logger.Debug("sent context token", "bytes", len(out))
		}
		if res.Established() {
			return sc, nil
		}
	}
}

// seal protects msg and returns header, data and trailer as one wire message
func seal(e *sspi.Engine, sc *sspi.Context, qop sspi.QoP, msg []byte, seq uint64) ([]byte, error) {
	sizes, err := sc.Sizes()
	if err != nil {
		return nil, err
	}

	data := bytes.Clone(msg)
	desc := sspi.NewBufferDesc(
		sspi.SizedBuffer(sspi.BufferHeader, int(sizes.Header)),
		sspi.DataBuffer(data),
		sspi.SizedBuffer(sspi.BufferTrailer, int(sizes.Trailer)),
	)
	if err := e.EncryptMessage(sc, qop, desc, seq); err != nil {
		return nil, err
	}

	return bytes.Join([][]byte{desc.Bytes(sspi.BufferHeader), data, desc.Bytes(sspi.BufferTrailer)}, nil), nil
}

// unseal reverses seal
func unseal(e *sspi.Engine, sc *sspi.Context, wire []byte, seq uint64) ([]byte, sspi.QoP, error) {
	sizes, err := sc.Sizes()
	if err != nil {
		return nil, 0, err
	}

	h, t := int(sizes.Header), int(sizes.Trailer)
	if len(wire) < h+t {
		return nil, 0, fmt.Errorf("%w: %d byte message", sspi.ErrIncompleteMessage, len(wire))
	}

	data := bytes.Clone(wire[h : len(wire)-t])
	desc := sspi.NewBufferDesc(
		sspi.NewBuffer(sspi.BufferHeader, bytes.Clone(wire[:h])),
		sspi.DataBuffer(data),
		sspi.NewBuffer(sspi.BufferTrailer, bytes.Clone(wire[len(wire)-t:])),
	)
	qop, err := e.DecryptMessage(sc, desc, seq)
	if err != nil {
		return nil, 0, err
	}

	return data, qop, nil
}

func sign(e *sspi.Engine, sc *sspi.Context, msg []byte, seq uint64) ([]byte, error) {
	sizes, err := sc.Sizes()
	if err != nil {
		return nil, err
	}

	desc := sspi.NewBufferDesc(
		sspi.NewBuffer(sspi.BufferData|sspi.BufferReadOnly, msg),
		sspi.SizedBuffer(sspi.BufferToken, int(sizes.MaxSignature)),
	)
	if err := e.MakeSignature(sc, sspi.QoPDefault, desc, seq); err != nil {
		return nil, err
	}
	return desc.Bytes(sspi.BufferToken), nil
}

func verify(e *sspi.Engine, sc *sspi.Context, msg, sig []byte, seq uint64) error {
	desc := sspi.NewBufferDesc(
		sspi.NewBuffer(sspi.BufferData|sspi.BufferReadOnly, msg),
		sspi.NewBuffer(sspi.BufferToken, sig),
	)
	_, err := e.VerifySignature(sc, desc, seq)
	return err
}

// describe prints the attributes of an established context
func describe(w io.Writer, sc *sspi.Context) {
	names, _ := sc.Names()
	flags, _ := sc.Flags()
	info, _ := sc.NegotiationInfo()
	life, _ := sc.Lifespan()

	expires := "never"
	if life.Status == sspi.LifetimeAvailable {
		expires = life.ExpiresAt.Format("2006-01-02 15:04:05 MST")
	}

	fmt.Fprintf(w, "%q to %q using %s, expires %s\n", names.Initiator, names.Acceptor, info.Package.Name, expires)
	fmt.Fprintf(w, "Context flags: %s\n", flags)
	if ci, err := sc.ConnectionInfo(); err == nil && ci.Cipher != "" {
		fmt.Fprintf(w, "Cipher: %s (%d bits)\n", ci.Cipher, ci.CipherStrength)
	}
}
