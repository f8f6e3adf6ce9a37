// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"strings"

	"github.com/golang-auth/go-sspi"
)

// runLoopback negotiates a context between an initiator and an acceptor of the same
// engine, connected by a pipe, and passes one protected message between them
func runLoopback(_ context.Context, env *env, args []string) error {
	var c common

	fs := flag.NewFlagSet("loopback", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	c.register(fs)
	user := fs.String("user", "alice@EXAMPLE", "initiator principal")
	service := fs.String("service", "host/loopback", "acceptor principal")
	secret := fs.String("secret", "", "initiator secret, prompted for when empty")
	sealMsg := fs.Bool("seal", false, "encrypt the message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("expected a message")
	}
	msg := strings.Join(fs.Args(), " ")

	pw := []byte(*secret)
	if len(pw) == 0 {
		var err error
		if pw, err = readSecret(env, *user); err != nil {
			return err
		}
	}

	ids := sspi.NewMemoryIdentityStore()
	ids.Add(*user, pw, nil)
	ids.Add(*service, randomSecret(), nil)

	logger := newLogger(env.stderr, c.debug)
	e, err := newEngine(&c, ids, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	icred, err := e.AcquireCredential(*user, c.pkg, sspi.DirectionOutbound, nil)
	if err != nil {
		return err
	}
	defer icred.Release()

	acred, err := e.AcquireCredential(*service, c.pkg, sspi.DirectionInbound, nil)
	if err != nil {
		return err
	}
	defer acred.Release()

	req := requestFlags(true, *sealMsg)
	ic, ac := net.Pipe()

	type accepted struct {
		sc  *sspi.Context
		err error
	}
	done := make(chan accepted, 1)
	go func() {
		defer ac.Close()
		sc, err := accept(e, acred, ac, req, logger.With("side", "acceptor"))
		done <- accepted{sc, err}
	}()

	isc, err := initiate(e, icred, ic, *service, req, logger.With("side", "initiator"))
	ic.Close()
	acc := <-done
	if isc != nil {
		defer isc.Delete()
	}
	if acc.sc != nil {
		defer acc.sc.Delete()
	}
	if err != nil {
		return err
	}
	if acc.err != nil {
		return fmt.Errorf("acceptor: %w", acc.err)
	}

	describe(env.stdout, isc)

	wire, err := seal(e, isc, protection(*sealMsg), []byte(msg), 0)
	if err != nil {
		return err
	}
	logger.Debug("sealed message", "bytes", len(wire), "dump", formatToken(wire))

	plain, qop, err := unseal(e, acc.sc, wire, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Received %s message: %q\n", protectionName(qop), plain)

	sig, err := sign(e, acc.sc, plain, 0)
	if err != nil {
		return err
	}
	if err := verify(e, isc, []byte(msg), sig, 0); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "Signature verified")

	return nil
}

func requestFlags(mutual, seal bool) sspi.ContextFlag {
	req := sspi.ContextReqIntegrity | sspi.ContextReqReplayDetect | sspi.ContextReqSequenceDetect
	if mutual {
		req |= sspi.ContextReqMutualAuth
	}
	if seal {
		req |= sspi.ContextReqConfidentiality
	}
	return req
}

func protection(seal bool) sspi.QoP {
	if seal {
		return sspi.QoPDefault
	}
	return sspi.QoPWrapNoEncrypt
}

func protectionName(qop sspi.QoP) string {
	if qop == sspi.QoPWrapNoEncrypt {
		return "signed"
	}
	return "sealed"
}
