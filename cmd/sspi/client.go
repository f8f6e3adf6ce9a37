// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"

	"github.com/golang-auth/go-sspi"
)

func runClient(ctx context.Context, env *env, args []string) error {
	var c common

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	c.register(fs)
	port := fs.Int("port", 1234, "remote port to connect to")
	user := fs.String("user", "alice@EXAMPLE", "initiator principal")
	secret := fs.String("secret", "", "initiator secret, prompted for when empty")
	mutual := fs.Bool("mutual", false, "request mutual authentication")
	sealMsg := fs.Bool("seal", false, "encrypt the message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return errors.New("expected host, service and message")
	}
	host, service, msg := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	pw := []byte(*secret)
	if len(pw) == 0 {
		var err error
		if pw, err = readSecret(env, *user); err != nil {
			return err
		}
	}

	ids := sspi.NewMemoryIdentityStore()
	ids.Add(*user, pw, nil)

	logger := newLogger(env.stderr, c.debug)
	e, err := newEngine(&c, ids, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	cred, err := e.AcquireCredential(*user, c.pkg, sspi.DirectionOutbound, nil)
	if err != nil {
		return err
	}
	defer cred.Release()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(*port)))
	if err != nil {
		return err
	}
	defer conn.Close()

	sc, err := initiate(e, cred, conn, service, requestFlags(*mutual, *sealMsg), logger)
	if sc != nil {
		defer sc.Delete()
	}
	if err != nil {
		return err
	}
	describe(env.stdout, sc)

	wire, err := seal(e, sc, protection(*sealMsg), []byte(msg), 0)
	if err != nil {
		return err
	}
	if err := sendToken(conn, wire); err != nil {
		return err
	}
	logger.Debug("sent message", "bytes", len(wire), "dump", formatToken(wire))

	sig, err := recvToken(conn)
	if err != nil {
		return err
	}
	if err := verify(e, sc, []byte(msg), sig, 0); err != nil {
		return fmt.Errorf("server signature: %w", err)
	}
	fmt.Fprintln(env.stdout, "Signature verified")

	return nil
}
