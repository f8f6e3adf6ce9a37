// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/golang-auth/go-sspi"
)

type server struct {
	engine *sspi.Engine
	cred   *sspi.Credential
	out    io.Writer
	logger *slog.Logger

	mu sync.Mutex // serializes output
}

func runServer(ctx context.Context, env *env, args []string) error {
	var c common
	ids := identityFlag{}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	c.register(fs)
	port := fs.Int("port", 1234, "local port to listen on")
	service := fs.String("service", "host/localhost", "acceptor principal")
	fs.Var(ids, "identity", "principal=secret of an initiator, may be repeated")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("at least one -identity is required")
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		return err
	}

	return serve(ctx, env, &c, l, *service, ids)
}

// serve accepts connections on l until ctx is done
func serve(ctx context.Context, env *env, c *common, l net.Listener, service string, ids identityFlag) error {
	store := sspi.NewMemoryIdentityStore()
	for p, s := range ids {
		store.Add(p, []byte(s), nil)
	}
	if _, ok := ids[service]; !ok {
		store.Add(service, randomSecret(), nil)
	}

	logger := newLogger(env.stderr, c.debug)
	e, err := newEngine(c, store, logger)
	if err != nil {
		l.Close()
		return err
	}
	defer e.Close()

	cred, err := e.AcquireCredential(service, c.pkg, sspi.DirectionInbound, nil)
	if err != nil {
		l.Close()
		return err
	}
	defer cred.Release()

	srv := &server{engine: e, cred: cred, out: env.stdout, logger: logger}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	logger.Info("listening", "addr", l.Addr(), "service", service, "package", c.pkg)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Warn("accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.handleConn(conn); err != nil {
				logger.Error("connection failed", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

func (s *server) handleConn(conn net.Conn) error {
	defer conn.Close()

	logger := s.logger.With("remote", conn.RemoteAddr())
	logger.Debug("accepted connection")

	sc, err := accept(s.engine, s.cred, conn, requestFlags(true, true), logger)
	if sc != nil {
		defer sc.Delete()
	}
	if err != nil {
		return err
	}

	inMsg, err := recvToken(conn)
	if err != nil {
		return err
	}
	logger.Debug("received message", "bytes", len(inMsg), "dump", formatToken(inMsg))

	plain, qop, err := unseal(s.engine, sc, inMsg, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	describe(s.out, sc)
	fmt.Fprintf(s.out, "Received %s message: %q\n", protectionName(qop), plain)
	s.mu.Unlock()

	sig, err := sign(s.engine, sc, plain, 0)
	if err != nil {
		return err
	}
	if err := sendToken(conn, sig); err != nil {
		return err
	}
	logger.Debug("sent signature", "bytes", len(sig))

	return nil
}
