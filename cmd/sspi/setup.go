// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/golang-auth/go-sspi"
	"github.com/golang-auth/go-sspi/mech/negotiate"
	"github.com/golang-auth/go-sspi/mech/ntlm"
	"github.com/golang-auth/go-sspi/mech/psk"
)

// common holds the flags shared by the commands
type common struct {
	debug  bool
	pkg    string
	suites string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.BoolVar(&c.debug, "debug", false, "enable debugging")
	fs.StringVar(&c.pkg, "package", negotiate.PackageName, "security package")
	fs.StringVar(&c.suites, "suites", "", "comma separated PSK cipher suites, most preferred first")
}

func parseSuites(s string) ([]psk.SuiteID, error) {
	var ids []psk.SuiteID
	for name := range strings.SplitSeq(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		found := false
		for _, id := range []psk.SuiteID{psk.SuiteXChaCha20Poly1305, psk.SuiteAES256CTSHMACSHA196} {
			if strings.EqualFold(id.String(), name) {
				ids = append(ids, id)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
	}
	return ids, nil
}

// newEngine registers PSK, NTLM and a Negotiate package preferring PSK
func newEngine(c *common, ids sspi.IdentityStore, logger *slog.Logger) (*sspi.Engine, error) {
	suites, err := parseSuites(c.suites)
	if err != nil {
		return nil, err
	}

	var opts []psk.Option
	if len(suites) > 0 {
		opts = append(opts, psk.WithSuites(suites...))
	}
	p, err := psk.New(opts...)
	if err != nil {
		return nil, err
	}
	n := ntlm.New()

	neg, err := negotiate.New(p, n)
	if err != nil {
		return nil, err
	}

	reg, err := sspi.NewRegistry(p, n, neg)
	if err != nil {
		return nil, err
	}

	return sspi.NewEngine(reg, sspi.WithLogger(logger), sspi.WithIdentityStore(ids))
}

// readSecret prompts for the secret of principal.  Terminal input is not echoed.
func readSecret(e *env, principal string) ([]byte, error) {
	fmt.Fprintf(e.stderr, "Secret for %s: ", principal)

	if f, ok := e.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(e.stderr)
		return secret, err
	}

	line, err := bufio.NewReader(e.stdin).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// randomSecret is used for acceptor identities: PSK acceptors are authenticated with the
// initiator's secret
func randomSecret() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}
