// SPDX-License-Identifier: Apache-2.0

package http

import (
	"net/http"
	"regexp"
	"strings"
)

func parseAuthzHeader(headers *http.Header) (string, string) {
	header := headers.Get("Authorization")
	if header == "" {
		return "", ""
	}
	scheme, cred, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return strings.ToLower(scheme), ""
	}
	return strings.ToLower(scheme), strings.TrimSpace(cred)
}

// authChallenge is one challenge of a WWW-Authenticate header
type authChallenge struct {
	Scheme string

	// Token68 is set for schemes such as Negotiate that send a bare token
	Token68 string

	Parameters map[string]string
}

var token68 = regexp.MustCompile(`^[A-Za-z0-9\-._~+/]+=*$`)

// parseChallenges parses the WWW-Authenticate headers of a response, RFC 9110
// section 11.6.1.  A header may hold several comma separated challenges and
// auth-param values may themselves contain quoted commas.
func parseChallenges(headers *http.Header) []authChallenge {
	var challenges []authChallenge

	for _, value := range headers.Values("WWW-Authenticate") {
		for _, el := range splitList(value) {
			first, rest, _ := strings.Cut(el, " ")
			rest = strings.TrimSpace(rest)

			// an auth-param continues the previous challenge
			if strings.Contains(first, "=") || strings.HasPrefix(rest, "=") {
				if len(challenges) > 0 {
					addParam(challenges[len(challenges)-1].Parameters, el)
				}
				continue
			}

			c := authChallenge{Scheme: first, Parameters: map[string]string{}}
			switch {
			case rest == "":
			case token68.MatchString(rest):
				c.Token68 = rest
			default:
				addParam(c.Parameters, rest)
			}
			challenges = append(challenges, c)
		}
	}

	return challenges
}

// findSchemeChallenges returns the challenges of one scheme, compared case insensitively
func findSchemeChallenges(headers *http.Header, scheme string) []authChallenge {
	var out []authChallenge
	for _, c := range parseChallenges(headers) {
		if strings.EqualFold(c.Scheme, scheme) {
			out = append(out, c)
		}
	}
	return out
}

// splitList splits a header value on the commas outside quoted strings
func splitList(value string) []string {
	var out []string
	var cur strings.Builder
	quoted, escaped := false, false

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(value); i++ {
		ch := value[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && quoted:
			escaped = true
		case ch == '"':
			quoted = !quoted
		case ch == ',' && !quoted:
			flush()
			continue
		}
		cur.WriteByte(ch)
	}
	flush()

	return out
}

func addParam(params map[string]string, s string) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.ToLower(strings.TrimSpace(key))
	if !ok || key == "" {
		return
	}
	params[key] = unquote(strings.TrimSpace(value))
}

// unquote removes the quotes and escapes of a quoted-string
func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}

	var b strings.Builder
	s = s[1 : len(s)-1]
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
