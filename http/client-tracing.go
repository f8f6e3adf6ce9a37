// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"strings"
)

// Trace collects what a [Transport] did to complete one request.  Attach it to the
// request context with [WithTrace].  A Trace must not be shared by concurrent requests.
type Trace struct {
	RoundTrips        int  // requests written to the server
	Legs              int  // initiator negotiation legs
	Established       bool // the security context completed
	Waited100Continue bool
	Seen100Continue   bool
}

type traceKey struct{}

// WithTrace returns a context that collects the trace of requests made with it
func WithTrace(ctx context.Context, trace *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, trace)
}

// TraceFrom returns the trace attached by [WithTrace], or nil
func TraceFrom(ctx context.Context) *Trace {
	trace, _ := ctx.Value(traceKey{}).(*Trace)
	return trace
}

// traceLeg records an initiator leg in the trace of req, if any
func traceLeg(req *http.Request, established bool) {
	if trace := TraceFrom(req.Context()); trace != nil {
		trace.Legs++
		trace.Established = established
	}
}

// withClientTrace hooks the connection events of req.  They update trace, when there
// is one, and are logged with HTTP logging enabled.  Hooks already present in the
// request context keep running.
func (t *Transport) withClientTrace(req *http.Request) *http.Request {
	trace := TraceFrom(req.Context())
	if trace == nil && !t.httpLogging {
		return req
	}
	if trace == nil {
		trace = &Trace{}
	}

	logf := func(string, ...any) {}
	if t.httpLogging {
		logf = t.logFunc
	}

	ct := &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			logf("<> Getting connection to %s", hostPort)
		},
		GotConn: func(info httptrace.GotConnInfo) {
			logf("<> Got connection %s -> %s (reused: %t)", info.Conn.LocalAddr(), info.Conn.RemoteAddr(), info.Reused)
		},
		Wait100Continue: func() {
			trace.Waited100Continue = true
			logf("<> Waiting for 100-continue")
		},
		Got100Continue: func() {
			trace.Seen100Continue = true
			logf("<> Got 100-continue")
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			trace.RoundTrips++
			if info.Err != nil {
				logf("<> Writing request failed: %s", info.Err)
			}
		},
	}

	return req.WithContext(httptrace.WithClientTrace(req.Context(), ct))
}

func (t *Transport) logDump(prefix string, dump []byte) {
	for line := range strings.Lines(string(dump)) {
		t.logFunc("%s %s", prefix, strings.TrimRight(line, "\r\n"))
	}
}

func (t *Transport) logRequest(req *http.Request) error {
	by, err := httputil.DumpRequestOut(req, false)
	if err != nil {
		return fmt.Errorf("failed to dump request: %w", err)
	}

	t.logDump(">", by)
	return nil
}

// logResponse dumps the body of error responses only
func (t *Transport) logResponse(resp *http.Response) error {
	by, err := httputil.DumpResponse(resp, resp.StatusCode >= http.StatusBadRequest)
	if err != nil {
		return fmt.Errorf("failed to dump response: %w", err)
	}

	t.logDump("<", by)
	return nil
}
