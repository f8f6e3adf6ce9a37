// SPDX-License-Identifier: Apache-2.0

package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"

	"github.com/golang-auth/go-sspi"
	"github.com/golang-auth/go-sspi/test"
)

func newTestTransport(t *testing.T, opts ...ClientOption) *Transport {
	transport, err := NewTransport(newEngine(t, cliname), opts...)
	test.NewAssert(t).NoErrorFatal(err)
	return transport
}

func TestNewTransport(t *testing.T) {
	assert := test.NewAssert(t)

	_, err := NewTransport(nil)
	assert.ErrorIs(err, sspi.ErrInvalidParameter)

	transport := newTestTransport(t)
	assert.Equal(http.DefaultTransport, transport.transport)
	assert.Equal(DefaultPackage, transport.pkgName)
	assert.Equal("HTTP/example.com", transport.spnFunc(url.URL{Host: "example.com:8443"}))
	assert.Equal(sspi.ContextReqIntegrity, transport.requestFlags())
}

func TestInitiatorWithOpportunistic(t *testing.T) {
	assert := test.NewAssert(t)
	transport := newTestTransport(t, WithInitiatorOpportunistic())

	f1 := reflect.ValueOf(opportunisticsFuncAlways).Pointer()
	f2 := reflect.ValueOf(transport.opportunisticFunc).Pointer()
	assert.Equal(f1, f2)
}

func TestInitiatorWithOpportunisticFunc(t *testing.T) {
	assert := test.NewAssert(t)
	transport := newTestTransport(t, WithInitiatorOpportunisticFunc(func(url url.URL) bool {
		return url.Host == "example.com"
	}))

	assert.True(transport.opportunisticFunc(url.URL{Host: "example.com"}))
	assert.False(transport.opportunisticFunc(url.URL{Host: "blah.com"}))
}

func TestInitiatorWithMutual(t *testing.T) {
	assert := test.NewAssert(t)
	transport := newTestTransport(t, WithInitiatorMutual())
	assert.True(transport.mutual)
	assert.True(transport.requestFlags().Has(sspi.ContextReqMutualAuth))
}

func TestInitiatorWithCredential(t *testing.T) {
	assert := test.NewAssert(t)
	e := newEngine(t, cliname)
	cred, err := e.AcquireCredential("", DefaultPackage, sspi.DirectionOutbound, nil)
	assert.NoErrorFatal(err)

	transport, err := NewTransport(e, WithInitiatorCredential(cred))
	assert.NoErrorFatal(err)
	got, err := transport.acquire()
	assert.NoError(err)
	assert.Same(cred, got)
}

func TestInitiatorWithPackage(t *testing.T) {
	assert := test.NewAssert(t)
	transport := newTestTransport(t, WithInitiatorPackage("Kerberos"))

	_, err := transport.acquire()
	assert.ErrorIs(err, sspi.ErrPackageNotFound)
}

func TestInitiatorWithSpnFunc(t *testing.T) {
	assert := test.NewAssert(t)
	transport := newTestTransport(t, WithInitiatorSpnFunc(func(url url.URL) string {
		return "XXX@" + url.Host
	}))
	assert.Equal("XXX@example.com", transport.spnFunc(url.URL{Host: "example.com"}))
}

func TestInitiatorWithDelegationPolicy(t *testing.T) {
	assert := test.NewAssert(t)
	transport := newTestTransport(t, WithIniiatorDelegationPolicy(DelegationPolicyAlways))
	assert.Equal(DelegationPolicyAlways, transport.delegationPolicy)
	assert.True(transport.requestFlags().Has(sspi.ContextReqDelegate))
}

func TestInitiatorWithExpect100Threshold(t *testing.T) {
	assert := test.NewAssert(t)
	transport := newTestTransport(t, WithInitiatorExpect100Threshold(100))
	assert.Equal(int64(100), transport.expect100Threshold)
}

func TestInitiatorWithRoundTripper(t *testing.T) {
	assert := test.NewAssert(t)
	transport := newTestTransport(t, WithInitiatorRoundTripper(&http.Transport{}))
	assert.Equal(&http.Transport{}, transport.transport)
}

func TestInititorWithHttpLogging(t *testing.T) {
	assert := test.NewAssert(t)

	// nothing to log to
	transport := newTestTransport(t, WithInititorHttpLogging())
	assert.False(transport.httpLogging)

	transport = newTestTransport(t, WithInititorHttpLogging(), WithInitiatorLogFunc(func(string, ...interface{}) {}))
	assert.True(transport.httpLogging)
}

func TestInitiatorWithLogFunc(t *testing.T) {
	assert := test.NewAssert(t)

	msg := ""
	logFunc := func(format string, args ...interface{}) {
		msg = fmt.Sprintf(format, args...)
	}
	transport := newTestTransport(t, WithInitiatorLogFunc(logFunc))

	transport.logFunc("test")
	assert.Equal("test", msg)
}

func TestInitiatorWithChannelBindingDisposition(t *testing.T) {
	assert := test.NewAssert(t)
	transport := newTestTransport(t, WithInitiatorChannelBindingDisposition(ChannelBindingDispositionRequire))
	assert.Equal(ChannelBindingDispositionRequire, transport.channelBindingDisposition)
}

func TestNewClient(t *testing.T) {
	assert := test.NewAssert(t)

	base := &http.Client{Transport: &http.Transport{}}
	client, err := NewClient(newEngine(t, cliname), base)
	assert.NoErrorFatal(err)

	transport, ok := client.Transport.(*Transport)
	assert.True(ok)
	assert.Same(base.Transport, transport.transport)
	assert.NotSame(base, client)

	_, err = NewClient(nil, nil)
	assert.ErrorIs(err, sspi.ErrInvalidParameter)
}

func TestUnprotectedURL(t *testing.T) {
	assert := test.NewAssert(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	client, err := NewClient(newEngine(t, cliname), server.Client())
	assert.NoErrorFatal(err)

	resp, err := client.Get(server.URL)
	assert.NoErrorFatal(err)
	_ = resp.Body.Close()
	assert.Equal(http.StatusTeapot, resp.StatusCode)
}

func TestBadChallenges(t *testing.T) {
	for name, headers := range map[string][]string{
		"two challenges":  {"Negotiate abc", "Negotiate def"},
		"with parameters": {`Negotiate realm="x"`},
		"empty on 200":    nil,
		"not base64":      {"Negotiate abc"},
	} {
		t.Run(name, func(t *testing.T) {
			assert := test.NewAssert(t)

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if headers == nil {
					w.Header().Set("WWW-Authenticate", "Negotiate")
					w.WriteHeader(http.StatusOK)
					return
				}
				for _, h := range headers {
					w.Header().Add("WWW-Authenticate", h)
				}
				w.WriteHeader(http.StatusUnauthorized)
			}))
			defer server.Close()

			client, err := NewClient(newEngine(t, cliname), server.Client(), WithInitiatorOpportunistic())
			assert.NoErrorFatal(err)

			_, err = client.Get(server.URL)
			assert.Error(err)
		})
	}
}
