// SPDX-License-Identifier: Apache-2.0

/*
Package sspi implements a generic security context negotiation engine in the
style of the Security Support Provider Interface.

An [Engine] drives pluggable security packages registered in a [Registry].
Callers acquire a [Credential] for a package and exchange opaque tokens with a
peer by calling [Engine.InitializeSecurityContext] on the initiator and
[Engine.AcceptSecurityContext] on the acceptor until both sides report the
context as established.  Tokens and message data travel in [BufferDesc]
descriptors of typed buffers.

Established contexts protect messages with [Engine.MakeSignature],
[Engine.VerifySignature], [Engine.EncryptMessage] and [Engine.DecryptMessage],
and may be moved between processes with [Engine.ExportContext] and
[Engine.ImportContext].

Security packages live in the mech sub-packages: [github.com/golang-auth/go-sspi/mech/psk]
provides a pre-shared key package with mutual authentication,
[github.com/golang-auth/go-sspi/mech/ntlm] an NTLM initiator and
[github.com/golang-auth/go-sspi/mech/negotiate] a composite package that selects
one of the others.

Errors returned by the engine are [*Status] values that unwrap to the sentinel
errors of this package, so errors.Is(err, sspi.ErrMessageAltered) works as
expected.
*/
package sspi
