package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"
)

// Error codes stored in [ConnectionState.Error].
const (
	// CodeTLSHandshakeFailed marks certificate/TLS negotiation failures.
	// These look terminal to the underlying library and do not trigger its
	// automatic reconnection, so the client self-heals with an explicit
	// rescheduled connect.
	CodeTLSHandshakeFailed = "TLS_HANDSHAKE_FAILED"

	// CodeConnectionError marks every other connection failure.
	CodeConnectionError = "CONNECTION_ERROR"
)

// tlsSubstrings is the string-matching fallback for classifying TLS failures
// from error text alone. Error text is locale- and runtime-dependent, which
// makes this inherently brittle — the typed checks in classifyCode run first
// and are preferred whenever the error chain carries structured types.
var tlsSubstrings = []string{
	"self signed certificate",
	"self-signed certificate",
	"certificate",
	"tls handshake",
	"x509",
}

// classifyCode maps a connection error to its code. Structured error types
// from crypto/tls and crypto/x509 take precedence over substring matching.
func classifyCode(err error) string {
	if err == nil {
		return CodeConnectionError
	}

	var (
		certVerify *tls.CertificateVerificationError
		recordErr  tls.RecordHeaderError
		unkAuth    x509.UnknownAuthorityError
		certInval  x509.CertificateInvalidError
		hostname   x509.HostnameError
	)
	switch {
	case errors.As(err, &certVerify),
		errors.As(err, &recordErr),
		errors.As(err, &unkAuth),
		errors.As(err, &certInval),
		errors.As(err, &hostname):
		return CodeTLSHandshakeFailed
	}

	msg := strings.ToLower(err.Error())
	for _, s := range tlsSubstrings {
		if strings.Contains(msg, s) {
			return CodeTLSHandshakeFailed
		}
	}
	return CodeConnectionError
}
