package dispatch

import (
	"bytes"
)

// Kind is the classification of a connection's first bytes.
type Kind int

const (
	// KindUnknown means the bytes matched none of the recognized
	// patterns and, outside of an existing CONNECT tunnel, the
	// connection should be closed as an error.
	KindUnknown Kind = iota
	KindPlaintextHTTP
	KindConnect
	KindTLSClientHello
)

var httpMethodTokens = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("TRACE "),
}

// Classify inspects the first bytes of a connection (as produced by
// PeekStream) and reports what kind of traffic they represent, per the
// plaintext-HTTP / CONNECT / TLS-ClientHello classification table.
func Classify(peeked []byte) Kind {
	if bytes.HasPrefix(peeked, []byte("CONNECT ")) {
		return KindConnect
	}
	if IsTLSClientHello(peeked) {
		return KindTLSClientHello
	}
	for _, tok := range httpMethodTokens {
		if bytes.HasPrefix(peeked, tok) {
			return KindPlaintextHTTP
		}
	}
	return KindUnknown
}
