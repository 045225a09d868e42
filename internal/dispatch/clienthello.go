package dispatch

import "errors"

// ErrNotClientHello is returned when the supplied bytes are not a TLS
// handshake record carrying a ClientHello.
var ErrNotClientHello = errors.New("dispatch: not a TLS ClientHello")

// IsTLSClientHello reports whether b begins with the TLS record header
// for a handshake record (content type 0x16, version 0x03 0x0n), per
// spec's classification table.
func IsTLSClientHello(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x16 && b[1] == 0x03 && b[2] <= 0x04
}

// SNIFromClientHello parses just far enough into a TLS record to
// extract the server_name extension. It performs no cryptographic
// validation and does not require the full ClientHello to have arrived;
// it returns an error if the record is truncated.
func SNIFromClientHello(b []byte) (string, error) {
	if !IsTLSClientHello(b) {
		return "", ErrNotClientHello
	}

	r := &byteReader{b: b}
	r.skip(5) // TLS record header: type(1) version(2) length(2)

	if r.u8() != 0x01 { // handshake type: client_hello
		return "", ErrNotClientHello
	}
	r.skip(3) // handshake length (24-bit)
	r.skip(2) // client_version
	r.skip(32) // random

	sessionIDLen := int(r.u8())
	r.skip(sessionIDLen)

	cipherSuitesLen := int(r.u16())
	r.skip(cipherSuitesLen)

	compressionMethodsLen := int(r.u8())
	r.skip(compressionMethodsLen)

	if r.err != nil {
		return "", ErrNotClientHello
	}
	if r.remaining() < 2 {
		return "", ErrNotClientHello // no extensions present
	}

	extensionsLen := int(r.u16())
	extEnd := r.pos + extensionsLen
	if extEnd > len(b) {
		extEnd = len(b)
	}

	for r.pos < extEnd && r.err == nil {
		extType := r.u16()
		extLen := int(r.u16())
		if extType == 0x0000 { // server_name
			data := r.take(extLen)
			if r.err != nil {
				return "", r.err
			}
			return parseServerNameExtension(data)
		}
		r.skip(extLen)
	}

	return "", errors.New("dispatch: no server_name extension present")
}

func parseServerNameExtension(b []byte) (string, error) {
	r := &byteReader{b: b}
	r.skip(2) // server_name_list length
	for r.remaining() > 0 && r.err == nil {
		nameType := r.u8()
		nameLen := int(r.u16())
		if nameType == 0x00 { // host_name
			return string(r.take(nameLen)), nil
		}
		r.skip(nameLen)
	}
	return "", errors.New("dispatch: server_name extension had no host_name entry")
}

// byteReader is a minimal big-endian cursor over a byte slice that
// tracks a sticky error once it runs past the end, so callers can chain
// reads without checking after every step.
type byteReader struct {
	b   []byte
	pos int
	err error
}

func (r *byteReader) remaining() int { return len(r.b) - r.pos }

func (r *byteReader) ensure(n int) bool {
	if r.err != nil || r.pos+n > len(r.b) {
		r.err = errors.New("dispatch: truncated ClientHello")
		return false
	}
	return true
}

func (r *byteReader) skip(n int) {
	if !r.ensure(n) {
		return
	}
	r.pos += n
}

func (r *byteReader) take(n int) []byte {
	if !r.ensure(n) {
		return nil
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *byteReader) u8() int {
	v := r.take(1)
	if v == nil {
		return 0
	}
	return int(v[0])
}

func (r *byteReader) u16() int {
	v := r.take(2)
	if v == nil {
		return 0
	}
	return int(v[0])<<8 | int(v[1])
}
