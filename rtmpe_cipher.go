// RTMPE - RC4 stream encryption

package main

import (
	"crypto/rc4"
	"io"
)

// Number of keystream bytes discarded by both ends
// right after the handshake
const RTMPE_KEYSTREAM_DISCARD = RTMP_SIG_SIZE

// Pair of RC4 states for an encrypted connection
type RTMPECipher struct {
	in  *rc4.Cipher
	out *rc4.Cipher
}

// Creates the RC4 states for an encrypted connection
// keys - Keys negotiated by the handshake. They can be zeroed after this call.
// Returns the cipher pair
func NewRTMPECipher(keys *CipherKeys) (*RTMPECipher, error) {
	in, err := rc4.NewCipher(keys.In[:])
	if err != nil {
		return nil, err
	}

	out, err := rc4.NewCipher(keys.Out[:])
	if err != nil {
		return nil, err
	}

	discard := make([]byte, RTMPE_KEYSTREAM_DISCARD)
	in.XORKeyStream(discard, discard)
	out.XORKeyStream(discard, discard)

	return &RTMPECipher{
		in:  in,
		out: out,
	}, nil
}

// Decrypts data received from the peer (in place allowed)
func (c *RTMPECipher) Decrypt(dst []byte, src []byte) {
	c.in.XORKeyStream(dst, src)
}

// Encrypts data to send to the peer (in place allowed)
func (c *RTMPECipher) Encrypt(dst []byte, src []byte) {
	c.out.XORKeyStream(dst, src)
}

// Drops the RC4 states. The cipher must not be used after this call.
func (c *RTMPECipher) Reset() {
	c.in = nil
	c.out = nil
}

// Reader that decrypts everything read from the peer
type rtmpeReader struct {
	r      io.Reader
	cipher *RTMPECipher
}

func (er *rtmpeReader) Read(p []byte) (int, error) {
	n, err := er.r.Read(p)
	if n > 0 {
		er.cipher.Decrypt(p[:n], p[:n])
	}
	return n, err
}

// Writer that encrypts everything sent to the peer
type rtmpeWriter struct {
	w      io.Writer
	cipher *RTMPECipher
	buf    []byte
}

func (ew *rtmpeWriter) Write(p []byte) (int, error) {
	if cap(ew.buf) < len(p) {
		ew.buf = make([]byte, len(p))
	}
	b := ew.buf[:len(p)]
	ew.cipher.Encrypt(b, p)
	return ew.w.Write(b)
}
