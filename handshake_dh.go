// RTMPE - Diffie-Hellman key exchange

package main

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

// Length of the DH public key and shared secret (1024 bits)
const DH_KEY_LENGTH = 128

// Length of each RC4 key
const RC4_KEY_LENGTH = 16

// 1024-bit MODP group (RFC 2409, Oakley group 2)
const dhPrimeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
	"FFFFFFFFFFFFFFFF"

var dhPrime = mustParseHexInt(dhPrimeHex)
var dhGenerator = big.NewInt(2)

var dhMinValue = big.NewInt(2)
var dhMaxValue = new(big.Int).Sub(dhPrime, big.NewInt(2))

func mustParseHexInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("invalid hex integer")
	}
	return n
}

// Diffie-Hellman key pair. Lives only during one handshake.
type DHKeyPair struct {
	private *big.Int
	public  *big.Int
}

// Generates a Diffie-Hellman key pair
// Returns the key pair
func generateDHKeyPair() (*DHKeyPair, error) {
	// private in [2, p-2]
	max := new(big.Int).Sub(dhPrime, big.NewInt(3))

	for {
		x, err := rand.Int(rand.Reader, max)

		if err != nil {
			return nil, wrapHandshakeError(HANDSHAKE_ERROR_KEY_EXCHANGE, "could not generate private key", err)
		}

		x.Add(x, dhMinValue)

		y := new(big.Int).Exp(dhGenerator, x, dhPrime)

		if isValidDHValue(y) {
			return &DHKeyPair{
				private: x,
				public:  y,
			}, nil
		}
	}
}

func isValidDHValue(y *big.Int) bool {
	return y.Cmp(dhMinValue) >= 0 && y.Cmp(dhMaxValue) <= 0
}

// Returns the public key, as DH_KEY_LENGTH big endian bytes
func (kp *DHKeyPair) PublicKeyBytes() []byte {
	return kp.public.FillBytes(make([]byte, DH_KEY_LENGTH))
}

// Computes the shared secret with the peer public key
func (kp *DHKeyPair) ComputeSharedSecret(peerPublicKey []byte) ([]byte, error) {
	if kp.private == nil {
		return nil, newHandshakeError(HANDSHAKE_ERROR_KEY_EXCHANGE, "key pair already released")
	}
	return computeSharedSecret(kp.private, peerPublicKey)
}

// Zeroes the private key
func (kp *DHKeyPair) Release() {
	if kp.private != nil {
		zeroBigInt(kp.private)
		kp.private = nil
	}
}

func zeroBigInt(n *big.Int) {
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
	n.SetInt64(0)
}

// Checks a public key received from the peer
// publicKey - The key (DH_KEY_LENGTH bytes)
// Returns a key-exchange error if the length or the value is not valid
func validateDHPublicKey(publicKey []byte) error {
	if len(publicKey) != DH_KEY_LENGTH {
		return newHandshakeError(HANDSHAKE_ERROR_KEY_EXCHANGE, "peer public key must be "+strconv.Itoa(DH_KEY_LENGTH)+" bytes, received "+strconv.Itoa(len(publicKey)))
	}

	if !isValidDHValue(new(big.Int).SetBytes(publicKey)) {
		return newHandshakeError(HANDSHAKE_ERROR_KEY_EXCHANGE, "peer public key out of range")
	}

	return nil
}

// Computes the Diffie-Hellman shared secret
// ownPrivateKey - Own private key
// peerPublicKey - Public key received from the peer (DH_KEY_LENGTH bytes)
// Returns the shared secret (DH_KEY_LENGTH bytes)
func computeSharedSecret(ownPrivateKey *big.Int, peerPublicKey []byte) ([]byte, error) {
	if err := validateDHPublicKey(peerPublicKey); err != nil {
		return nil, err
	}

	y := new(big.Int).SetBytes(peerPublicKey)
	s := new(big.Int).Exp(y, ownPrivateKey, dhPrime)
	secret := s.FillBytes(make([]byte, DH_KEY_LENGTH))
	zeroBigInt(s)

	return secret, nil
}

// RC4 keys negotiated by an encrypted handshake
type CipherKeys struct {
	In  [RC4_KEY_LENGTH]byte // Decrypts what the peer sends
	Out [RC4_KEY_LENGTH]byte // Encrypts what is sent to the peer
}

// Derives the RC4 keys from the shared secret.
// The peer runs the same computation with the public keys swapped,
// so its outbound key is our inbound key.
// sharedSecret - The DH shared secret
// peerPublicKey - Public key of the peer
// ownPublicKey - Own public key
// Returns the keys
func deriveCipherKeys(sharedSecret []byte, peerPublicKey []byte, ownPublicKey []byte) *CipherKeys {
	keys := &CipherKeys{}
	digest := make([]byte, SHA256DL)

	calcHmacInto(peerPublicKey, 0, len(peerPublicKey), sharedSecret, len(sharedSecret), digest, 0)
	copy(keys.Out[:], digest)

	calcHmacInto(ownPublicKey, 0, len(ownPublicKey), sharedSecret, len(sharedSecret), digest, 0)
	copy(keys.In[:], digest)

	zeroBytes(digest)

	return keys
}

// Zeroes the keys
func (k *CipherKeys) Zero() {
	zeroBytes(k.In[:])
	zeroBytes(k.Out[:])
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
