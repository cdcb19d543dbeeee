package subtletls

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	_ "crypto/sha256"
	_ "crypto/sha512"
)

type aeadFactory func(key []byte) (cipher.AEAD, error)

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// CipherSuiteParams carries the per-suite crypto configuration.
type CipherSuiteParams struct {
	Suite  CipherSuite
	Cipher aeadFactory
	Hash   crypto.Hash
	KeyLen int
	IvLen  int
}

var cipherSuiteMap = map[CipherSuite]CipherSuiteParams{
	TLS_AES_128_GCM_SHA256: {
		Suite:  TLS_AES_128_GCM_SHA256,
		Cipher: newAESGCM,
		Hash:   crypto.SHA256,
		KeyLen: 16,
		IvLen:  12,
	},
	TLS_AES_256_GCM_SHA384: {
		Suite:  TLS_AES_256_GCM_SHA384,
		Cipher: newAESGCM,
		Hash:   crypto.SHA384,
		KeyLen: 32,
		IvLen:  12,
	},
	TLS_CHACHA20_POLY1305_SHA256: {
		Suite:  TLS_CHACHA20_POLY1305_SHA256,
		Cipher: chacha20poly1305.New,
		Hash:   crypto.SHA256,
		KeyLen: 32,
		IvLen:  12,
	},
}

// keySet is one direction's traffic key material for an epoch.
type keySet struct {
	params CipherSuiteParams
	key    []byte
	iv     []byte
}

func (k keySet) wipe() {
	zeroize(k.key)
	zeroize(k.iv)
}

// Key schedule labels from RFC 8446 Section 7.1.
const (
	labelDerived                        = "derived"
	labelClientHandshakeTrafficSecret   = "c hs traffic"
	labelServerHandshakeTrafficSecret   = "s hs traffic"
	labelClientApplicationTrafficSecret = "c ap traffic"
	labelServerApplicationTrafficSecret = "s ap traffic"
	labelExporterSecret                 = "exp master"
	labelResumptionSecret               = "res master"
	labelFinished                       = "finished"
	labelTrafficUpdate                  = "traffic upd"
	labelKey                            = "key"
	labelIV                             = "iv"
)

func HkdfExtract(hash crypto.Hash, salt, ikm []byte) []byte {
	return hkdf.Extract(hash.New, ikm, salt)
}

func hkdfEncodeLabel(labelIn string, hashValue []byte, outLen int) []byte {
	label := "tls13 " + labelIn

	labelLen := len(label)
	hashLen := len(hashValue)
	hkdfLabel := make([]byte, 2+1+labelLen+1+hashLen)
	hkdfLabel[0] = byte(outLen >> 8)
	hkdfLabel[1] = byte(outLen)
	hkdfLabel[2] = byte(labelLen)
	copy(hkdfLabel[3:3+labelLen], []byte(label))
	hkdfLabel[3+labelLen] = byte(hashLen)
	copy(hkdfLabel[3+labelLen+1:], hashValue)

	return hkdfLabel
}

func HkdfExpandLabel(hash crypto.Hash, secret []byte, label string, hashValue []byte, outLen int) []byte {
	info := hkdfEncodeLabel(label, hashValue, outLen)
	out := make([]byte, outLen)
	n, err := hkdf.Expand(hash.New, secret, info).Read(out)
	if err != nil || n != outLen {
		panic(fmt.Errorf("hkdf-expand-label failure: %v", err))
	}

	logf(logTypeCrypto, "HKDF-Expand-Label:")
	logf(logTypeCrypto, "  label   = %s", label)
	logf(logTypeCrypto, "  output  = %x", out)
	return out
}

func deriveSecret(params CipherSuiteParams, secret []byte, label string, transcriptHash []byte) []byte {
	return HkdfExpandLabel(params.Hash, secret, label, transcriptHash, params.Hash.Size())
}

func computeFinishedData(params CipherSuiteParams, baseKey []byte, input []byte) []byte {
	macKey := HkdfExpandLabel(params.Hash, baseKey, labelFinished, []byte{}, params.Hash.Size())
	mac := hmac.New(params.Hash.New, macKey)
	mac.Write(input)
	return mac.Sum(nil)
}

func makeTrafficKeys(params CipherSuiteParams, secret []byte) keySet {
	logf(logTypeCrypto, "making traffic keys: secret=%x", secret)
	return keySet{
		params: params,
		key:    HkdfExpandLabel(params.Hash, secret, labelKey, []byte{}, params.KeyLen),
		iv:     HkdfExpandLabel(params.Hash, secret, labelIV, []byte{}, params.IvLen),
	}
}

func updateTrafficSecret(params CipherSuiteParams, secret []byte) []byte {
	return HkdfExpandLabel(params.Hash, secret, labelTrafficUpdate, []byte{}, params.Hash.Size())
}

func curveForGroup(group NamedGroup) (ecdh.Curve, error) {
	switch group {
	case X25519:
		return ecdh.X25519(), nil
	case P256:
		return ecdh.P256(), nil
	case P384:
		return ecdh.P384(), nil
	}
	return nil, fmt.Errorf("unsupported group %d", group)
}

// newKeyShare generates a fresh key pair for the group and returns the
// public value in the KeyShareEntry wire format along with the private key.
func newKeyShare(group NamedGroup) (pub []byte, priv []byte, err error) {
	curve, err := curveForGroup(group)
	if err != nil {
		return nil, nil, err
	}
	sk, err := curve.GenerateKey(prng)
	if err != nil {
		return nil, nil, err
	}
	return sk.PublicKey().Bytes(), sk.Bytes(), nil
}

// keyAgreement computes the ECDH shared secret against the peer's public
// value.  For the NIST groups the result is the X coordinate, per RFC 8446.
func keyAgreement(group NamedGroup, peerPub []byte, priv []byte) ([]byte, error) {
	curve, err := curveForGroup(group)
	if err != nil {
		return nil, err
	}
	sk, err := curve.NewPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pk, err := curve.NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return sk.ECDH(pk)
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// The signed content for CertificateVerify: 64 spaces, a context string, a
// zero byte, then the transcript hash (RFC 8446 Section 4.4.3).
const serverCertVerifyContext = "TLS 1.3, server CertificateVerify"

func encodeSignatureInput(contextString string, transcriptHash []byte) []byte {
	out := make([]byte, 0, 64+len(contextString)+1+len(transcriptHash))
	for i := 0; i < 64; i++ {
		out = append(out, 0x20)
	}
	out = append(out, []byte(contextString)...)
	out = append(out, 0)
	out = append(out, transcriptHash...)
	return out
}

func hashForScheme(scheme SignatureScheme) (crypto.Hash, error) {
	switch scheme {
	case ECDSA_P256_SHA256, RSA_PSS_SHA256:
		return crypto.SHA256, nil
	case ECDSA_P384_SHA384, RSA_PSS_SHA384:
		return crypto.SHA384, nil
	case ECDSA_P521_SHA512, RSA_PSS_SHA512:
		return crypto.SHA512, nil
	case Ed25519:
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported signature scheme %04x", uint16(scheme))
}

// verifySignature checks a CertificateVerify-style signature against a bare
// public key.  PKCS#1 v1.5 schemes are legal in certificates but not here,
// so only PSS, ECDSA and Ed25519 are accepted.
func verifySignature(scheme SignatureScheme, pub crypto.PublicKey, signed []byte, sig []byte) error {
	hashAlg, err := hashForScheme(scheme)
	if err != nil {
		return err
	}

	var digest []byte
	if hashAlg != 0 {
		h := hashAlg.New()
		h.Write(signed)
		digest = h.Sum(nil)
	}

	switch scheme {
	case RSA_PSS_SHA256, RSA_PSS_SHA384, RSA_PSS_SHA512:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("scheme %04x requires an RSA key", uint16(scheme))
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hashAlg}
		return rsa.VerifyPSS(rsaPub, hashAlg, digest, sig, opts)

	case ECDSA_P256_SHA256, ECDSA_P384_SHA384, ECDSA_P521_SHA512:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("scheme %04x requires an ECDSA key", uint16(scheme))
		}
		if !ecdsa.VerifyASN1(ecPub, digest, sig) {
			return fmt.Errorf("ECDSA verification failed")
		}
		return nil

	case Ed25519:
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("scheme %04x requires an Ed25519 key", uint16(scheme))
		}
		if !ed25519.Verify(edPub, signed, sig) {
			return fmt.Errorf("Ed25519 verification failed")
		}
		return nil
	}
	return fmt.Errorf("unsupported signature scheme %04x", uint16(scheme))
}

// schemeValidForKey reports whether the scheme the server chose matches the
// key type in its end-entity certificate.
func schemeValidForKey(scheme SignatureScheme, pub crypto.PublicKey) bool {
	switch pub.(type) {
	case *rsa.PublicKey:
		return scheme == RSA_PSS_SHA256 || scheme == RSA_PSS_SHA384 || scheme == RSA_PSS_SHA512
	case *ecdsa.PublicKey:
		return scheme == ECDSA_P256_SHA256 || scheme == ECDSA_P384_SHA384 || scheme == ECDSA_P521_SHA512
	case ed25519.PublicKey:
		return scheme == Ed25519
	}
	return false
}
