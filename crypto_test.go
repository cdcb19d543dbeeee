package subtletls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"testing"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	assertNotError(t, err, "bad hex in test")
	return b
}

// Key exchange values from the RFC 8448 simple 1-RTT handshake.
func TestKeyAgreementVector(t *testing.T) {
	priv := unhex(t, "b1580eeadf6dd589b8ef4f2d5652578cc810e9980191ec8d058308cea216a21e")
	peerPub := unhex(t, "99381de560e4bd43d23d8e435a7dbafeb3c06e51c13cae4d5413691e529aaf2c")
	expected := unhex(t, "8bd4054fb55b9d63fdfbacf9f04b9f0d35e6d63f537563efd46272900f89492d")

	shared, err := keyAgreement(X25519, peerPub, priv)
	assertNotError(t, err, "X25519 agreement failed")
	assertByteEquals(t, shared, expected)
}

// Early secret and derived secret for the zero-PSK SHA-256 schedule.
func TestKeyScheduleVectors(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	zero := make([]byte, 32)

	earlySecret := HkdfExtract(params.Hash, zero, zero)
	assertByteEquals(t, earlySecret,
		unhex(t, "33ad0a1c607ec03b09e6cd9893680ce210adf300aa1f2660e1b22e10f170f92a"))

	h0 := params.Hash.New().Sum(nil)
	derived := deriveSecret(params, earlySecret, labelDerived, h0)
	assertByteEquals(t, derived,
		unhex(t, "6f2615a108c702c5678f54fc9dbab69716c076189c48250cebeac3576c3611ba"))
}

// Full key schedule from the RFC 8448 simple 1-RTT handshake: the handshake
// and application traffic secrets plus the server handshake write keys, so a
// bad derivation label cannot cancel out between two sides of a loopback
// handshake.
func TestTrafficSecretVectors(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	zero := make([]byte, 32)
	h0 := params.Hash.New().Sum(nil)

	earlySecret := HkdfExtract(params.Hash, zero, zero)
	dhSecret := unhex(t, "8bd4054fb55b9d63fdfbacf9f04b9f0d35e6d63f537563efd46272900f89492d")
	handshakeSecret := HkdfExtract(params.Hash,
		deriveSecret(params, earlySecret, labelDerived, h0), dhSecret)
	assertByteEquals(t, handshakeSecret,
		unhex(t, "1dc826e93606aa6fdc0aadc12f741b01046aa6b99f691ed221a9f0ca043fbeac"))

	// Transcript hash over ClientHello..ServerHello.
	helloHash := unhex(t, "860c06edc07858ee8e78f0e7428c58edd6b43f2ca3e6e95f02ed063cf0e1cad8")
	chts := deriveSecret(params, handshakeSecret, labelClientHandshakeTrafficSecret, helloHash)
	shts := deriveSecret(params, handshakeSecret, labelServerHandshakeTrafficSecret, helloHash)
	assertByteEquals(t, chts,
		unhex(t, "b3eddb126e067f35a780b3abf45e2d8f3b1a950738f52e9600746a0e27a55a21"))
	assertByteEquals(t, shts,
		unhex(t, "b67b7d690cc16c4e75e54213cb2d37b4e9c912bcded9105d42befd59d391ad38"))

	serverKeys := makeTrafficKeys(params, shts)
	assertByteEquals(t, serverKeys.key, unhex(t, "3fce516009c21727d0f2e4e86ee403bc"))
	assertByteEquals(t, serverKeys.iv, unhex(t, "5d313eb2671276ee13000b30"))

	masterSecret := HkdfExtract(params.Hash,
		deriveSecret(params, handshakeSecret, labelDerived, h0), zero)
	assertByteEquals(t, masterSecret,
		unhex(t, "18df06843d13a08bf2a449844c5f8a478001bc4d4c627984d5a41da8d0402919"))

	// Transcript hash over ClientHello..server Finished.
	finishedHash := unhex(t, "9608102a0f1ccc6db6250b7b7e417b1a000eaada3daae4777a7686c9ff83df13")
	assertByteEquals(t,
		deriveSecret(params, masterSecret, labelClientApplicationTrafficSecret, finishedHash),
		unhex(t, "9e40646ce79a7f9dc05af8889bce6552875afa0b06df0087f792ebb7c17504a5"))
	assertByteEquals(t,
		deriveSecret(params, masterSecret, labelServerApplicationTrafficSecret, finishedHash),
		unhex(t, "a11af9f05531f856ad47116b45a950328204b4f44bfb6b3a4b4f1f3fcb631643"))
}

func TestHkdfLabelEncoding(t *testing.T) {
	info := hkdfEncodeLabel("key", []byte{}, 16)

	// 2-byte length, then "tls13 key" with a 1-byte length, then empty context.
	assertEquals(t, int(info[0])<<8|int(info[1]), 16)
	assertEquals(t, int(info[2]), len("tls13 key"))
	assertByteEquals(t, info[3:3+9], []byte("tls13 key"))
	assertEquals(t, int(info[12]), 0)
	assertEquals(t, len(info), 13)
}

func TestMakeTrafficKeys(t *testing.T) {
	for suite, params := range cipherSuiteMap {
		secret := make([]byte, params.Hash.Size())
		keys := makeTrafficKeys(params, secret)
		if len(keys.key) != params.KeyLen {
			t.Fatalf("%v: key length %d != %d", suite, len(keys.key), params.KeyLen)
		}
		if len(keys.iv) != params.IvLen {
			t.Fatalf("%v: iv length %d != %d", suite, len(keys.iv), params.IvLen)
		}
	}
}

func TestUpdateTrafficSecret(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	secret := make([]byte, params.Hash.Size())

	next := updateTrafficSecret(params, secret)
	assertEquals(t, len(next), params.Hash.Size())
	assertTrue(t, !bytesEqual(next, secret), "traffic update produced the same secret")

	// The update must be deterministic.
	assertByteEquals(t, next, updateTrafficSecret(params, secret))
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestKeyShareRoundTrip(t *testing.T) {
	for _, group := range []NamedGroup{X25519, P256, P384} {
		alicePub, alicePriv, err := newKeyShare(group)
		assertNotError(t, err, "key share generation failed")
		bobPub, bobPriv, err := newKeyShare(group)
		assertNotError(t, err, "key share generation failed")

		ab, err := keyAgreement(group, bobPub, alicePriv)
		assertNotError(t, err, "key agreement failed")
		ba, err := keyAgreement(group, alicePub, bobPriv)
		assertNotError(t, err, "key agreement failed")
		assertByteEquals(t, ab, ba)
	}
}

func TestVerifySignatureECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assertNotError(t, err, "key generation failed")

	transcript := make([]byte, 32)
	signed := encodeSignatureInput(serverCertVerifyContext, transcript)
	digest := sha256Of(signed)

	sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
	assertNotError(t, err, "signing failed")

	assertNotError(t,
		verifySignature(ECDSA_P256_SHA256, &key.PublicKey, signed, sig),
		"good signature rejected")

	sig[0] ^= 0xff
	assertError(t,
		verifySignature(ECDSA_P256_SHA256, &key.PublicKey, signed, sig),
		"tampered signature accepted")
}

func TestVerifySignatureRSAPSS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assertNotError(t, err, "key generation failed")

	signed := []byte("signed content")
	digest := sha256Of(signed)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	assertNotError(t, err, "signing failed")

	assertNotError(t,
		verifySignature(RSA_PSS_SHA256, &key.PublicKey, signed, sig),
		"good signature rejected")

	// PKCS#1 v1.5 schemes are never acceptable for CertificateVerify.
	assertError(t,
		verifySignature(RSA_PKCS1_SHA256, &key.PublicKey, signed, sig),
		"PKCS#1 v1.5 scheme accepted")
}

func TestVerifySignatureEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	assertNotError(t, err, "key generation failed")

	signed := []byte("signed content")
	sig := ed25519.Sign(priv, signed)
	assertNotError(t, verifySignature(Ed25519, pub, signed, sig), "good signature rejected")

	// Scheme/key mismatch.
	assertTrue(t, !schemeValidForKey(ECDSA_P256_SHA256, pub), "ECDSA scheme valid for Ed25519 key")
	assertTrue(t, schemeValidForKey(Ed25519, pub), "Ed25519 scheme invalid for Ed25519 key")
}

func sha256Of(b []byte) []byte {
	h := crypto.SHA256.New()
	h.Write(b)
	return h.Sum(nil)
}

func TestIsAllZero(t *testing.T) {
	assertTrue(t, isAllZero(make([]byte, 32)), "zero slice not detected")
	b := make([]byte, 32)
	b[31] = 1
	assertTrue(t, !isAllZero(b), "nonzero slice reported as zero")
}
