package subtletls

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	supportedVersion uint16 = 0x0304 // TLS 1.3
	tls12Version     uint16 = 0x0303
	tls10Version     uint16 = 0x0301

	recordHeaderLen    = 5
	handshakeHeaderLen = 4
	maxFragmentLen     = 16384
	// An encrypted record carries the inner content type plus the AEAD tag
	// and any padding; RFC 8446 Section 5.2 caps the expansion at 256.
	maxCiphertextLen = maxFragmentLen + 256
)

// enum {...} ContentType
type RecordType byte

const (
	RecordTypeChangeCipherSpec RecordType = 20
	RecordTypeAlert            RecordType = 21
	RecordTypeHandshake        RecordType = 22
	RecordTypeApplicationData  RecordType = 23
)

// enum {...} HandshakeType
type HandshakeType byte

const (
	HandshakeTypeClientHello         HandshakeType = 1
	HandshakeTypeServerHello         HandshakeType = 2
	HandshakeTypeNewSessionTicket    HandshakeType = 4
	HandshakeTypeEncryptedExtensions HandshakeType = 8
	HandshakeTypeCertificate         HandshakeType = 11
	HandshakeTypeCertificateRequest  HandshakeType = 13
	HandshakeTypeCertificateVerify   HandshakeType = 15
	HandshakeTypeFinished            HandshakeType = 20
	HandshakeTypeKeyUpdate           HandshakeType = 24
	HandshakeTypeMessageHash         HandshakeType = 254
)

// uint8 CipherSuite[2]
type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

func (c CipherSuite) String() string {
	switch c {
	case TLS_AES_128_GCM_SHA256:
		return "TLS_AES_128_GCM_SHA256"
	case TLS_AES_256_GCM_SHA384:
		return "TLS_AES_256_GCM_SHA384"
	case TLS_CHACHA20_POLY1305_SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"
	}
	return fmt.Sprintf("CipherSuite(%04x)", uint16(c))
}

// enum {...} NamedGroup
type NamedGroup uint16

const (
	P256   NamedGroup = 23
	P384   NamedGroup = 24
	X25519 NamedGroup = 29
)

// enum {...} SignatureScheme
type SignatureScheme uint16

const (
	RSA_PKCS1_SHA256  SignatureScheme = 0x0401
	RSA_PKCS1_SHA384  SignatureScheme = 0x0501
	RSA_PKCS1_SHA512  SignatureScheme = 0x0601
	ECDSA_P256_SHA256 SignatureScheme = 0x0403
	ECDSA_P384_SHA384 SignatureScheme = 0x0503
	ECDSA_P521_SHA512 SignatureScheme = 0x0603
	RSA_PSS_SHA256    SignatureScheme = 0x0804
	RSA_PSS_SHA384    SignatureScheme = 0x0805
	RSA_PSS_SHA512    SignatureScheme = 0x0806
	Ed25519           SignatureScheme = 0x0807
)

// enum {...} ExtensionType
type ExtensionType uint16

const (
	ExtensionTypeServerName          ExtensionType = 0
	ExtensionTypeSupportedGroups     ExtensionType = 10
	ExtensionTypeSignatureAlgorithms ExtensionType = 13
	ExtensionTypeALPN                ExtensionType = 16
	ExtensionTypeSupportedVersions   ExtensionType = 43
	ExtensionTypeCookie              ExtensionType = 44
	ExtensionTypeKeyShare            ExtensionType = 51
)

// enum {...} KeyUpdateRequest
type KeyUpdateRequest byte

const (
	KeyUpdateNotRequested KeyUpdateRequest = 0
	KeyUpdateRequested    KeyUpdateRequest = 1
)

// Epoch labels which generation of record protection a cipher state belongs
// to.  States advance Clear -> Handshake -> Application, with Update used for
// each post-handshake KeyUpdate rekey.
type Epoch uint16

const (
	EpochClear Epoch = iota
	EpochHandshakeData
	EpochApplicationData
	EpochUpdate
)

func (e Epoch) label() string {
	switch e {
	case EpochClear:
		return "clear"
	case EpochHandshakeData:
		return "handshake"
	case EpochApplicationData:
		return "application"
	}
	return "update"
}

// State is the coarse connection state exposed to callers.  The encrypted
// handshake flight (EncryptedExtensions .. Finished) is a single externally
// visible state; internally it is several HandshakeState structs.
type State uint8

const (
	StateStart State = iota
	StateWaitServerHello
	StateWaitEncryptedHandshake
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateWaitServerHello:
		return "WaitServerHello"
	case StateWaitEncryptedHandshake:
		return "WaitEncryptedHandshake"
	case StateConnected:
		return "Connected"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// The ServerHello random value that signals a HelloRetryRequest
// (RFC 8446 Section 4.1.3).
var hrrRandomSentinel = [32]byte{
	0xCF, 0x21, 0xAD, 0x74, 0xE5, 0x9A, 0x61, 0x11,
	0xBE, 0x1D, 0x8C, 0x02, 0x1E, 0x65, 0xB8, 0x91,
	0xC2, 0xA2, 0x11, 0x16, 0x7A, 0xBB, 0x8C, 0x5E,
	0x07, 0x9E, 0x09, 0xE2, 0xC8, 0xA8, 0x33, 0x9C,
}

// Pulled out so tests can supply deterministic randomness.
var prng io.Reader = rand.Reader

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// zeroize overwrites key material in place.  Callers still drop the slice
// afterwards; this just keeps secrets from lingering in reachable memory.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
