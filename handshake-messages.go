package subtletls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// HandshakeMessage is a parsed-but-opaque handshake message: type plus body,
// with the four-byte header reconstructable for the transcript.
type HandshakeMessage struct {
	msgType HandshakeType
	body    []byte
}

// Marshal produces the full message including the handshake header.  These
// exact bytes feed the transcript hash.
func (hm *HandshakeMessage) Marshal() []byte {
	out := make([]byte, handshakeHeaderLen+len(hm.body))
	out[0] = byte(hm.msgType)
	out[1] = byte(len(hm.body) >> 16)
	out[2] = byte(len(hm.body) >> 8)
	out[3] = byte(len(hm.body))
	copy(out[handshakeHeaderLen:], hm.body)
	return out
}

type keyShareEntry struct {
	Group       NamedGroup
	KeyExchange []byte
}

type clientHelloBody struct {
	Random          [32]byte
	LegacySessionID []byte
	CipherSuites    []CipherSuite

	ServerName       string
	SupportedGroups  []NamedGroup
	SignatureSchemes []SignatureScheme
	ALPNProtocols    []string
	KeyShares        []keyShareEntry
	Cookie           []byte
}

func (ch *clientHelloBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(tls12Version)
	b.AddBytes(ch.Random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(ch.LegacySessionID)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, suite := range ch.CipherSuites {
			b.AddUint16(uint16(suite))
		}
	})
	// legacy_compression_methods = [null]
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0)
	})

	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		if ch.ServerName != "" {
			addExtension(b, ExtensionTypeServerName, func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8(0) // host_name
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(ch.ServerName))
					})
				})
			})
		}
		addExtension(b, ExtensionTypeSupportedGroups, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, g := range ch.SupportedGroups {
					b.AddUint16(uint16(g))
				}
			})
		})
		addExtension(b, ExtensionTypeSignatureAlgorithms, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, s := range ch.SignatureSchemes {
					b.AddUint16(uint16(s))
				}
			})
		})
		if len(ch.ALPNProtocols) > 0 {
			addExtension(b, ExtensionTypeALPN, func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, proto := range ch.ALPNProtocols {
						b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes([]byte(proto))
						})
					}
				})
			})
		}
		if len(ch.Cookie) > 0 {
			addExtension(b, ExtensionTypeCookie, func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(ch.Cookie)
				})
			})
		}
		addExtension(b, ExtensionTypeSupportedVersions, func(b *cryptobyte.Builder) {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(supportedVersion)
			})
		})
		addExtension(b, ExtensionTypeKeyShare, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, ks := range ch.KeyShares {
					b.AddUint16(uint16(ks.Group))
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes(ks.KeyExchange)
					})
				}
			})
		})
	})
	return b.Bytes()
}

func addExtension(b *cryptobyte.Builder, extType ExtensionType, body func(b *cryptobyte.Builder)) {
	b.AddUint16(uint16(extType))
	b.AddUint16LengthPrefixed(body)
}

type serverHelloBody struct {
	Random          [32]byte
	LegacySessionID []byte
	CipherSuite     CipherSuite

	SelectedVersion uint16
	KeyShare        *keyShareEntry
	// HRR-only fields.
	SelectedGroup NamedGroup
	Cookie        []byte
}

func (sh *serverHelloBody) Unmarshal(data []byte) error {
	s := cryptobyte.String(data)

	var legacyVersion uint16
	if !s.ReadUint16(&legacyVersion) || legacyVersion != tls12Version {
		return fmt.Errorf("ServerHello: bad legacy_version")
	}
	if !s.CopyBytes(sh.Random[:]) {
		return fmt.Errorf("ServerHello: short random")
	}
	var sessionID cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) {
		return fmt.Errorf("ServerHello: bad session id")
	}
	sh.LegacySessionID = dup(sessionID)

	var suite uint16
	if !s.ReadUint16(&suite) {
		return fmt.Errorf("ServerHello: missing cipher suite")
	}
	sh.CipherSuite = CipherSuite(suite)

	var compression uint8
	if !s.ReadUint8(&compression) || compression != 0 {
		return fmt.Errorf("ServerHello: bad compression method")
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return fmt.Errorf("ServerHello: bad extensions block")
	}

	isHRR := sh.Random == hrrRandomSentinel
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return fmt.Errorf("ServerHello: bad extension framing")
		}

		switch ExtensionType(extType) {
		case ExtensionTypeSupportedVersions:
			if !extData.ReadUint16(&sh.SelectedVersion) || !extData.Empty() {
				return fmt.Errorf("ServerHello: bad supported_versions")
			}
		case ExtensionTypeKeyShare:
			if isHRR {
				var group uint16
				if !extData.ReadUint16(&group) || !extData.Empty() {
					return fmt.Errorf("HelloRetryRequest: bad key_share")
				}
				sh.SelectedGroup = NamedGroup(group)
			} else {
				var group uint16
				var keyExchange cryptobyte.String
				if !extData.ReadUint16(&group) ||
					!extData.ReadUint16LengthPrefixed(&keyExchange) ||
					!extData.Empty() {
					return fmt.Errorf("ServerHello: bad key_share")
				}
				sh.KeyShare = &keyShareEntry{
					Group:       NamedGroup(group),
					KeyExchange: dup(keyExchange),
				}
			}
		case ExtensionTypeCookie:
			var cookie cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&cookie) || !extData.Empty() || len(cookie) == 0 {
				return fmt.Errorf("ServerHello: bad cookie")
			}
			sh.Cookie = dup(cookie)
		default:
			// Unknown ServerHello extensions are a protocol violation, but
			// we defer that judgment to the state machine, which knows what
			// it offered.
		}
	}
	return nil
}

type encryptedExtensionsBody struct {
	ALPNProtocol string
}

func (ee *encryptedExtensionsBody) Unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return fmt.Errorf("EncryptedExtensions: bad framing")
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return fmt.Errorf("EncryptedExtensions: bad extension framing")
		}
		switch ExtensionType(extType) {
		case ExtensionTypeALPN:
			var protocols cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&protocols) || !extData.Empty() {
				return fmt.Errorf("EncryptedExtensions: bad ALPN")
			}
			var proto cryptobyte.String
			if !protocols.ReadUint8LengthPrefixed(&proto) || !protocols.Empty() || len(proto) == 0 {
				return fmt.Errorf("EncryptedExtensions: ALPN must select exactly one protocol")
			}
			ee.ALPNProtocol = string(proto)
		}
	}
	return nil
}

type certificateBody struct {
	CertificateRequestContext []byte
	CertificateList           [][]byte
}

func (c *certificateBody) Unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var context cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&context) {
		return fmt.Errorf("Certificate: bad request context")
	}
	c.CertificateRequestContext = dup(context)

	var certList cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&certList) || !s.Empty() {
		return fmt.Errorf("Certificate: bad certificate_list")
	}
	for !certList.Empty() {
		var certData cryptobyte.String
		var extensions cryptobyte.String
		if !certList.ReadUint24LengthPrefixed(&certData) ||
			!certList.ReadUint16LengthPrefixed(&extensions) ||
			len(certData) == 0 {
			return fmt.Errorf("Certificate: bad entry")
		}
		c.CertificateList = append(c.CertificateList, dup(certData))
	}
	return nil
}

type certificateVerifyBody struct {
	Algorithm SignatureScheme
	Signature []byte
}

func (cv *certificateVerifyBody) Unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var alg uint16
	var sig cryptobyte.String
	if !s.ReadUint16(&alg) || !s.ReadUint16LengthPrefixed(&sig) || !s.Empty() {
		return fmt.Errorf("CertificateVerify: bad framing")
	}
	cv.Algorithm = SignatureScheme(alg)
	cv.Signature = dup(sig)
	return nil
}

type finishedBody struct {
	VerifyDataLen int
	VerifyData    []byte
}

func (f *finishedBody) Marshal() ([]byte, error) {
	if len(f.VerifyData) != f.VerifyDataLen {
		return nil, fmt.Errorf("Finished: verify data length mismatch")
	}
	return dup(f.VerifyData), nil
}

func (f *finishedBody) Unmarshal(data []byte) error {
	if len(data) != f.VerifyDataLen {
		return fmt.Errorf("Finished: expected %d bytes, got %d", f.VerifyDataLen, len(data))
	}
	f.VerifyData = dup(data)
	return nil
}

type newSessionTicketBody struct {
	Lifetime uint32
}

func (nst *newSessionTicketBody) Unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var ageAdd uint32
	var nonce, ticket, extensions cryptobyte.String
	if !s.ReadUint32(&nst.Lifetime) ||
		!s.ReadUint32(&ageAdd) ||
		!s.ReadUint8LengthPrefixed(&nonce) ||
		!s.ReadUint16LengthPrefixed(&ticket) ||
		len(ticket) == 0 ||
		!s.ReadUint16LengthPrefixed(&extensions) ||
		!s.Empty() {
		return fmt.Errorf("NewSessionTicket: bad framing")
	}
	return nil
}

type keyUpdateBody struct {
	KeyUpdateRequest KeyUpdateRequest
}

func (ku *keyUpdateBody) Marshal() ([]byte, error) {
	return []byte{byte(ku.KeyUpdateRequest)}, nil
}

func (ku *keyUpdateBody) Unmarshal(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("KeyUpdate: bad length")
	}
	if data[0] > byte(KeyUpdateRequested) {
		return fmt.Errorf("KeyUpdate: bad request value")
	}
	ku.KeyUpdateRequest = KeyUpdateRequest(data[0])
	return nil
}
