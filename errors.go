package subtletls

import (
	"errors"
	"fmt"
)

// Alert is the TLS alert code for a failure, used both on the wire and as the
// error type threaded through the handshake state machine.
type Alert uint8

const (
	AlertCloseNotify            Alert = 0
	AlertUnexpectedMessage      Alert = 10
	AlertBadRecordMAC           Alert = 20
	AlertRecordOverflow         Alert = 22
	AlertHandshakeFailure       Alert = 40
	AlertBadCertificate         Alert = 42
	AlertUnsupportedCertificate Alert = 43
	AlertCertificateRevoked     Alert = 44
	AlertCertificateExpired     Alert = 45
	AlertCertificateUnknown     Alert = 46
	AlertIllegalParameter       Alert = 47
	AlertUnknownCA              Alert = 48
	AlertAccessDenied           Alert = 49
	AlertDecodeError            Alert = 50
	AlertDecryptError           Alert = 51
	AlertProtocolVersion        Alert = 70
	AlertInsufficientSecurity   Alert = 71
	AlertInternalError          Alert = 80
	AlertUserCanceled           Alert = 90
	AlertMissingExtension       Alert = 109
	AlertUnsupportedExtension   Alert = 110
	AlertUnrecognizedName       Alert = 112
	AlertNoApplicationProtocol  Alert = 120
	AlertWouldBlock             Alert = 254
	AlertNoAlert                Alert = 255
)

func (a Alert) String() string {
	switch a {
	case AlertCloseNotify:
		return "close notify"
	case AlertUnexpectedMessage:
		return "unexpected message"
	case AlertBadRecordMAC:
		return "bad record MAC"
	case AlertRecordOverflow:
		return "record overflow"
	case AlertHandshakeFailure:
		return "handshake failure"
	case AlertBadCertificate:
		return "bad certificate"
	case AlertUnsupportedCertificate:
		return "unsupported certificate"
	case AlertCertificateRevoked:
		return "revoked certificate"
	case AlertCertificateExpired:
		return "expired certificate"
	case AlertCertificateUnknown:
		return "unknown certificate"
	case AlertIllegalParameter:
		return "illegal parameter"
	case AlertUnknownCA:
		return "unknown certificate authority"
	case AlertAccessDenied:
		return "access denied"
	case AlertDecodeError:
		return "error decoding message"
	case AlertDecryptError:
		return "error decrypting message"
	case AlertProtocolVersion:
		return "protocol version not supported"
	case AlertInsufficientSecurity:
		return "insufficient security level"
	case AlertInternalError:
		return "internal error"
	case AlertUserCanceled:
		return "user canceled"
	case AlertMissingExtension:
		return "missing extension"
	case AlertUnsupportedExtension:
		return "unsupported extension"
	case AlertUnrecognizedName:
		return "unrecognized name"
	case AlertNoApplicationProtocol:
		return "no application protocol"
	case AlertWouldBlock:
		return "would have blocked"
	case AlertNoAlert:
		return "no alert"
	}
	return fmt.Sprintf("alert(%d)", uint8(a))
}

func (a Alert) Error() string {
	return a.String()
}

// ErrWouldBlock is returned from Read, Write and Handshake when progress
// requires more transport bytes or a pending crypto result.  The caller
// retries once the underlying condition changes; nothing is lost.
var ErrWouldBlock = AlertWouldBlock

// ErrSequenceExhausted is returned once a direction's record sequence number
// reaches its maximum.  The cipher state is permanently unusable afterwards;
// the connection must be torn down.
var ErrSequenceExhausted = errors.New("record sequence number exhausted")

// ErrClosed is returned from operations on a connection after Close.
var ErrClosed = errors.New("connection closed")

// RemoteAlertError reports an alert the peer sent us.
type RemoteAlertError struct {
	Alert Alert
}

func (e *RemoteAlertError) Error() string {
	return "remote alert: " + e.Alert.String()
}

// TransportError wraps a failure from the underlying transport so callers can
// distinguish I/O faults from protocol violations.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a peer message that violates the protocol, together
// with the alert that was (or would be) sent in response.
type ProtocolError struct {
	Alert   Alert
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s (alert: %s)", e.Message, e.Alert)
}

// CryptoError reports a failure inside a cryptographic primitive, including
// asynchronous backend failures surfaced through PendingCryptoOperation.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// CertificateErrorReason classifies why chain validation rejected the
// server's certificate.
type CertificateErrorReason uint8

const (
	CertExpired CertificateErrorReason = iota
	CertNameMismatch
	CertUnknownCA
	CertBadSignature
	CertConstraintViolation
)

func (r CertificateErrorReason) String() string {
	switch r {
	case CertExpired:
		return "expired"
	case CertNameMismatch:
		return "name mismatch"
	case CertUnknownCA:
		return "unknown CA"
	case CertBadSignature:
		return "bad signature"
	case CertConstraintViolation:
		return "constraint violation"
	}
	return "unknown"
}

// CertificateError reports a chain validation failure.
type CertificateError struct {
	Reason  CertificateErrorReason
	Message string
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate: %s: %s", e.Reason, e.Message)
}

func (e *CertificateError) alert() Alert {
	switch e.Reason {
	case CertExpired:
		return AlertCertificateExpired
	case CertNameMismatch:
		return AlertBadCertificate
	case CertUnknownCA:
		return AlertUnknownCA
	case CertBadSignature:
		return AlertBadCertificate
	case CertConstraintViolation:
		return AlertBadCertificate
	}
	return AlertBadCertificate
}
