package subtletls

import (
	"crypto/x509"
	"io"
	"net"
	"sync"
	"time"
)

// Config is the set of knobs for a client connection.  A Config is immutable
// once a connection has been created from it; Clone before mutating.
type Config struct {
	ServerName string

	// TrustAnchors are the CA certificates chains must terminate at.
	// Ignored when RelaxedTrust is set.
	TrustAnchors []*x509.Certificate

	// RelaxedTrust skips the anchor termination check.  Every other part of
	// chain validation, and the CertificateVerify check, still runs.
	RelaxedTrust bool

	NextProtos       []string
	CipherSuites     []CipherSuite
	Groups           []NamedGroup
	SignatureSchemes []SignatureScheme

	// NonBlocking makes Handshake, Read and Write return AlertWouldBlock
	// instead of waiting on the transport.
	NonBlocking bool

	// PaddingLen appends this many zero bytes inside every encrypted
	// record, hiding plaintext lengths at the cost of bandwidth.
	PaddingLen int

	// Rand is the source of handshake randomness; nil means crypto/rand.
	Rand io.Reader

	// AEADBackend builds the record protection cipher for each traffic key.
	// The default is an in-process synchronous cipher.
	AEADBackend AEADBackendFactory

	// Time returns the current time; nil means time.Now.  Tests and clients
	// with skewed clocks override it.
	Time func() time.Time

	init bool
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Init fills in defaults.  It is idempotent.
func (c *Config) Init() error {
	if c.init {
		return nil
	}
	if len(c.CipherSuites) == 0 {
		c.CipherSuites = defaultSupportedCipherSuites
	}
	if len(c.Groups) == 0 {
		c.Groups = defaultSupportedGroups
	}
	if len(c.SignatureSchemes) == 0 {
		c.SignatureSchemes = defaultSignatureSchemes
	}
	if c.AEADBackend == nil {
		c.AEADBackend = defaultAEADBackend
	}
	if c.Rand == nil {
		c.Rand = prng
	}
	if c.PaddingLen < 0 {
		return &ProtocolError{Alert: AlertInternalError, Message: "negative padding length"}
	}
	for _, suite := range c.CipherSuites {
		if _, ok := cipherSuiteMap[suite]; !ok {
			return &ProtocolError{Alert: AlertInternalError, Message: "unsupported cipher suite in config"}
		}
	}
	c.init = true
	return nil
}

func (c *Config) time() time.Time {
	t := c.Time
	if t == nil {
		t = time.Now
	}
	return t()
}

var (
	defaultSupportedCipherSuites = []CipherSuite{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
	}

	defaultSupportedGroups = []NamedGroup{
		X25519,
		P256,
		P384,
	}

	defaultSignatureSchemes = []SignatureScheme{
		ECDSA_P256_SHA256,
		ECDSA_P384_SHA384,
		ECDSA_P521_SHA512,
		RSA_PSS_SHA256,
		RSA_PSS_SHA384,
		RSA_PSS_SHA512,
		Ed25519,
	}
)

// ConnectionState is a snapshot of the negotiated parameters.
type ConnectionState struct {
	HandshakeState   State
	CipherSuite      CipherSuiteParams
	NextProto        string
	PeerCertificates []*x509.Certificate
}

// Conn is a client TLS connection over an arbitrary transport.  It
// implements net.Conn.
//
// All methods follow one non-blocking convention: when the config sets
// NonBlocking, an operation that cannot progress returns AlertWouldBlock
// (for Read, as the error with n == 0) and may be retried later; no state
// is lost between retries.  Everything runs on the caller's goroutine.
type Conn struct {
	sync.Mutex

	conn   net.Conn
	config *Config

	in, out *RecordLayer
	hsCtx   *HandshakeContext

	hState         HandshakeState
	pendingActions []HandshakeAction

	handshakeComplete bool
	connParams        ConnectionParameters
	peerCertificates  []*x509.Certificate

	readBuffer []byte
	remoteEOF  bool
	closed     bool
	err        error
}

// NewConn wraps an established transport.  The handshake does not start
// until Handshake, Read or Write is called.
func NewConn(conn net.Conn, config *Config) *Conn {
	c := &Conn{conn: conn, config: config}
	c.in = NewRecordLayer(c.conn, DirectionRead)
	c.out = NewRecordLayer(c.conn, DirectionWrite)
	c.hsCtx = &HandshakeContext{}
	c.hsCtx.hIn = NewHandshakeLayer(c.in, c.out)
	c.hsCtx.hOut = c.hsCtx.hIn
	return c
}

// Dial connects over TCP and performs the handshake.
func Dial(network, addr string, config *Config) (*Conn, error) {
	if config.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		config = config.Clone()
		config.ServerName = host
	}

	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}

	c := NewConn(conn, config)
	if alert := c.Handshake(); alert != AlertNoAlert {
		conn.Close()
		return nil, c.errorOr(alert)
	}
	return c, nil
}

// errorOr prefers the typed error recorded for the failure, falling back to
// the alert itself.
func (c *Conn) errorOr(alert Alert) error {
	if c.err != nil {
		return c.err
	}
	return alert
}

// Err returns the typed error that terminated the connection, if any.
func (c *Conn) Err() error {
	c.Lock()
	defer c.Unlock()
	return c.err
}

// hsReader feeds the state machine and captures typed errors on the conn so
// that callers see more than a bare alert.
type hsReader struct {
	c *Conn
}

func (r hsReader) ReadMessage() (*HandshakeMessage, error) {
	hm, err := r.c.hsCtx.hIn.ReadMessage()
	if err == nil {
		return hm, nil
	}
	switch e := err.(type) {
	case Alert:
		return nil, e
	case *RemoteAlertError:
		r.c.err = e
		return nil, AlertHandshakeFailure
	default:
		r.c.err = err
		return nil, AlertInternalError
	}
}

func (c *Conn) setupHandshake() error {
	config := c.config.Clone()
	if err := config.Init(); err != nil {
		return err
	}
	c.config = config
	c.in.SetAEADBackend(config.AEADBackend)
	c.out.SetAEADBackend(config.AEADBackend)
	c.out.SetPaddingLen(config.PaddingLen)
	c.hState = clientStateStart{Config: config, hsCtx: c.hsCtx}
	return nil
}

// Handshake advances the handshake as far as the transport allows.  It
// returns AlertNoAlert once the connection is established, AlertWouldBlock
// when it needs to be called again later, and the offending alert on
// failure.  The alert has already been sent to the peer on failure.
func (c *Conn) Handshake() Alert {
	c.Lock()
	defer c.Unlock()
	return c.handshakeLocked()
}

func (c *Conn) handshakeLocked() Alert {
	if c.handshakeComplete {
		return AlertNoAlert
	}
	if c.closed {
		c.err = ErrClosed
		return AlertInternalError
	}
	if c.err != nil {
		return AlertInternalError
	}

	if c.hState == nil {
		if err := c.setupHandshake(); err != nil {
			c.err = err
			return AlertInternalError
		}
	}

	for {
		if alert := c.takePendingActions(); alert != AlertNoAlert {
			if alert == AlertWouldBlock && !c.config.NonBlocking {
				continue
			}
			return c.handshakeOutcome(alert)
		}

		if connected, ok := c.hState.(*stateConnected); ok {
			c.handshakeComplete = true
			c.connParams = connected.Params
			c.peerCertificates = connected.peerCertificates
			logf(logTypeHandshake, "handshake complete: suite=%s proto=%q",
				c.connParams.CipherSuite, c.connParams.NextProto)
			return AlertNoAlert
		}

		var nextState HandshakeState
		var actions []HandshakeAction
		var alert Alert
		if _, ok := c.hState.(clientStateStart); ok {
			nextState, actions, alert = c.hState.Next(nil)
		} else {
			nextState, actions, alert = c.hState.Next(hsReader{c})
		}

		if alert == AlertWouldBlock {
			if c.config.NonBlocking {
				return AlertWouldBlock
			}
			continue
		}
		if alert != AlertNoAlert {
			return c.handshakeOutcome(alert)
		}

		c.hState = nextState
		c.pendingActions = actions
	}
}

// handshakeOutcome fails the connection for any alert other than
// would-block, notifying the peer when the transport still works.
func (c *Conn) handshakeOutcome(alert Alert) Alert {
	if alert == AlertWouldBlock {
		return alert
	}
	logf(logTypeHandshake, "handshake failed: %s", alert)
	c.sendAlert(alert)
	if c.err == nil {
		c.err = &ProtocolError{Alert: alert, Message: "handshake failed"}
	}
	c.fail()
	return alert
}

// takePendingActions drains the action list left by the last state
// transition, stalling on the first action that would block so ordering is
// preserved.
func (c *Conn) takePendingActions() Alert {
	for len(c.pendingActions) > 0 {
		if alert := c.takeAction(c.pendingActions[0]); alert != AlertNoAlert {
			return alert
		}
		c.pendingActions = c.pendingActions[1:]
	}
	return AlertNoAlert
}

func (c *Conn) takeAction(actionGeneric HandshakeAction) Alert {
	switch action := actionGeneric.(type) {
	case QueueHandshakeMessage:
		c.hsCtx.hOut.QueueMessage(action.Message)

	case SendQueuedHandshake:
		if err := c.hsCtx.hOut.SendQueuedMessages(); err != nil {
			if err == AlertWouldBlock {
				return AlertWouldBlock
			}
			c.err = err
			return AlertInternalError
		}

	case RekeyIn:
		logf(logTypeHandshake, "rekey in: %s", action.epoch.label())
		if c.in.pendingRead != nil {
			return AlertWouldBlock
		}
		if err := c.in.Rekey(action.epoch, action.KeySet); err != nil {
			c.err = &CryptoError{Op: "rekey in", Err: err}
			return AlertInternalError
		}

	case RekeyOut:
		logf(logTypeHandshake, "rekey out: %s", action.epoch.label())
		// A seal still in flight belongs to the old epoch; let it land first.
		if c.out.pendingWrite != nil {
			if err := c.out.Flush(); err != nil {
				if err == AlertWouldBlock {
					return AlertWouldBlock
				}
				c.err = err
				return AlertInternalError
			}
		}
		if c.out.pendingWrite != nil {
			return AlertWouldBlock
		}
		if err := c.out.Rekey(action.epoch, action.KeySet); err != nil {
			c.err = &CryptoError{Op: "rekey out", Err: err}
			return AlertInternalError
		}

	default:
		logf(logTypeHandshake, "unknown action type")
		return AlertInternalError
	}
	return AlertNoAlert
}

func (c *Conn) sendAlert(alert Alert) {
	if alert == AlertNoAlert || alert == AlertWouldBlock {
		return
	}
	level := byte(2) // fatal
	if alert == AlertCloseNotify {
		level = 1 // warning
	}
	// Best effort; the transport may already be gone.
	c.out.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    []byte{level, byte(alert)},
	})
}

// fail tears down key material and pending crypto after a fatal error.
func (c *Conn) fail() {
	c.in.DiscardPending()
	c.out.DiscardPending()
	c.in.wipe()
	c.out.wipe()
	if holder, ok := c.hState.(secretHolder); ok {
		holder.wipeSecrets()
	}
}

// consumeRecord processes exactly one record on an established connection:
// application data lands in the read buffer, post-handshake messages are
// handled in place, close_notify marks EOF.
func (c *Conn) consumeRecord() error {
	pt, err := c.in.ReadRecord()
	if err != nil {
		return err
	}

	switch pt.contentType {
	case RecordTypeApplicationData:
		c.readBuffer = append(c.readBuffer, pt.fragment...)
		return nil

	case RecordTypeHandshake:
		if len(pt.fragment) == 0 {
			return AlertDecodeError
		}
		c.hsCtx.hIn.recvBuffer = append(c.hsCtx.hIn.recvBuffer, pt.fragment...)
		connected := c.hState.(*stateConnected)
		for {
			hm := c.hsCtx.hIn.extractMessage()
			if hm == nil {
				return nil
			}
			actions, alert := connected.ProcessMessage(hm)
			if alert != AlertNoAlert {
				c.sendAlert(alert)
				c.err = &ProtocolError{Alert: alert, Message: "bad post-handshake message"}
				c.fail()
				return c.err
			}
			c.pendingActions = append(c.pendingActions, actions...)
			if alert := c.takePendingActions(); alert != AlertNoAlert && alert != AlertWouldBlock {
				return c.errorOr(alert)
			}
		}

	case RecordTypeAlert:
		if len(pt.fragment) != 2 {
			return AlertDecodeError
		}
		alert := Alert(pt.fragment[1])
		if alert == AlertCloseNotify {
			logf(logTypeIO, "received close_notify")
			c.remoteEOF = true
			c.in.DiscardPending()
			return nil
		}
		c.err = &RemoteAlertError{Alert: alert}
		c.fail()
		return c.err

	default:
		return AlertUnexpectedMessage
	}
}

// Read returns decrypted application data.  Before the handshake completes
// it drives the handshake instead.  A non-blocking read with nothing ready
// returns (0, AlertWouldBlock).
func (c *Conn) Read(buffer []byte) (int, error) {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if alert := c.handshakeLocked(); alert != AlertNoAlert {
		if alert == AlertWouldBlock {
			return 0, AlertWouldBlock
		}
		return 0, c.errorOr(alert)
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	for len(c.readBuffer) == 0 {
		if c.remoteEOF {
			return 0, io.EOF
		}
		err := c.consumeRecord()
		switch {
		case err == nil:
			// Loop; the record may have carried no application data.
		case err == AlertWouldBlock:
			if c.config.NonBlocking {
				return 0, AlertWouldBlock
			}
		case err == io.EOF:
			// Transport EOF without close_notify: surface cleanly, the
			// caller decides whether truncation matters.
			return 0, io.EOF
		default:
			return 0, err
		}
	}

	n := copy(buffer, c.readBuffer)
	c.readBuffer = c.readBuffer[n:]
	return n, nil
}

// Write encrypts and sends application data, fragmenting as needed.  It
// reports how many payload bytes were consumed; on a would-block transport
// that can be short.
func (c *Conn) Write(buffer []byte) (int, error) {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if alert := c.handshakeLocked(); alert != AlertNoAlert {
		if alert == AlertWouldBlock {
			return 0, AlertWouldBlock
		}
		return 0, c.errorOr(alert)
	}

	sent := 0
	for sent < len(buffer) {
		chunk := buffer[sent:]
		if len(chunk) > maxFragmentLen {
			chunk = chunk[:maxFragmentLen]
		}
		err := c.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeApplicationData,
			fragment:    chunk,
		})
		if err == AlertWouldBlock {
			if sent > 0 {
				return sent, nil
			}
			return 0, AlertWouldBlock
		}
		if err != nil {
			return sent, err
		}
		sent += len(chunk)
	}
	return sent, nil
}

// SendKeyUpdate rolls our application traffic keys, optionally asking the
// peer to do the same.
func (c *Conn) SendKeyUpdate(requestUpdate bool) error {
	c.Lock()
	defer c.Unlock()

	if !c.handshakeComplete {
		return &ProtocolError{Alert: AlertInternalError, Message: "key update before handshake completion"}
	}
	request := KeyUpdateNotRequested
	if requestUpdate {
		request = KeyUpdateRequested
	}
	actions, alert := c.hState.(*stateConnected).KeyUpdate(request)
	if alert != AlertNoAlert {
		return &ProtocolError{Alert: alert, Message: "key update failed"}
	}
	c.pendingActions = append(c.pendingActions, actions...)
	if alert := c.takePendingActions(); alert != AlertNoAlert && alert != AlertWouldBlock {
		return c.errorOr(alert)
	}
	return nil
}

// Close sends close_notify, discards pending crypto without advancing
// sequence numbers, wipes key material, and closes the transport.
func (c *Conn) Close() error {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.handshakeComplete && c.err == nil {
		c.sendAlert(AlertCloseNotify)
		c.out.Flush()
	}
	c.fail()
	return c.conn.Close()
}

// ConnectionState returns a snapshot of the connection's negotiated state.
func (c *Conn) ConnectionState() ConnectionState {
	c.Lock()
	defer c.Unlock()

	state := ConnectionState{HandshakeState: c.currentState()}
	if c.handshakeComplete {
		state.CipherSuite = cipherSuiteMap[c.connParams.CipherSuite]
		state.NextProto = c.connParams.NextProto
		state.PeerCertificates = c.peerCertificates
	}
	return state
}

func (c *Conn) currentState() State {
	switch {
	case c.closed:
		return StateClosed
	case c.err != nil:
		return StateFailed
	case c.hState == nil:
		return StateStart
	default:
		return c.hState.State()
	}
}

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
