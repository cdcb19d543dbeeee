package subtletls

import (
	"bytes"
	"crypto/hmac"
	"crypto/x509"
	"hash"
	"io"
	"net"

	"golang.org/x/net/idna"
)

// Client state machine, per RFC 8446 Appendix A.1:
//
//	START <----+
//	 | Send ClientHello |
//	 v        |
//	WAIT_SH ---+ (HelloRetryRequest, at most once)
//	 | Recv ServerHello
//	 v
//	WAIT_EE -> WAIT_CERT_CR -> WAIT_CV -> WAIT_FINISHED -> CONNECTED
//
// Each state is immutable from the caller's perspective: Next either returns
// the same state (on AlertWouldBlock), or the successor plus the actions the
// connection must take.

type clientStateStart struct {
	Config *Config
	hsCtx  *HandshakeContext

	cookie            []byte
	selectedGroup     NamedGroup
	firstClientHello  *HandshakeMessage
	helloRetryRequest *HandshakeMessage

	// Carried across a HelloRetryRequest so the retry ClientHello repeats
	// the original's random and legacy session id.
	retryRandom    *[32]byte
	retrySessionID []byte
}

var _ HandshakeState = &clientStateStart{}

func (state clientStateStart) State() State {
	return StateStart
}

func (state clientStateStart) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	if hr != nil {
		return nil, nil, AlertInternalError
	}

	// After an HRR that named a group, offer only that group.
	groups := state.Config.Groups
	if state.selectedGroup != 0 {
		groups = []NamedGroup{state.selectedGroup}
	}

	offeredDH := map[NamedGroup][]byte{}
	var shares []keyShareEntry
	for _, group := range groups {
		pub, priv, err := newKeyShare(group)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] Error generating key share [%v]", err)
			return nil, nil, AlertInternalError
		}
		offeredDH[group] = priv
		shares = append(shares, keyShareEntry{Group: group, KeyExchange: pub})
	}

	ch := &clientHelloBody{
		CipherSuites:     state.Config.CipherSuites,
		SupportedGroups:  groups,
		SignatureSchemes: state.Config.SignatureSchemes,
		ALPNProtocols:    state.Config.NextProtos,
		KeyShares:        shares,
		Cookie:           state.cookie,
	}
	// A retry ClientHello repeats the original random and session id, with
	// only the key shares, cookie and group list changed.  A fresh hello
	// generates both; the non-empty legacy session id keeps middleboxes
	// that expect a TLS 1.2-shaped handshake happy.
	if state.helloRetryRequest != nil {
		ch.Random = *state.retryRandom
		ch.LegacySessionID = state.retrySessionID
	} else {
		if _, err := io.ReadFull(state.Config.Rand, ch.Random[:]); err != nil {
			logf(logTypeHandshake, "[ClientStateStart] Error generating random [%v]", err)
			return nil, nil, AlertInternalError
		}
		sessionID := make([]byte, 32)
		if _, err := io.ReadFull(state.Config.Rand, sessionID); err != nil {
			return nil, nil, AlertInternalError
		}
		ch.LegacySessionID = sessionID
	}

	// SNI carries only DNS names, normalized; IP literals are omitted.
	if state.Config.ServerName != "" && net.ParseIP(state.Config.ServerName) == nil {
		name, err := idna.Lookup.ToASCII(state.Config.ServerName)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] Invalid server name [%v]", err)
			return nil, nil, AlertInternalError
		}
		ch.ServerName = name
	}

	body, err := ch.Marshal()
	if err != nil {
		logf(logTypeHandshake, "[ClientStateStart] Error marshaling ClientHello [%v]", err)
		return nil, nil, AlertInternalError
	}
	clientHello := handshakeMessageFromBody(HandshakeTypeClientHello, body)
	logf(logTypeHandshake, "[ClientStateStart] -> [ClientStateWaitSH]")

	nextState := clientStateWaitSH{
		Config:    state.Config,
		hsCtx:     state.hsCtx,
		OfferedDH: offeredDH,

		firstClientHello:  state.firstClientHello,
		helloRetryRequest: state.helloRetryRequest,
		clientHello:       clientHello,
	}
	toSend := []HandshakeAction{
		QueueHandshakeMessage{clientHello},
		SendQueuedHandshake{},
	}
	return nextState, toSend, AlertNoAlert
}

// clientHelloOffer recovers the random and legacy session id from a
// marshaled ClientHello body without a full re-parse.
type clientHelloOffer struct {
	random    [32]byte
	sessionID []byte
}

func (c *clientHelloOffer) extract(chBody []byte) Alert {
	// 2 version + 32 random, then the length-prefixed session id.
	if len(chBody) < 35 {
		return AlertInternalError
	}
	copy(c.random[:], chBody[2:34])
	idLen := int(chBody[34])
	if len(chBody) < 35+idLen {
		return AlertInternalError
	}
	c.sessionID = dup(chBody[35 : 35+idLen])
	return AlertNoAlert
}

type clientStateWaitSH struct {
	Config    *Config
	hsCtx     *HandshakeContext
	OfferedDH map[NamedGroup][]byte

	firstClientHello  *HandshakeMessage
	helloRetryRequest *HandshakeMessage
	clientHello       *HandshakeMessage
}

var _ HandshakeState = &clientStateWaitSH{}

func (state clientStateWaitSH) State() State {
	return StateWaitServerHello
}

func (state clientStateWaitSH) wipeSecrets() {
	for _, priv := range state.OfferedDH {
		zeroize(priv)
	}
}

func (state clientStateWaitSH) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, err := hr.ReadMessage()
	if err != nil {
		return nil, nil, alertFromReadError(err)
	}
	if hm.msgType != HandshakeTypeServerHello {
		logf(logTypeHandshake, "[ClientStateWaitSH] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	sh := &serverHelloBody{}
	if err := sh.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] Error decoding ServerHello [%v]", err)
		return nil, nil, AlertDecodeError
	}

	// Common SH/HRR checks.
	if sh.SelectedVersion != supportedVersion {
		logf(logTypeHandshake, "[ClientStateWaitSH] Bad selected version [%04x]", sh.SelectedVersion)
		return nil, nil, AlertProtocolVersion
	}
	supportedCipherSuite := false
	for _, suite := range state.Config.CipherSuites {
		supportedCipherSuite = supportedCipherSuite || (suite == sh.CipherSuite)
	}
	if !supportedCipherSuite {
		logf(logTypeHandshake, "[ClientStateWaitSH] Unsupported ciphersuite [%04x]", sh.CipherSuite)
		return nil, nil, AlertIllegalParameter
	}

	// The server must echo our legacy session id.
	var offered clientHelloOffer
	if alert := offered.extract(state.clientHello.body); alert != AlertNoAlert {
		return nil, nil, alert
	}
	if !bytes.Equal(sh.LegacySessionID, offered.sessionID) {
		logf(logTypeHandshake, "[ClientStateWaitSH] Session id not echoed")
		return nil, nil, AlertIllegalParameter
	}

	if sh.Random == hrrRandomSentinel {
		// This is actually a HelloRetryRequest.
		if state.helloRetryRequest != nil {
			// One retry is the limit; a second is a downgrade or DoS lever.
			logf(logTypeHandshake, "[ClientStateWaitSH] Second HelloRetryRequest")
			return nil, nil, AlertUnexpectedMessage
		}
		if len(sh.Cookie) == 0 && sh.SelectedGroup == 0 {
			logf(logTypeHandshake, "[ClientStateWaitSH] HelloRetryRequest changes nothing")
			return nil, nil, AlertIllegalParameter
		}
		if sh.SelectedGroup != 0 {
			if _, offered := state.OfferedDH[sh.SelectedGroup]; !offered {
				logf(logTypeHandshake, "[ClientStateWaitSH] HelloRetryRequest for group we did not offer")
				return nil, nil, AlertIllegalParameter
			}
		}

		// Restart the transcript: the first ClientHello is replaced by a
		// synthetic message_hash message (RFC 8446 Section 4.4.1).
		params := cipherSuiteMap[sh.CipherSuite]
		h := params.Hash.New()
		h.Write(state.clientHello.Marshal())
		firstClientHello := &HandshakeMessage{
			msgType: HandshakeTypeMessageHash,
			body:    h.Sum(nil),
		}

		// Narrow the offer to what the server picked.
		state.Config.CipherSuites = []CipherSuite{sh.CipherSuite}

		logf(logTypeHandshake, "[ClientStateWaitSH] -> [ClientStateStart]")
		return clientStateStart{
			Config:            state.Config,
			hsCtx:             state.hsCtx,
			cookie:            sh.Cookie,
			selectedGroup:     sh.SelectedGroup,
			firstClientHello:  firstClientHello,
			helloRetryRequest: hm,
			retryRandom:       &offered.random,
			retrySessionID:    offered.sessionID,
		}, nil, AlertNoAlert
	}

	// This is a real ServerHello.
	if sh.KeyShare == nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] No key_share extension")
		return nil, nil, AlertMissingExtension
	}
	priv, ok := state.OfferedDH[sh.KeyShare.Group]
	if !ok {
		logf(logTypeHandshake, "[ClientStateWaitSH] Key share for group we did not offer")
		return nil, nil, AlertIllegalParameter
	}

	dhSecret, err := keyAgreement(sh.KeyShare.Group, sh.KeyShare.KeyExchange, priv)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] Key agreement failed [%v]", err)
		return nil, nil, AlertIllegalParameter
	}
	if isAllZero(dhSecret) {
		logf(logTypeHandshake, "[ClientStateWaitSH] All-zero shared secret")
		return nil, nil, AlertIllegalParameter
	}

	params := cipherSuiteMap[sh.CipherSuite]

	// Start up the handshake hash.
	handshakeHash := params.Hash.New()
	if state.firstClientHello != nil {
		handshakeHash.Write(state.firstClientHello.Marshal())
		handshakeHash.Write(state.helloRetryRequest.Marshal())
	}
	handshakeHash.Write(state.clientHello.Marshal())
	handshakeHash.Write(hm.Marshal())

	// Key schedule up through the handshake secret.
	zero := make([]byte, params.Hash.Size())
	earlySecret := HkdfExtract(params.Hash, zero, zero)

	h0 := params.Hash.New().Sum(nil)
	h2 := handshakeHash.Sum(nil)
	preHandshakeSecret := deriveSecret(params, earlySecret, labelDerived, h0)
	handshakeSecret := HkdfExtract(params.Hash, preHandshakeSecret, dhSecret)
	clientHandshakeTrafficSecret := deriveSecret(params, handshakeSecret, labelClientHandshakeTrafficSecret, h2)
	serverHandshakeTrafficSecret := deriveSecret(params, handshakeSecret, labelServerHandshakeTrafficSecret, h2)
	preMasterSecret := deriveSecret(params, handshakeSecret, labelDerived, h0)
	masterSecret := HkdfExtract(params.Hash, preMasterSecret, zero)
	zeroize(dhSecret)

	logf(logTypeCrypto, "handshake secret: [%d] %x", len(handshakeSecret), handshakeSecret)
	logf(logTypeCrypto, "client handshake traffic secret: [%d] %x", len(clientHandshakeTrafficSecret), clientHandshakeTrafficSecret)
	logf(logTypeCrypto, "server handshake traffic secret: [%d] %x", len(serverHandshakeTrafficSecret), serverHandshakeTrafficSecret)

	logf(logTypeHandshake, "[ClientStateWaitSH] -> [ClientStateWaitEE]")
	nextState := clientStateWaitEE{
		Config: state.Config,
		Params: ConnectionParameters{
			CipherSuite:     sh.CipherSuite,
			NegotiatedGroup: sh.KeyShare.Group,
			ServerName:      state.Config.ServerName,
		},
		hsCtx:                        state.hsCtx,
		cryptoParams:                 params,
		handshakeHash:                handshakeHash,
		masterSecret:                 masterSecret,
		clientHandshakeTrafficSecret: clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: serverHandshakeTrafficSecret,
	}
	toSend := []HandshakeAction{
		RekeyIn{epoch: EpochHandshakeData, KeySet: makeTrafficKeys(params, serverHandshakeTrafficSecret)},
		RekeyOut{epoch: EpochHandshakeData, KeySet: makeTrafficKeys(params, clientHandshakeTrafficSecret)},
	}
	return nextState, toSend, AlertNoAlert
}

type clientStateWaitEE struct {
	Config        *Config
	Params        ConnectionParameters
	hsCtx         *HandshakeContext
	cryptoParams  CipherSuiteParams
	handshakeHash hash.Hash

	masterSecret                 []byte
	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

var _ HandshakeState = &clientStateWaitEE{}

func (state clientStateWaitEE) State() State {
	return StateWaitEncryptedHandshake
}

func (state clientStateWaitEE) wipeSecrets() {
	zeroize(state.masterSecret)
	zeroize(state.clientHandshakeTrafficSecret)
	zeroize(state.serverHandshakeTrafficSecret)
}

func (state clientStateWaitEE) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, err := hr.ReadMessage()
	if err != nil {
		return nil, nil, alertFromReadError(err)
	}
	if hm.msgType != HandshakeTypeEncryptedExtensions {
		logf(logTypeHandshake, "[ClientStateWaitEE] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	ee := encryptedExtensionsBody{}
	if err := ee.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitEE] Error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}

	if ee.ALPNProtocol != "" {
		offered := false
		for _, proto := range state.Config.NextProtos {
			offered = offered || (proto == ee.ALPNProtocol)
		}
		if !offered {
			logf(logTypeHandshake, "[ClientStateWaitEE] Server selected ALPN protocol we did not offer [%s]", ee.ALPNProtocol)
			return nil, nil, AlertNoApplicationProtocol
		}
		state.Params.NextProto = ee.ALPNProtocol
	}

	state.handshakeHash.Write(hm.Marshal())

	logf(logTypeHandshake, "[ClientStateWaitEE] -> [ClientStateWaitCertCR]")
	nextState := clientStateWaitCertCR{
		Config:                       state.Config,
		Params:                       state.Params,
		hsCtx:                        state.hsCtx,
		cryptoParams:                 state.cryptoParams,
		handshakeHash:                state.handshakeHash,
		masterSecret:                 state.masterSecret,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
	}
	return nextState, nil, AlertNoAlert
}

type clientStateWaitCertCR struct {
	Config        *Config
	Params        ConnectionParameters
	hsCtx         *HandshakeContext
	cryptoParams  CipherSuiteParams
	handshakeHash hash.Hash

	masterSecret                 []byte
	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

var _ HandshakeState = &clientStateWaitCertCR{}

func (state clientStateWaitCertCR) State() State {
	return StateWaitEncryptedHandshake
}

func (state clientStateWaitCertCR) wipeSecrets() {
	zeroize(state.masterSecret)
	zeroize(state.clientHandshakeTrafficSecret)
	zeroize(state.serverHandshakeTrafficSecret)
}

func (state clientStateWaitCertCR) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, err := hr.ReadMessage()
	if err != nil {
		return nil, nil, alertFromReadError(err)
	}

	switch hm.msgType {
	case HandshakeTypeCertificate:
		// Fall through below.
	case HandshakeTypeCertificateRequest:
		// Client authentication is not supported.
		logf(logTypeHandshake, "[ClientStateWaitCertCR] Server requested client authentication")
		return nil, nil, AlertUnexpectedMessage
	default:
		logf(logTypeHandshake, "[ClientStateWaitCertCR] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	certBody := certificateBody{}
	if err := certBody.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCertCR] Error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}
	if len(certBody.CertificateRequestContext) > 0 {
		// Server Certificate messages carry an empty context outside of
		// post-handshake auth.
		logf(logTypeHandshake, "[ClientStateWaitCertCR] Non-empty certificate request context")
		return nil, nil, AlertIllegalParameter
	}
	if len(certBody.CertificateList) == 0 {
		logf(logTypeHandshake, "[ClientStateWaitCertCR] Empty certificate list")
		return nil, nil, AlertDecodeError
	}

	certs := make([]*x509.Certificate, len(certBody.CertificateList))
	for i, der := range certBody.CertificateList {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCertCR] Error parsing certificate %d: %v", i, err)
			return nil, nil, AlertBadCertificate
		}
		certs[i] = cert
	}

	state.handshakeHash.Write(hm.Marshal())

	logf(logTypeHandshake, "[ClientStateWaitCertCR] -> [ClientStateWaitCV]")
	nextState := clientStateWaitCV{
		Config:                       state.Config,
		Params:                       state.Params,
		hsCtx:                        state.hsCtx,
		cryptoParams:                 state.cryptoParams,
		handshakeHash:                state.handshakeHash,
		serverCertificates:           certs,
		masterSecret:                 state.masterSecret,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
	}
	return nextState, nil, AlertNoAlert
}

type clientStateWaitCV struct {
	Config        *Config
	Params        ConnectionParameters
	hsCtx         *HandshakeContext
	cryptoParams  CipherSuiteParams
	handshakeHash hash.Hash

	serverCertificates []*x509.Certificate

	masterSecret                 []byte
	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

var _ HandshakeState = &clientStateWaitCV{}

func (state clientStateWaitCV) State() State {
	return StateWaitEncryptedHandshake
}

func (state clientStateWaitCV) wipeSecrets() {
	zeroize(state.masterSecret)
	zeroize(state.clientHandshakeTrafficSecret)
	zeroize(state.serverHandshakeTrafficSecret)
}

func (state clientStateWaitCV) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, err := hr.ReadMessage()
	if err != nil {
		return nil, nil, alertFromReadError(err)
	}
	if hm.msgType != HandshakeTypeCertificateVerify {
		logf(logTypeHandshake, "[ClientStateWaitCV] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	certVerify := certificateVerifyBody{}
	if err := certVerify.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] Error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}

	offered := false
	for _, scheme := range state.Config.SignatureSchemes {
		offered = offered || (scheme == certVerify.Algorithm)
	}
	if !offered {
		logf(logTypeHandshake, "[ClientStateWaitCV] Signature scheme we did not offer [%04x]", certVerify.Algorithm)
		return nil, nil, AlertIllegalParameter
	}

	leaf := state.serverCertificates[0]
	if !schemeValidForKey(certVerify.Algorithm, leaf.PublicKey) {
		logf(logTypeHandshake, "[ClientStateWaitCV] Signature scheme does not match certificate key")
		return nil, nil, AlertIllegalParameter
	}

	// The CertificateVerify signature is checked unconditionally; relaxed
	// trust only loosens chain validation, never proof of key possession.
	hcv := state.handshakeHash.Sum(nil)
	signed := encodeSignatureInput(serverCertVerifyContext, hcv)
	if err := verifySignature(certVerify.Algorithm, leaf.PublicKey, signed, certVerify.Signature); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] Server signature failed to verify: %v", err)
		return nil, nil, AlertDecryptError
	}

	mode := TrustModeFull
	if state.Config.RelaxedTrust {
		mode = TrustModeRelaxed
	}
	err = VerifyChain(state.serverCertificates, VerifyChainOptions{
		ServerName:   state.Config.ServerName,
		TrustAnchors: state.Config.TrustAnchors,
		Mode:         mode,
		Time:         state.Config.time(),
	})
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] Certificate verification failed: %v", err)
		alert := AlertBadCertificate
		if certErr, ok := err.(*CertificateError); ok {
			alert = certErr.alert()
		}
		return nil, nil, alert
	}

	state.handshakeHash.Write(hm.Marshal())

	logf(logTypeHandshake, "[ClientStateWaitCV] -> [ClientStateWaitFinished]")
	nextState := clientStateWaitFinished{
		Params:                       state.Params,
		hsCtx:                        state.hsCtx,
		cryptoParams:                 state.cryptoParams,
		handshakeHash:                state.handshakeHash,
		masterSecret:                 state.masterSecret,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		peerCertificates:             state.serverCertificates,
	}
	return nextState, nil, AlertNoAlert
}

type clientStateWaitFinished struct {
	Params        ConnectionParameters
	hsCtx         *HandshakeContext
	cryptoParams  CipherSuiteParams
	handshakeHash hash.Hash

	peerCertificates []*x509.Certificate

	masterSecret                 []byte
	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

var _ HandshakeState = &clientStateWaitFinished{}

func (state clientStateWaitFinished) State() State {
	return StateWaitEncryptedHandshake
}

func (state clientStateWaitFinished) wipeSecrets() {
	zeroize(state.masterSecret)
	zeroize(state.clientHandshakeTrafficSecret)
	zeroize(state.serverHandshakeTrafficSecret)
}

func (state clientStateWaitFinished) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, err := hr.ReadMessage()
	if err != nil {
		return nil, nil, alertFromReadError(err)
	}
	if hm.msgType != HandshakeTypeFinished {
		logf(logTypeHandshake, "[ClientStateWaitFinished] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	// Verify the server's Finished.
	h3 := state.handshakeHash.Sum(nil)
	logf(logTypeCrypto, "handshake hash for server Finished: [%d] %x", len(h3), h3)

	serverFinishedData := computeFinishedData(state.cryptoParams, state.serverHandshakeTrafficSecret, h3)

	fin := &finishedBody{VerifyDataLen: len(serverFinishedData)}
	if err := fin.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitFinished] Error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}
	if !hmac.Equal(fin.VerifyData, serverFinishedData) {
		logf(logTypeHandshake, "[ClientStateWaitFinished] Server's Finished failed to verify")
		return nil, nil, AlertDecryptError
	}

	// Update the transcript and derive the application traffic secrets.
	state.handshakeHash.Write(hm.Marshal())
	h4 := state.handshakeHash.Sum(nil)

	clientTrafficSecret := deriveSecret(state.cryptoParams, state.masterSecret, labelClientApplicationTrafficSecret, h4)
	serverTrafficSecret := deriveSecret(state.cryptoParams, state.masterSecret, labelServerApplicationTrafficSecret, h4)
	logf(logTypeCrypto, "client traffic secret: [%d] %x", len(clientTrafficSecret), clientTrafficSecret)
	logf(logTypeCrypto, "server traffic secret: [%d] %x", len(serverTrafficSecret), serverTrafficSecret)

	// Compute our Finished over the transcript through the server's.
	clientFinishedData := computeFinishedData(state.cryptoParams, state.clientHandshakeTrafficSecret, h4)
	finm := handshakeMessageFromBody(HandshakeTypeFinished, clientFinishedData)
	state.handshakeHash.Write(finm.Marshal())

	toSend := []HandshakeAction{
		QueueHandshakeMessage{finm},
		SendQueuedHandshake{},
		RekeyIn{epoch: EpochApplicationData, KeySet: makeTrafficKeys(state.cryptoParams, serverTrafficSecret)},
		RekeyOut{epoch: EpochApplicationData, KeySet: makeTrafficKeys(state.cryptoParams, clientTrafficSecret)},
	}

	// The handshake-phase secrets have no further use once the application
	// traffic secrets exist.
	state.wipeSecrets()

	logf(logTypeHandshake, "[ClientStateWaitFinished] -> [StateConnected]")
	nextState := stateConnected{
		Params:              state.Params,
		hsCtx:               state.hsCtx,
		cryptoParams:        state.cryptoParams,
		clientTrafficSecret: clientTrafficSecret,
		serverTrafficSecret: serverTrafficSecret,
		peerCertificates:    state.peerCertificates,
	}
	return &nextState, toSend, AlertNoAlert
}

// alertFromReadError maps handshake layer read failures onto alerts, letting
// AlertWouldBlock flow through untouched so the caller can retry.
func alertFromReadError(err error) Alert {
	switch e := err.(type) {
	case Alert:
		return e
	case *RemoteAlertError:
		// A fatal alert mid-handshake kills the connection; the conn layer
		// sees the typed error through its own record reads, but the state
		// machine can only speak Alert.
		return AlertHandshakeFailure
	default:
		return AlertInternalError
	}
}
