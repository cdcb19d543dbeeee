package subtletls

import (
	"crypto/x509"
)

// Marker interface for actions that an implementation should take based on
// state transitions.
type HandshakeAction interface{}

type QueueHandshakeMessage struct {
	Message *HandshakeMessage
}

type SendQueuedHandshake struct{}

type RekeyIn struct {
	epoch  Epoch
	KeySet keySet
}

type RekeyOut struct {
	epoch  Epoch
	KeySet keySet
}

type HandshakeState interface {
	Next(handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert)
	State() State
}

// ConnectionParameters objects represent the parameters negotiated for a
// connection.
type ConnectionParameters struct {
	CipherSuite     CipherSuite
	NegotiatedGroup NamedGroup
	ServerName      string
	NextProto       string
}

// Working state shared by the handshake states.
type HandshakeContext struct {
	hIn, hOut *HandshakeLayer
}

// secretHolder is implemented by states that carry key schedule material, so
// connection teardown can wipe whatever the current state still references.
type secretHolder interface {
	wipeSecrets()
}

// stateConnected handles post-handshake messages on an established
// connection.
type stateConnected struct {
	Params              ConnectionParameters
	hsCtx               *HandshakeContext
	cryptoParams        CipherSuiteParams
	clientTrafficSecret []byte
	serverTrafficSecret []byte
	peerCertificates    []*x509.Certificate
}

var _ HandshakeState = &stateConnected{}

func (state stateConnected) State() State {
	return StateConnected
}

func (state *stateConnected) wipeSecrets() {
	zeroize(state.clientTrafficSecret)
	zeroize(state.serverTrafficSecret)
}

// KeyUpdate rolls our sending keys and notifies the peer, optionally asking
// it to update as well.
func (state *stateConnected) KeyUpdate(request KeyUpdateRequest) ([]HandshakeAction, Alert) {
	state.clientTrafficSecret = updateTrafficSecret(state.cryptoParams, state.clientTrafficSecret)
	trafficKeys := makeTrafficKeys(state.cryptoParams, state.clientTrafficSecret)

	body, err := (&keyUpdateBody{KeyUpdateRequest: request}).Marshal()
	if err != nil {
		logf(logTypeHandshake, "[StateConnected] Error marshaling key update message: %v", err)
		return nil, AlertInternalError
	}

	toSend := []HandshakeAction{
		QueueHandshakeMessage{handshakeMessageFromBody(HandshakeTypeKeyUpdate, body)},
		SendQueuedHandshake{},
		RekeyOut{epoch: EpochUpdate, KeySet: trafficKeys},
	}
	return toSend, AlertNoAlert
}

func (state *stateConnected) ProcessMessage(hm *HandshakeMessage) ([]HandshakeAction, Alert) {
	switch hm.msgType {
	case HandshakeTypeNewSessionTicket:
		var nst newSessionTicketBody
		if err := nst.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[StateConnected] Error decoding NewSessionTicket: %v", err)
			return nil, AlertDecodeError
		}
		// Session resumption is not supported; the ticket is discarded after
		// the framing check.
		logf(logTypeHandshake, "[StateConnected] Ignoring NewSessionTicket lifetime=%d", nst.Lifetime)
		return nil, AlertNoAlert

	case HandshakeTypeKeyUpdate:
		var ku keyUpdateBody
		if err := ku.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[StateConnected] Error decoding KeyUpdate: %v", err)
			return nil, AlertDecodeError
		}

		state.serverTrafficSecret = updateTrafficSecret(state.cryptoParams, state.serverTrafficSecret)
		trafficKeys := makeTrafficKeys(state.cryptoParams, state.serverTrafficSecret)
		toSend := []HandshakeAction{RekeyIn{epoch: EpochUpdate, KeySet: trafficKeys}}

		if ku.KeyUpdateRequest == KeyUpdateRequested {
			moreToSend, alert := state.KeyUpdate(KeyUpdateNotRequested)
			if alert != AlertNoAlert {
				return nil, alert
			}
			toSend = append(toSend, moreToSend...)
		}
		return toSend, AlertNoAlert
	}

	logf(logTypeHandshake, "[StateConnected] Unexpected message type %d", hm.msgType)
	return nil, AlertUnexpectedMessage
}

func (state *stateConnected) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, err := hr.ReadMessage()
	if err != nil {
		if alert, ok := err.(Alert); ok {
			return state, nil, alert
		}
		return state, nil, AlertInternalError
	}
	toSend, alert := state.ProcessMessage(hm)
	return state, toSend, alert
}
