package subtletls

import (
	"encoding/binary"
)

// handshakeMessageReader is the source of messages the state machine pulls
// from.  ReadMessage returns AlertWouldBlock until a complete message is
// available.
type handshakeMessageReader interface {
	ReadMessage() (*HandshakeMessage, error)
}

// HandshakeLayer reassembles handshake messages from records on the read
// side and packs queued messages into records on the write side.  Messages
// may span records and records may carry several messages.
type HandshakeLayer struct {
	in  *RecordLayer
	out *RecordLayer

	recvBuffer []byte
	queued     [][]byte
}

func NewHandshakeLayer(in, out *RecordLayer) *HandshakeLayer {
	return &HandshakeLayer{in: in, out: out}
}

func (h *HandshakeLayer) ReadMessage() (*HandshakeMessage, error) {
	for {
		if hm := h.extractMessage(); hm != nil {
			logf(logTypeHandshake, "read message type=%d len=%d", hm.msgType, len(hm.body))
			return hm, nil
		}

		pt, err := h.in.ReadRecord()
		if err != nil {
			return nil, err
		}

		switch pt.contentType {
		case RecordTypeHandshake:
			if len(pt.fragment) == 0 {
				// Empty handshake records are forbidden (RFC 8446 Section 5.1).
				return nil, AlertDecodeError
			}
			h.recvBuffer = append(h.recvBuffer, pt.fragment...)
		case RecordTypeAlert:
			if len(pt.fragment) != 2 {
				return nil, AlertDecodeError
			}
			return nil, &RemoteAlertError{Alert: Alert(pt.fragment[1])}
		default:
			return nil, AlertUnexpectedMessage
		}
	}
}

func (h *HandshakeLayer) extractMessage() *HandshakeMessage {
	if len(h.recvBuffer) < handshakeHeaderLen {
		return nil
	}
	length := int(h.recvBuffer[1])<<16 | int(h.recvBuffer[2])<<8 | int(h.recvBuffer[3])
	if len(h.recvBuffer) < handshakeHeaderLen+length {
		return nil
	}
	hm := &HandshakeMessage{
		msgType: HandshakeType(h.recvBuffer[0]),
		body:    dup(h.recvBuffer[handshakeHeaderLen : handshakeHeaderLen+length]),
	}
	h.recvBuffer = h.recvBuffer[handshakeHeaderLen+length:]
	return hm
}

// QueueMessage stages a message for the next SendQueuedMessages call.
func (h *HandshakeLayer) QueueMessage(hm *HandshakeMessage) {
	logf(logTypeHandshake, "queue message type=%d len=%d", hm.msgType, len(hm.body))
	h.queued = append(h.queued, hm.Marshal())
}

// SendQueuedMessages packs staged messages into records and writes them.
// On AlertWouldBlock the unsent remainder stays queued; call again later.
func (h *HandshakeLayer) SendQueuedMessages() error {
	for len(h.queued) > 0 {
		// Coalesce as many whole messages as fit into one record.  A single
		// oversized message gets split across records instead.
		var fragment []byte
		n := 0
		split := false
		if len(h.queued[0]) > maxFragmentLen {
			fragment = h.queued[0][:maxFragmentLen]
			split = true
		} else {
			for _, m := range h.queued {
				if len(fragment)+len(m) > maxFragmentLen {
					break
				}
				fragment = append(fragment, m...)
				n++
			}
		}

		err := h.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeHandshake,
			fragment:    fragment,
		})
		if err != nil {
			return err
		}
		if split {
			h.queued[0] = h.queued[0][maxFragmentLen:]
		} else {
			h.queued = h.queued[n:]
		}
	}
	return nil
}

// handshakeMessageFromBody frames a body under its handshake type.
func handshakeMessageFromBody(msgType HandshakeType, body []byte) *HandshakeMessage {
	return &HandshakeMessage{msgType: msgType, body: body}
}

// syntheticMessageHash builds the message_hash message that replaces the
// first ClientHello in the transcript after a HelloRetryRequest
// (RFC 8446 Section 4.4.1).
func syntheticMessageHash(params CipherSuiteParams, chTranscript []byte) []byte {
	h := params.Hash.New()
	h.Write(chTranscript)
	digest := h.Sum(nil)

	out := make([]byte, handshakeHeaderLen+len(digest))
	out[0] = byte(HandshakeTypeMessageHash)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(digest)))
	copy(out[handshakeHeaderLen:], digest)
	return out
}
