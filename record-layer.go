package subtletls

import (
	"encoding/binary"
	"io"
	"math"
)

// Direction marks which half of the connection a record layer serves.
type Direction uint8

const (
	DirectionWrite Direction = iota + 1
	DirectionRead
)

// TLSPlaintext is one record's worth of content, after record protection has
// been removed (or before it is applied).
type TLSPlaintext struct {
	contentType RecordType
	fragment    []byte
}

// cipherState is one generation of record protection for one direction.
type cipherState struct {
	epoch     Epoch
	keys      keySet
	aead      RecordAEAD
	seq       uint64
	exhausted bool
}

func newCipherStateNull() *cipherState {
	return &cipherState{epoch: EpochClear}
}

func newCipherState(epoch Epoch, keys keySet, factory AEADBackendFactory) (*cipherState, error) {
	aead, err := factory(keys.params, keys.key)
	if err != nil {
		return nil, err
	}
	return &cipherState{epoch: epoch, keys: keys, aead: aead}, nil
}

// computeNonce XORs the 64-bit sequence number into the tail of the IV
// (RFC 8446 Section 5.3).
func (c *cipherState) computeNonce() []byte {
	nonce := dup(c.keys.iv)
	offset := len(nonce) - 8
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], c.seq)
	for i := 0; i < 8; i++ {
		nonce[offset+i] ^= seqBytes[i]
	}
	return nonce
}

// incrementSequence advances the record counter.  Once the counter hits its
// ceiling the state is permanently unusable; callers see ErrSequenceExhausted
// on the next use.
func (c *cipherState) incrementSequence() {
	if c.seq == math.MaxUint64 {
		c.exhausted = true
		return
	}
	c.seq++
}

func (c *cipherState) wipe() {
	c.keys.wipe()
}

// RecordLayer frames and protects TLS records in one direction.  It follows
// the transport's non-blocking convention: a Read of (0, nil) from the
// underlying conn means no bytes are available yet, and the layer surfaces
// that as AlertWouldBlock without losing state.
type RecordLayer struct {
	direction Direction
	conn      io.ReadWriter
	cipher    *cipherState
	factory   AEADBackendFactory

	// Read side.  nextData accumulates transport bytes until a full record
	// is present; pendingRead holds an in-flight asynchronous decrypt.
	nextData    []byte
	pendingRead *PendingOperation

	// Write side.  sendBuffer holds sealed bytes the transport has not yet
	// accepted; pendingWrite holds an in-flight asynchronous seal along with
	// the outer header it belongs under.
	sendBuffer   []byte
	pendingWrite *PendingOperation
	pendingHdr   []byte
	paddingLen   int
}

func NewRecordLayer(conn io.ReadWriter, direction Direction) *RecordLayer {
	return &RecordLayer{
		direction: direction,
		conn:      conn,
		cipher:    newCipherStateNull(),
		factory:   defaultAEADBackend,
	}
}

// SetAEADBackend installs the factory used to build ciphers on Rekey.  It
// must be called before the first Rekey.
func (r *RecordLayer) SetAEADBackend(factory AEADBackendFactory) {
	r.factory = factory
}

// SetPaddingLen makes every sealed record carry this many zero padding
// bytes under the AEAD, obscuring plaintext lengths.
func (r *RecordLayer) SetPaddingLen(n int) {
	r.paddingLen = n
}

func (r *RecordLayer) Epoch() Epoch {
	return r.cipher.epoch
}

// Rekey advances this direction to a new epoch.  The sequence number resets
// to zero and the previous epoch's keys are wiped.
func (r *RecordLayer) Rekey(epoch Epoch, keys keySet) error {
	logf(logTypeIO, "rekey dir=%d epoch=%s", r.direction, epoch.label())
	cipher, err := newCipherState(epoch, keys, r.factory)
	if err != nil {
		return err
	}
	r.cipher.wipe()
	r.cipher = cipher
	return nil
}

// DiscardPending drops any in-flight crypto operation without advancing
// sequence numbers.  Results that later arrive from the backend are ignored.
func (r *RecordLayer) DiscardPending() {
	r.pendingRead = nil
	r.pendingWrite = nil
	r.pendingHdr = nil
}

func (r *RecordLayer) wipe() {
	r.cipher.wipe()
}

// fill pulls whatever the transport has for us into nextData.
func (r *RecordLayer) fill() error {
	buf := make([]byte, maxCiphertextLen+recordHeaderLen)
	n, err := r.conn.Read(buf)
	if n > 0 {
		r.nextData = append(r.nextData, buf[:n]...)
	}
	switch {
	case err == nil:
		return nil
	case err == io.EOF:
		if n > 0 {
			// Let framing judge what we got; the next fill sees a bare EOF.
			return nil
		}
		if len(r.nextData) > 0 {
			// The peer hung up mid-record.
			return io.ErrUnexpectedEOF
		}
		return io.EOF
	default:
		return &TransportError{Err: err}
	}
}

// frame returns the header and body of the next complete record in nextData,
// or AlertWouldBlock if it is not all there yet.  The bytes stay in nextData
// until consume is called.
func (r *RecordLayer) frame() (hdr, body []byte, err error) {
	if len(r.nextData) < recordHeaderLen {
		return nil, nil, AlertWouldBlock
	}
	hdr = r.nextData[:recordHeaderLen]
	length := int(binary.BigEndian.Uint16(hdr[3:5]))
	if length > maxCiphertextLen {
		return nil, nil, AlertRecordOverflow
	}
	if len(r.nextData) < recordHeaderLen+length {
		return nil, nil, AlertWouldBlock
	}
	return hdr, r.nextData[recordHeaderLen : recordHeaderLen+length], nil
}

func (r *RecordLayer) consume(bodyLen int) {
	r.nextData = r.nextData[recordHeaderLen+bodyLen:]
}

// ReadRecord returns the next record, removing record protection when a
// cipher is active.  It returns AlertWouldBlock when the transport has not
// delivered a full record or an asynchronous decrypt is still in flight;
// calling again later resumes exactly where it left off.
func (r *RecordLayer) ReadRecord() (*TLSPlaintext, error) {
	// An in-flight decrypt takes priority; its record bytes are already
	// consumed from the buffer.
	if r.pendingRead != nil {
		return r.finishRead()
	}

	for {
		hdr, body, err := r.frame()
		if err == AlertWouldBlock {
			// Only touch the transport when the buffer lacks a full record,
			// so buffered records never block behind a quiet conn.
			if ferr := r.fill(); ferr != nil {
				return nil, ferr
			}
			hdr, body, err = r.frame()
		}
		if err != nil {
			return nil, err
		}

		// Middlebox-compatibility ChangeCipherSpec records are legal at any
		// point after the ClientHello and carry no meaning.  Skip them.
		if RecordType(hdr[0]) == RecordTypeChangeCipherSpec {
			if len(body) != 1 || body[0] != 0x01 {
				return nil, AlertUnexpectedMessage
			}
			r.consume(len(body))
			continue
		}

		if r.cipher.epoch == EpochClear {
			pt := &TLSPlaintext{
				contentType: RecordType(hdr[0]),
				fragment:    dup(body),
			}
			r.consume(len(body))
			logf(logTypeIO, "read plaintext record type=%d len=%d", pt.contentType, len(pt.fragment))
			return pt, nil
		}

		if RecordType(hdr[0]) != RecordTypeApplicationData {
			if RecordType(hdr[0]) == RecordTypeAlert {
				// Some peers send plaintext alerts even after keys are
				// installed.  Treat the body as the alert payload.
				pt := &TLSPlaintext{contentType: RecordTypeAlert, fragment: dup(body)}
				r.consume(len(body))
				return pt, nil
			}
			return nil, AlertUnexpectedMessage
		}

		if r.cipher.exhausted {
			return nil, ErrSequenceExhausted
		}

		nonce := r.cipher.computeNonce()
		aad := dup(hdr)
		ciphertext := dup(body)
		r.consume(len(body))

		if r.cipher.aead.Synchronous() {
			inner, err := r.cipher.aead.Open(nonce, ciphertext, aad)
			if err != nil {
				return nil, AlertBadRecordMAC
			}
			return r.unpad(inner)
		}

		r.pendingRead = r.cipher.aead.StartOpen(nonce, ciphertext, aad)
		return r.finishRead()
	}
}

func (r *RecordLayer) finishRead() (*TLSPlaintext, error) {
	inner, done, err := r.pendingRead.Poll()
	if !done {
		return nil, AlertWouldBlock
	}
	r.pendingRead = nil
	if err != nil {
		if err == errWorkerClosed {
			return nil, &CryptoError{Op: "open", Err: err}
		}
		return nil, AlertBadRecordMAC
	}
	return r.unpad(inner)
}

// unpad strips the inner padding and recovers the true content type by
// scanning backward past trailing zeros (RFC 8446 Section 5.4).  The
// sequence number advances only after a successful decrypt.
func (r *RecordLayer) unpad(inner []byte) (*TLSPlaintext, error) {
	i := len(inner) - 1
	for i >= 0 && inner[i] == 0 {
		i--
	}
	if i < 0 {
		// Padding with no content type octet.
		return nil, AlertUnexpectedMessage
	}
	if len(inner[:i]) > maxFragmentLen {
		return nil, AlertRecordOverflow
	}

	r.cipher.incrementSequence()

	pt := &TLSPlaintext{
		contentType: RecordType(inner[i]),
		fragment:    inner[:i],
	}
	logf(logTypeIO, "read protected record epoch=%s type=%d len=%d",
		r.cipher.epoch.label(), pt.contentType, len(pt.fragment))
	return pt, nil
}

// flush pushes buffered sealed bytes to the transport.  A Write of (0, nil)
// from the conn means the transport would block.
func (r *RecordLayer) flush() error {
	for len(r.sendBuffer) > 0 {
		n, err := r.conn.Write(r.sendBuffer)
		if n > 0 {
			r.sendBuffer = r.sendBuffer[n:]
		}
		if err != nil {
			return &TransportError{Err: err}
		}
		if n == 0 {
			return AlertWouldBlock
		}
	}
	return nil
}

// WriteRecord frames and protects one record.  Each record is sealed exactly
// once; once sealing succeeds the bytes belong to the layer and are delivered
// on this or a later call.  AlertWouldBlock before sealing means the record
// was not consumed and the same call may be retried.
func (r *RecordLayer) WriteRecord(pt *TLSPlaintext) error {
	// Settle any in-flight seal first; until it lands we cannot accept new
	// records without reordering.
	if r.pendingWrite != nil {
		sealed, done, err := r.pendingWrite.Poll()
		if !done {
			return AlertWouldBlock
		}
		r.pendingWrite = nil
		if err != nil {
			return &CryptoError{Op: "seal", Err: err}
		}
		r.commitSealed(r.pendingHdr, sealed)
		r.pendingHdr = nil
		if pt == nil {
			return r.flush()
		}
	}
	if pt == nil {
		return r.flush()
	}
	// Backpressure: refuse new records while earlier sealed bytes are still
	// stuck on the transport.  Refusal means the record was not consumed, so
	// the caller may retry the same record safely.
	if err := r.flush(); err != nil {
		return err
	}

	if len(pt.fragment) > maxFragmentLen {
		return AlertRecordOverflow
	}

	if r.cipher.epoch == EpochClear {
		hdr := recordHeader(pt.contentType, len(pt.fragment))
		r.sendBuffer = append(r.sendBuffer, hdr...)
		r.sendBuffer = append(r.sendBuffer, pt.fragment...)
		logf(logTypeIO, "write plaintext record type=%d len=%d", pt.contentType, len(pt.fragment))
		return r.drain()
	}

	if r.cipher.exhausted {
		return ErrSequenceExhausted
	}

	// Padding may not push the ciphertext past the outer length limit.
	padding := r.paddingLen
	if max := maxCiphertextLen - len(pt.fragment) - 1 - r.cipher.aead.Overhead(); padding > max {
		padding = max
	}
	inner := make([]byte, 0, len(pt.fragment)+1+padding)
	inner = append(inner, pt.fragment...)
	inner = append(inner, byte(pt.contentType))
	inner = append(inner, make([]byte, padding)...)

	hdr := recordHeader(RecordTypeApplicationData, len(inner)+r.cipher.aead.Overhead())
	nonce := r.cipher.computeNonce()

	if r.cipher.aead.Synchronous() {
		sealed, err := r.cipher.aead.Seal(nonce, inner, hdr)
		if err != nil {
			return &CryptoError{Op: "seal", Err: err}
		}
		r.commitSealed(hdr, sealed)
		return r.drain()
	}

	// The record is accepted once the seal is submitted; delivery happens on
	// a later Flush or WriteRecord.  Returning AlertWouldBlock here would
	// invite the caller to resubmit and double-seal.
	r.pendingWrite = r.cipher.aead.StartSeal(nonce, inner, hdr)
	r.pendingHdr = hdr
	return nil
}

// drain is flush for records already owned by the layer: a blocked transport
// is not an error, the bytes go out on a later call.
func (r *RecordLayer) drain() error {
	if err := r.flush(); err != nil && err != AlertWouldBlock {
		return err
	}
	return nil
}

// Flush attempts to settle pending seals and drain the send buffer.
func (r *RecordLayer) Flush() error {
	return r.WriteRecord(nil)
}

// QueuedBytes reports how much sealed data is waiting on the transport.
func (r *RecordLayer) QueuedBytes() int {
	return len(r.sendBuffer)
}

func (r *RecordLayer) commitSealed(hdr, sealed []byte) {
	r.cipher.incrementSequence()
	r.sendBuffer = append(r.sendBuffer, hdr...)
	r.sendBuffer = append(r.sendBuffer, sealed...)
	logf(logTypeIO, "write protected record epoch=%s len=%d", r.cipher.epoch.label(), len(sealed))
}

func recordHeader(outer RecordType, length int) []byte {
	hdr := make([]byte, recordHeaderLen)
	hdr[0] = byte(outer)
	binary.BigEndian.PutUint16(hdr[1:3], tls12Version)
	binary.BigEndian.PutUint16(hdr[3:5], uint16(length))
	return hdr
}
