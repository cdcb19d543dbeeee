package subtletls

import (
	"crypto/cipher"
	"errors"
	"sync"
)

// RecordAEAD is the cipher interface the record layer drives.  A synchronous
// implementation completes Seal and Open inline; an asynchronous one accepts
// work through StartSeal and StartOpen and delivers results through the
// returned PendingOperation.  The record layer never holds more than one
// pending operation per direction.
type RecordAEAD interface {
	// Synchronous reports whether Seal and Open complete inline.  When it
	// returns false, callers must use StartSeal and StartOpen instead.
	Synchronous() bool

	Seal(nonce, plaintext, additionalData []byte) ([]byte, error)
	Open(nonce, ciphertext, additionalData []byte) ([]byte, error)

	StartSeal(nonce, plaintext, additionalData []byte) *PendingOperation
	StartOpen(nonce, ciphertext, additionalData []byte) *PendingOperation

	Overhead() int
}

// AEADBackendFactory builds the RecordAEAD for a traffic key.  Installing a
// custom factory in Config lets an embedder route record protection through
// an external crypto service.
type AEADBackendFactory func(params CipherSuiteParams, key []byte) (RecordAEAD, error)

func defaultAEADBackend(params CipherSuiteParams, key []byte) (RecordAEAD, error) {
	aead, err := params.Cipher(key)
	if err != nil {
		return nil, err
	}
	return &syncAEAD{aead: aead}, nil
}

// PendingOperation is an in-flight asynchronous crypto request.  Poll is
// non-blocking; once it reports done the operation is settled and further
// polls return the same outcome.
type PendingOperation struct {
	done   chan struct{}
	result []byte
	err    error
}

func newPendingOperation() *PendingOperation {
	return &PendingOperation{done: make(chan struct{})}
}

func (p *PendingOperation) Poll() (result []byte, done bool, err error) {
	select {
	case <-p.done:
		return p.result, true, p.err
	default:
		return nil, false, nil
	}
}

func (p *PendingOperation) settle(result []byte, err error) {
	p.result = result
	p.err = err
	close(p.done)
}

// settled builds an already-completed operation.
func settled(result []byte, err error) *PendingOperation {
	p := newPendingOperation()
	p.settle(result, err)
	return p
}

// syncAEAD adapts a cipher.AEAD to the RecordAEAD interface.
type syncAEAD struct {
	aead cipher.AEAD
}

func (s *syncAEAD) Synchronous() bool { return true }

func (s *syncAEAD) Seal(nonce, plaintext, additionalData []byte) ([]byte, error) {
	return s.aead.Seal(nil, nonce, plaintext, additionalData), nil
}

func (s *syncAEAD) Open(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	return s.aead.Open(nil, nonce, ciphertext, additionalData)
}

func (s *syncAEAD) StartSeal(nonce, plaintext, additionalData []byte) *PendingOperation {
	out, err := s.Seal(nonce, plaintext, additionalData)
	return settled(out, err)
}

func (s *syncAEAD) StartOpen(nonce, ciphertext, additionalData []byte) *PendingOperation {
	out, err := s.Open(nonce, ciphertext, additionalData)
	return settled(out, err)
}

func (s *syncAEAD) Overhead() int { return s.aead.Overhead() }

type cryptoRequest struct {
	seal           bool
	aead           cipher.AEAD
	nonce          []byte
	input          []byte
	additionalData []byte
	pending        *PendingOperation
}

// CryptoWorker runs AEAD operations on its own goroutine, feeding results
// back through PendingOperations.  One worker can serve both directions of a
// connection; Close stops the goroutine and fails any queued work.
type CryptoWorker struct {
	requests chan cryptoRequest

	closeOnce sync.Once
	closed    chan struct{}
	finished  chan struct{}
}

var errWorkerClosed = errors.New("crypto worker closed")

func NewCryptoWorker() *CryptoWorker {
	w := &CryptoWorker{
		requests: make(chan cryptoRequest, 2),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *CryptoWorker) run() {
	defer close(w.finished)
	for {
		select {
		case req := <-w.requests:
			w.serve(req)
		case <-w.closed:
			// Drain anything that raced with Close.
			for {
				select {
				case req := <-w.requests:
					req.pending.settle(nil, errWorkerClosed)
				default:
					return
				}
			}
		}
	}
}

func (w *CryptoWorker) serve(req cryptoRequest) {
	if req.seal {
		req.pending.settle(req.aead.Seal(nil, req.nonce, req.input, req.additionalData), nil)
		return
	}
	out, err := req.aead.Open(nil, req.nonce, req.input, req.additionalData)
	req.pending.settle(out, err)
}

func (w *CryptoWorker) submit(req cryptoRequest) {
	select {
	case w.requests <- req:
	case <-w.closed:
		req.pending.settle(nil, errWorkerClosed)
	}
}

func (w *CryptoWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
	})
	<-w.finished
}

// asyncAEAD routes record protection through a CryptoWorker.  Seal and Open
// are unavailable; the record layer must poll.
type asyncAEAD struct {
	aead   cipher.AEAD
	worker *CryptoWorker
}

// NewAsyncAEADBackend builds an AEADBackendFactory whose ciphers complete
// their work on the given worker.  It exists mainly so the asynchronous
// record paths can be exercised without an external crypto service.
func NewAsyncAEADBackend(worker *CryptoWorker) AEADBackendFactory {
	return func(params CipherSuiteParams, key []byte) (RecordAEAD, error) {
		aead, err := params.Cipher(key)
		if err != nil {
			return nil, err
		}
		return &asyncAEAD{aead: aead, worker: worker}, nil
	}
}

func (a *asyncAEAD) Synchronous() bool { return false }

func (a *asyncAEAD) Seal(nonce, plaintext, additionalData []byte) ([]byte, error) {
	return nil, errors.New("synchronous seal on asynchronous AEAD")
}

func (a *asyncAEAD) Open(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	return nil, errors.New("synchronous open on asynchronous AEAD")
}

func (a *asyncAEAD) StartSeal(nonce, plaintext, additionalData []byte) *PendingOperation {
	pending := newPendingOperation()
	a.worker.submit(cryptoRequest{
		seal:           true,
		aead:           a.aead,
		nonce:          dup(nonce),
		input:          dup(plaintext),
		additionalData: dup(additionalData),
		pending:        pending,
	})
	return pending
}

func (a *asyncAEAD) StartOpen(nonce, ciphertext, additionalData []byte) *PendingOperation {
	pending := newPendingOperation()
	a.worker.submit(cryptoRequest{
		seal:           false,
		aead:           a.aead,
		nonce:          dup(nonce),
		input:          dup(ciphertext),
		additionalData: dup(additionalData),
		pending:        pending,
	})
	return pending
}

func (a *asyncAEAD) Overhead() int { return a.aead.Overhead() }
