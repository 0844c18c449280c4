package link

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/n8sec/reticulum-go/pkg/crypto"
)

// ErrMalformedRequest is returned when a request/response payload can't
// be parsed.
var ErrMalformedRequest = errors.New("link: malformed request payload")

// ErrRequestTimedOut is returned when a pending request exhausts its
// retry budget without a response.
var ErrRequestTimedOut = errors.New("link: request timed out")

// RequestIDSize is the truncated hash size used to correlate a request
// with its response.
const RequestIDSize = 16

// MethodHash identifies a request handler without naming it on the wire;
// callers derive it with HashMethod.
func HashMethod(name string) []byte {
	return crypto.Truncate16(crypto.Hash256([]byte(name)))
}

// Request is one reliable request sent over an established link.
type Request struct {
	RequestID []byte
	MethodHash []byte
	Arguments []byte
}

// Response answers a Request by RequestID.
type Response struct {
	RequestID []byte
	Arguments []byte
	Failed    bool
}

// EncodeRequest serialises a request for the encrypted channel:
// request_id(16) || method_hash(16) || arguments.
func EncodeRequest(r *Request) []byte {
	out := make([]byte, 0, RequestIDSize+16+len(r.Arguments))
	out = append(out, r.RequestID...)
	out = append(out, r.MethodHash...)
	out = append(out, r.Arguments...)
	return out
}

// DecodeRequest parses a payload produced by EncodeRequest.
func DecodeRequest(payload []byte) (*Request, error) {
	if len(payload) < RequestIDSize+16 {
		return nil, ErrMalformedRequest
	}
	return &Request{
		RequestID:  append([]byte(nil), payload[:RequestIDSize]...),
		MethodHash: append([]byte(nil), payload[RequestIDSize:RequestIDSize+16]...),
		Arguments:  append([]byte(nil), payload[RequestIDSize+16:]...),
	}, nil
}

// EncodeResponse serialises a response: request_id(16) || failed(1) ||
// arguments.
func EncodeResponse(r *Response) []byte {
	out := make([]byte, 0, RequestIDSize+1+len(r.Arguments))
	out = append(out, r.RequestID...)
	if r.Failed {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, r.Arguments...)
	return out
}

// DecodeResponse parses a payload produced by EncodeResponse.
func DecodeResponse(payload []byte) (*Response, error) {
	if len(payload) < RequestIDSize+1 {
		return nil, ErrMalformedRequest
	}
	return &Response{
		RequestID: append([]byte(nil), payload[:RequestIDSize]...),
		Failed:    payload[RequestIDSize] != 0,
		Arguments: append([]byte(nil), payload[RequestIDSize+1:]...),
	}, nil
}

// NewRequestID derives a fresh, content-addressed request id from a
// monotonic counter and the link id, avoiding a dependency on a random
// source at call sites that already hold a counter.
func NewRequestID(linkID []byte, counter uint64) []byte {
	var ctrBytes [8]byte
	binary.BigEndian.PutUint64(ctrBytes[:], counter)
	return crypto.Truncate16(crypto.Hash256(append(append([]byte(nil), linkID...), ctrBytes[:]...)))
}

// pendingRequest tracks one outstanding request awaiting a response.
type pendingRequest struct {
	request      *Request
	retriesLeft  int
	retryEvery   time.Duration
	nextRetryAt  time.Time
	resultCh     chan *Response
}

// RequestTracker manages outstanding reliable requests for one link,
// retransmitting until a response arrives or the retry budget runs out.
// Grounded on the Announce Engine's retry-with-budget shape in
// pkg/announce, narrowed to a single per-request timer instead of a
// shared priority queue since a link only ever has a handful of requests
// in flight at once.
type RequestTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewRequestTracker creates an empty tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{pending: make(map[string]*pendingRequest)}
}

// Send registers a request for retransmission bookkeeping and returns a
// channel that receives its response, or is closed without a value if the
// retry budget is exhausted. The caller is responsible for actually
// transmitting the encoded request once immediately after calling Send.
func (t *RequestTracker) Send(r *Request, retries int, retryEvery time.Duration, now time.Time) <-chan *Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan *Response, 1)
	t.pending[hex.EncodeToString(r.RequestID)] = &pendingRequest{
		request:     r,
		retriesLeft: retries,
		retryEvery:  retryEvery,
		nextRetryAt: now.Add(retryEvery),
		resultCh:    ch,
	}
	return ch
}

// Resolve delivers a response to its waiting Send call, if still pending.
func (t *RequestTracker) Resolve(resp *Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := hex.EncodeToString(resp.RequestID)
	p, ok := t.pending[key]
	if !ok {
		return
	}
	delete(t.pending, key)
	p.resultCh <- resp
	close(p.resultCh)
}

// DueRetries returns the requests whose retry timer has elapsed, and
// advances their timers; an empty retry budget instead closes the
// waiting channel and drops the request.
func (t *RequestTracker) DueRetries(now time.Time) []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []*Request
	for key, p := range t.pending {
		if now.Before(p.nextRetryAt) {
			continue
		}
		if p.retriesLeft <= 0 {
			delete(t.pending, key)
			close(p.resultCh)
			continue
		}
		p.retriesLeft--
		p.nextRetryAt = now.Add(p.retryEvery)
		due = append(due, p.request)
	}
	return due
}

// Len returns the number of outstanding requests.
func (t *RequestTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
