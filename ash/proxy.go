package ash

import (
	"context"
	"fmt"
)

// Proxy is the caller side of a Transceiver. It is cheap to copy and safe for
// concurrent use.
//
// ASHv2 carries no request identifiers: a response is matched to the oldest request
// that was sent and not answered yet. Callers must only use Proxy with peers that
// answer every payload once and in order. DATA frames arriving while no request is
// waiting go to Transceiver.Inbound.
type Proxy struct {
	t *Transceiver
}

// Submit queues payload for sending. It blocks while the queue is full and fails
// immediately with ErrLinkFailed while the link is failed. A payload longer than
// MaxPayloadSize goes out as consecutive DATA frames of at most ChunkSize bytes, and
// the response is matched once the last of them is sent.
func (p Proxy) Submit(ctx context.Context, payload []byte) (*Request, error) {
	if len(payload) < MinPayloadSize {
		return nil, &FrameError{Err: fmt.Errorf("%w: payload of %d bytes", ErrMalformed, len(payload))}
	}
	if p.t.Phase() == PhaseFailed {
		return nil, ErrLinkFailed
	}

	req := newRequest(payload)
	select {
	case <-p.t.stopped:
		return nil, ErrCancelled
	default:
	}
	select {
	case p.t.submit <- req:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.t.stopped:
		return nil, ErrCancelled
	}
}

// Wait blocks until req has a result, ctx is done or the Transceiver stopped.
// Giving up on a request does not remove it from the link.
func (p Proxy) Wait(ctx context.Context, req *Request) ([]byte, error) {
	select {
	case <-req.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.t.stopped:
		select {
		case <-req.Done():
		default:
			return nil, ErrCancelled
		}
	}
	res := req.Result()
	return res.Body, res.Err
}

// Communicate sends payload and returns the response payload
func (p Proxy) Communicate(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := p.Submit(ctx, payload)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx, req)
}

// CommunicateAll pipelines payloads through the window and returns one Result per
// payload, in order.
func (p Proxy) CommunicateAll(ctx context.Context, payloads ...[]byte) []Result {
	results := make([]Result, len(payloads))
	reqs := make([]*Request, len(payloads))
	for i, payload := range payloads {
		req, err := p.Submit(ctx, payload)
		if err != nil {
			results[i].Err = err
			continue
		}
		reqs[i] = req
		results[i].ID = req.ID
	}
	for i, req := range reqs {
		if req == nil {
			continue
		}
		results[i].Body, results[i].Err = p.Wait(ctx, req)
	}
	return results
}
