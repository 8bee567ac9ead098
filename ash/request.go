package ash

import (
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// Result is the outcome of a Request
type Result struct {
	ID   uuid.UUID
	Err  error
	Body []byte
}

// Request is a payload submitted to the link together with the means to await its response.
// The ID only appears in logs, ASH itself has no notion of request identity.
type Request struct {
	ID        uuid.UUID
	Payload   []byte
	Submitted time.Time

	chunks [][]byte // DATA payloads not sent yet, owned by the transmitter loop
	done   chan struct{}
	once   sync.Once
	result Result
}

func newRequest(payload []byte) *Request {
	p := append([]byte(nil), payload...)
	return &Request{
		ID:        uuid.NewV4(),
		Payload:   p,
		Submitted: time.Now(),
		chunks:    splitPayload(p),
		done:      make(chan struct{}),
	}
}

// Done is closed once the Request has a Result
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome, only valid after Done is closed
func (r *Request) Result() Result {
	<-r.done
	return r.result
}

// resolve sets the result once, later calls are ignored
func (r *Request) resolve(body []byte, err error) bool {
	resolved := false
	r.once.Do(func() {
		r.result = Result{ID: r.ID, Err: err, Body: body}
		close(r.done)
		resolved = true
	})
	return resolved
}
