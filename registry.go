package interop

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glycerine/interop/callbacks"
)

var ErrDuplicateToken = fmt.Errorf("interop: duplicate completion token")
var ErrUnknownToken = fmt.Errorf("interop: no pending request for token")
var ErrConnectionLost = fmt.Errorf("interop: connection lost")

// PendingRequest is kept from the moment a request
// is sent until its reply arrives or its session
// goes away.
type PendingRequest struct {
	Token   CompletionToken
	Trigger *callbacks.Trigger[*Message]
	Sent    time.Time
}

// Registry matches replies to pending requests by
// token MessageID. Each session owns one. Resolve
// hands a request out at most once; whoever gets it
// settles its Trigger.
type Registry struct {
	mut sync.Mutex
	m   map[string]*PendingRequest
}

func NewRegistry() *Registry {
	return &Registry{
		m: make(map[string]*PendingRequest),
	}
}

// Add fails with ErrDuplicateToken if the token's
// MessageID is already pending.
func (r *Registry) Add(tok CompletionToken, pr *PendingRequest) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, dup := r.m[tok.MessageID]; dup {
		return fmt.Errorf("%w: %v", ErrDuplicateToken, tok)
	}
	r.m[tok.MessageID] = pr
	return nil
}

// Resolve atomically removes and returns the pending
// request for messageID. ok is false if there is none:
// already resolved, cancelled, or never sent.
func (r *Registry) Resolve(messageID string) (pr *PendingRequest, ok bool) {
	r.mut.Lock()
	pr, ok = r.m[messageID]
	if ok {
		delete(r.m, messageID)
	}
	r.mut.Unlock()
	return
}

// CancelAll drains the registry and fails every
// pending request with an error wrapping
// ErrConnectionLost and cause. Returns how many
// it cancelled.
func (r *Registry) CancelAll(cause error) (n int) {
	r.mut.Lock()
	mm := r.m
	r.m = make(map[string]*PendingRequest)
	r.mut.Unlock()

	for _, pr := range mm {
		var err error
		if cause == nil {
			err = ErrConnectionLost
		} else {
			err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
		}
		if pr.Trigger.Fail(err) == nil {
			n++
		}
	}
	return
}

func (r *Registry) Len() (n int) {
	r.mut.Lock()
	n = len(r.m)
	r.mut.Unlock()
	return
}

// Tokens returns the pending MessageIDs, sorted.
func (r *Registry) Tokens() (ids []string) {
	r.mut.Lock()
	for k := range r.m {
		ids = append(ids, k)
	}
	r.mut.Unlock()
	sort.Strings(ids)
	return
}
