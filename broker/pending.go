package broker

import "sync"

// pending tracks the calls waiting for a reply, keyed by correlation id.
type pending struct {
	mu    sync.Mutex
	calls map[string]chan []byte
}

func newPending() *pending {
	return &pending{calls: map[string]chan []byte{}}
}

// add allocates the slot for id. The channel is buffered so resolve never
// blocks on a caller that already gave up.
func (p *pending) add(id string) <-chan []byte {
	ch := make(chan []byte, 1)
	p.mu.Lock()
	p.calls[id] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers body to the call waiting on id. It reports false when no
// call is waiting, e.g. the reply arrived after the deadline.
func (p *pending) resolve(id string, body []byte) bool {
	p.mu.Lock()
	ch, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- body
	return true
}

func (p *pending) remove(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
