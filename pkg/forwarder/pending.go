package forwarder

import (
	"errors"
	"math/rand/v2"
	"sync"
)

// errTableFull means every 16-bit transaction ID is in flight
var errTableFull = errors.New("no free transaction id")

// maxPending is the size of the transaction ID space
const maxPending = 1 << 16

// response completes one pending request
type response struct {
	err error
	msg []byte
}

// pendingTable maps in-flight transaction IDs to the channel their caller
// waits on. An ID is present exactly while a request using it is outstanding.
type pendingTable struct {
	entries map[uint16]chan response
	next    func() uint16
	mu      sync.Mutex
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[uint16]chan response),
		next:    func() uint16 { return uint16(rand.Uint32()) },
	}
}

// register picks an unused random ID and records interest in it. It must be
// called before the query is written so an immediate answer finds its entry.
func (p *pendingTable) register() (uint16, <-chan response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) >= maxPending {
		return 0, nil, errTableFull
	}

	id := p.next()
	for {
		if _, taken := p.entries[id]; !taken {
			break
		}
		id = p.next()
	}

	ch := make(chan response, 1)
	p.entries[id] = ch
	return id, ch, nil
}

// take removes and returns the entry for id. Taking an absent ID is a no-op.
func (p *pendingTable) take(id uint16) (chan<- response, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	return ch, ok
}

// drain removes every entry and fails each waiter with err
func (p *pendingTable) drain(err error) int {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[uint16]chan response)
	p.mu.Unlock()

	for _, ch := range entries {
		deliver(ch, response{err: err})
	}
	return len(entries)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// deliver hands r to a waiter without blocking. The buffer holds one value
// and each entry is taken once, so a full channel means nobody is listening.
func deliver(ch chan<- response, r response) {
	select {
	case ch <- r:
	default:
	}
}
