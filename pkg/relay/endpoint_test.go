package relay

import (
	"errors"
	"sync"

	"github.com/marmos91/rendezvous/internal/protocol/wire"
)

// fakeEndpoint records what the engine sends it. With holdReleases set, DATA
// credit is only returned when the test calls flush, simulating a slow
// destination socket.
type fakeEndpoint struct {
	id           string
	holdReleases bool
	relayedErr   error

	mu       sync.Mutex
	data     [][]byte
	pending  []func()
	relayed  []string
	pairing  *Pairing
	codes    []wire.ErrorCode
	closes   []error
	closedCh chan struct{}
}

func newEndpoint(id string) *fakeEndpoint {
	return &fakeEndpoint{id: id, closedCh: make(chan struct{})}
}

func (f *fakeEndpoint) PublicID() string { return f.id }

func (f *fakeEndpoint) SendData(payload []byte, release func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.closes) > 0 {
		return errors.New("endpoint closed")
	}
	f.data = append(f.data, append([]byte(nil), payload...))
	if f.holdReleases {
		f.pending = append(f.pending, release)
	} else {
		release()
	}
	return nil
}

func (f *fakeEndpoint) SendRelayed(p *Pairing, peer Endpoint) error {
	if f.relayedErr != nil {
		return f.relayedErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairing = p
	f.relayed = append(f.relayed, peer.PublicID())
	return nil
}

func (f *fakeEndpoint) SendError(code wire.ErrorCode, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	return nil
}

func (f *fakeEndpoint) Close(reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, reason)
	if len(f.closes) == 1 {
		close(f.closedCh)
	}
}

// flush returns credit for n held frames.
func (f *fakeEndpoint) flush(n int) {
	f.mu.Lock()
	if n > len(f.pending) {
		n = len(f.pending)
	}
	releases := f.pending[:n]
	f.pending = f.pending[n:]
	f.mu.Unlock()

	for _, release := range releases {
		release()
	}
}

func (f *fakeEndpoint) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.data...)
}

func (f *fakeEndpoint) errorCodes() []wire.ErrorCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.ErrorCode(nil), f.codes...)
}

func (f *fakeEndpoint) closeReasons() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.closes...)
}

func (f *fakeEndpoint) relayedTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.relayed...)
}
