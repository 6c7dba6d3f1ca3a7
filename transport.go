package coedit

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Transport is the byte-message channel a session speaks over. Delivery is
// at-least-once and not necessarily ordered; the merge semantics tolerate
// duplicates and reordering. Implementations are external collaborators
// (sockets, message queues, broadcast channels) - the session assumes
// nothing beyond this contract.
type Transport interface {
	Send(messageBytes []byte) error
	// returns a function to remove the callback
	AddReceiveCallback(receive ReceiveFunction) func()
	// returns a function to remove the callback
	AddCloseCallback(closeCallback CloseFunction) func()
	Close()
}

type ReceiveFunction func(messageBytes []byte)
type CloseFunction func(err error)

type LocalRelaySettings struct {
	TransportBufferSize int
}

func DefaultLocalRelaySettings() *LocalRelaySettings {
	return &LocalRelaySettings{
		TransportBufferSize: 32,
	}
}

// LocalRelay is an in-memory relay: every message sent on one of its
// transports is delivered to all the others. It satisfies the reliable
// message channel the sessions assume, for same-process collaboration
// and tests.
type LocalRelay struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *LocalRelaySettings

	stateLock  sync.Mutex
	transports map[*LocalTransport]bool
}

func NewLocalRelayWithDefaults(ctx context.Context) *LocalRelay {
	return NewLocalRelay(ctx, DefaultLocalRelaySettings())
}

func NewLocalRelay(ctx context.Context, settings *LocalRelaySettings) *LocalRelay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LocalRelay{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		transports: map[*LocalTransport]bool{},
	}
}

// Open attaches a new transport to the relay.
func (self *LocalRelay) Open() *LocalTransport {
	cancelCtx, cancel := context.WithCancel(self.ctx)
	transport := &LocalTransport{
		ctx:     cancelCtx,
		cancel:  cancel,
		relay:   self,
		deliver: make(chan []byte, self.settings.TransportBufferSize),
	}

	self.stateLock.Lock()
	self.transports[transport] = true
	self.stateLock.Unlock()

	go transport.run()
	return transport
}

func (self *LocalRelay) broadcast(from *LocalTransport, messageBytes []byte) {
	self.stateLock.Lock()
	transports := maps.Keys(self.transports)
	self.stateLock.Unlock()

	for _, transport := range transports {
		if transport == from {
			continue
		}
		select {
		case transport.deliver <- messageBytes:
		case <-transport.ctx.Done():
		}
	}
}

func (self *LocalRelay) remove(transport *LocalTransport) {
	self.stateLock.Lock()
	delete(self.transports, transport)
	self.stateLock.Unlock()
}

func (self *LocalRelay) Close() {
	self.stateLock.Lock()
	transports := maps.Keys(self.transports)
	self.stateLock.Unlock()

	for _, transport := range transports {
		transport.Close()
	}
	self.cancel()
}

// LocalTransport delivers inbound messages serially on a single goroutine,
// in per-sender order.
type LocalTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	relay   *LocalRelay
	deliver chan []byte

	closeOnce sync.Once

	receiveCallbacks callbackList[ReceiveFunction]
	closeCallbacks   callbackList[CloseFunction]
}

func (self *LocalTransport) Send(messageBytes []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrClosed
	default:
	}
	// the caller may reuse the buffer
	self.relay.broadcast(self, slices.Clone(messageBytes))
	return nil
}

func (self *LocalTransport) AddReceiveCallback(receive ReceiveFunction) func() {
	return self.receiveCallbacks.add(receive)
}

func (self *LocalTransport) AddCloseCallback(closeCallback CloseFunction) func() {
	return self.closeCallbacks.add(closeCallback)
}

func (self *LocalTransport) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case messageBytes := <-self.deliver:
			for _, receive := range self.receiveCallbacks.get() {
				receive(messageBytes)
			}
		}
	}
}

func (self *LocalTransport) Close() {
	self.closeOnce.Do(func() {
		self.relay.remove(self)
		self.cancel()
		for _, closeCallback := range self.closeCallbacks.get() {
			closeCallback(nil)
		}
	})
}
