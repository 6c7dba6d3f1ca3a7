package coedit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SessionState int

const (
	SessionStateConnecting SessionState = iota
	SessionStateSyncing
	SessionStateLive
	SessionStateDisconnected
)

func (self SessionState) String() string {
	switch self {
	case SessionStateConnecting:
		return "connecting"
	case SessionStateSyncing:
		return "syncing"
	case SessionStateLive:
		return "live"
	case SessionStateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

type SessionSettings struct {
	ReceiveBufferSize int
	// a syncing session with no peer state vector after this long is
	// alone in the document and goes live
	SyncIdleTimeout   time.Duration
	AwarenessSettings *AwarenessSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ReceiveBufferSize: 256,
		SyncIdleTimeout:   500 * time.Millisecond,
		AwarenessSettings: DefaultAwarenessSettings(),
	}
}

// Session manages one client's connection to one document. It owns the
// replicated text and the awareness state for that document, and is the
// single writer to both: inbound messages are consumed from an apply queue
// by one run goroutine, and local edits synchronize on the session state
// lock. Closing a session stops the apply queue and broadcasts an explicit
// leave so peers release the awareness entry.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId string
	replicaId  Id
	text       *ReplicatedText
	awareness  *Awareness
	settings   *SessionSettings
	log        LogFunction
	syncLog    LogFunction

	receive chan []byte

	stateLock     sync.Mutex
	state         SessionState
	transport     Transport
	removeReceive func()
	removeClose   func()
	resumeToken   string
	// encoded local updates not yet handed to a live transport
	outbound [][]byte
	// the remote clocks that must be covered before going live
	syncTarget *StateVector

	textChangeCallbacks callbackList[TextChangeFunction]
	disconnectCallbacks callbackList[DisconnectFunction]
}

func NewSessionWithDefaults(ctx context.Context, documentId string, transport Transport) *Session {
	return NewSession(ctx, documentId, transport, DefaultSessionSettings())
}

// NewSession joins the document over the transport. The replica id is
// generated for this session and not persisted.
func NewSession(ctx context.Context, documentId string, transport Transport, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	replicaId := NewId()
	log := logFn(logLevelSession, fmt.Sprintf("[session]%s/%s", documentId, replicaId))
	session := &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		documentId: documentId,
		replicaId:  replicaId,
		text:       NewReplicatedText(replicaId),
		awareness:  NewAwareness(cancelCtx, replicaId, settings.AwarenessSettings),
		settings:   settings,
		log:        log,
		syncLog:    subLogFn(log, "sync"),
		receive:    make(chan []byte, settings.ReceiveBufferSize),
		state:      SessionStateConnecting,
	}
	session.awareness.setBroadcast(session.sendAwareness)
	go session.run()

	session.stateLock.Lock()
	session.attach(transport)
	session.startSync()
	session.stateLock.Unlock()

	return session
}

func (self *Session) DocumentId() string {
	return self.documentId
}

func (self *Session) ReplicaId() Id {
	return self.replicaId
}

func (self *Session) Text() *ReplicatedText {
	return self.text
}

func (self *Session) Awareness() *Awareness {
	return self.awareness
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// ApplyLocalInsert applies a user keystroke insert and broadcasts the
// resulting update record. While not live the record is buffered and
// flushed on going live, so a disconnect loses no local edits.
func (self *Session) ApplyLocalInsert(position int, text string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return ErrClosed
	}
	update, err := self.text.LocalInsert(position, text)
	if err != nil || update == nil {
		return err
	}
	self.broadcastUpdate(EncodeUpdate(update))
	return nil
}

// ApplyLocalDelete applies a user keystroke delete, see ApplyLocalInsert.
func (self *Session) ApplyLocalDelete(position int, length int) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return ErrClosed
	}
	update, err := self.text.LocalDelete(position, length)
	if err != nil || update == nil {
		return err
	}
	self.broadcastUpdate(EncodeUpdate(update))
	return nil
}

// the state lock must be held
func (self *Session) broadcastUpdate(messageBytes []byte) {
	if self.state == SessionStateLive && self.transport != nil {
		if err := self.transport.Send(messageBytes); err == nil {
			return
		}
		// fall through: keep the record for resend on reconnect
	}
	self.outbound = append(self.outbound, messageBytes)
}

// returns a function to remove the callback
func (self *Session) AddRemoteTextChangeCallback(textChange TextChangeFunction) func() {
	return self.textChangeCallbacks.add(textChange)
}

// returns a function to remove the callback
func (self *Session) AddCursorUpdateCallback(cursorUpdate CursorUpdateFunction) func() {
	return self.awareness.AddCursorUpdateCallback(cursorUpdate)
}

// returns a function to remove the callback
func (self *Session) AddDisconnectCallback(disconnect DisconnectFunction) func() {
	return self.disconnectCallbacks.add(disconnect)
}

// Resume re-joins the document after a disconnect. The token is the opaque
// handle the caller's reconnect policy produced; the transport is the new
// channel. The sync handshake exchanges state vectors, so only the missing
// records travel, not the full document.
func (self *Session) Resume(resumeToken string, transport Transport) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return ErrClosed
	}
	if self.state != SessionStateDisconnected {
		return fmt.Errorf("cannot resume from %s", self.state)
	}
	self.resumeToken = resumeToken
	self.state = SessionStateConnecting
	self.attach(transport)
	self.startSync()
	return nil
}

// the state lock must be held
func (self *Session) attach(transport Transport) {
	self.transport = transport
	self.removeReceive = transport.AddReceiveCallback(func(messageBytes []byte) {
		select {
		case self.receive <- messageBytes:
		case <-self.ctx.Done():
		}
	})
	self.removeClose = transport.AddCloseCallback(func(err error) {
		self.handleTransportClose(err)
	})
}

// the state lock must be held
func (self *Session) detach() {
	if self.removeReceive != nil {
		self.removeReceive()
		self.removeReceive = nil
	}
	if self.removeClose != nil {
		self.removeClose()
		self.removeClose = nil
	}
	self.transport = nil
}

// the state lock must be held
func (self *Session) startSync() {
	self.state = SessionStateSyncing
	self.syncTarget = nil
	self.log("syncing")
	if self.transport != nil {
		self.transport.Send(EncodeStateVector(self.replicaId, self.text.State()))
	}
	time.AfterFunc(self.settings.SyncIdleTimeout, self.syncIdle)
}

func (self *Session) syncIdle() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == SessionStateSyncing && self.syncTarget == nil {
		// nobody answered: empty document room
		self.enterLive()
	}
}

// the state lock must be held
func (self *Session) enterLive() {
	self.state = SessionStateLive
	self.syncTarget = nil
	self.log("live")
	if self.transport != nil {
		for _, messageBytes := range self.outbound {
			self.transport.Send(messageBytes)
		}
	}
	self.outbound = nil
	entry := self.awareness.LocalEntry()
	if 0 < entry.Clock && self.transport != nil {
		self.transport.Send(EncodeAwareness(entry))
	}
}

func (self *Session) handleTransportClose(err error) {
	self.stateLock.Lock()
	if self.state == SessionStateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.state = SessionStateDisconnected
	self.detach()
	self.stateLock.Unlock()

	self.log("disconnected: %v", err)
	for _, disconnect := range self.disconnectCallbacks.get() {
		disconnect(err)
	}
}

func (self *Session) sendAwareness(entry *AwarenessEntry) {
	self.stateLock.Lock()
	transport := self.transport
	live := self.state == SessionStateLive
	self.stateLock.Unlock()

	if live && transport != nil {
		// best effort: a lost awareness update heals on the next broadcast
		transport.Send(EncodeAwareness(entry))
	}
}

func (self *Session) send(messageBytes []byte) {
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()

	if transport != nil {
		transport.Send(messageBytes)
	}
}

// run is the single consumer of the apply queue. All remote mutation of
// the text structure happens here.
func (self *Session) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case messageBytes := <-self.receive:
			self.handleMessage(messageBytes)
		}
	}
}

func (self *Session) handleMessage(messageBytes []byte) {
	message, err := DecodeMessage(messageBytes)
	if err != nil {
		glog.Warningf("[session]%s/%s drop message: %v", self.documentId, self.replicaId, err)
		return
	}
	switch message.Type {
	case MessageTypeUpdate:
		self.handleUpdate(message.Update)
	case MessageTypeStateVector:
		self.handleStateVector(message.Sender, message.Vector)
	case MessageTypeSyncRequest:
		self.handleSyncRequest(message.Sender, message.Ranges)
	case MessageTypeAwareness:
		self.awareness.ApplyRemote(message.Awareness)
	case MessageTypeLeave:
		self.awareness.Evict(message.Participant)
	}
}

func (self *Session) handleUpdate(update *UpdateRecord) {
	changed, err := self.text.applyRemoteChanged(update)
	if err != nil {
		// malformed inbound data never crashes the session and leaves
		// the document state unaffected
		glog.Warningf("[session]%s/%s reject update from %s: %v", self.documentId, self.replicaId, update.Origin, err)
		return
	}
	if changed != (ChangedRange{}) {
		visible := self.text.VisibleString()
		for _, textChange := range self.textChangeCallbacks.get() {
			textChange(visible, changed)
		}
	}
	self.checkSyncTarget()
}

func (self *Session) handleStateVector(senderId Id, remote *StateVector) {
	if senderId == self.replicaId {
		return
	}
	self.syncLog("state vector from %s (%d replicas)", senderId, remote.Len())

	// send what the sender lacks
	for _, update := range self.text.UpdatesSince(remote) {
		self.send(EncodeUpdate(update))
	}

	// request what we lack
	missing := self.text.State().MissingRanges(remote)
	if 0 < len(missing) {
		self.send(EncodeSyncRequest(self.replicaId, missing))
	}

	self.stateLock.Lock()
	if self.state == SessionStateSyncing {
		if len(missing) == 0 {
			self.enterLive()
		} else {
			if self.syncTarget == nil {
				self.syncTarget = NewStateVector()
			}
			self.syncTarget.Merge(remote)
		}
	}
	self.stateLock.Unlock()
}

func (self *Session) handleSyncRequest(senderId Id, ranges []ReplicaClockRange) {
	if senderId == self.replicaId {
		return
	}
	served := 0
	for _, replicaRange := range ranges {
		if update := self.text.UpdatesForRange(replicaRange.Replica, replicaRange.Range); update != nil {
			self.send(EncodeUpdate(update))
			served += 1
		}
	}
	self.syncLog("request from %s: served %d of %d ranges", senderId, served, len(ranges))
}

func (self *Session) checkSyncTarget() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == SessionStateSyncing && self.syncTarget != nil && self.text.State().Covers(self.syncTarget) {
		self.enterLive()
	}
}

// Close stops the apply queue and releases the awareness entry on peers by
// broadcasting an explicit leave. In-flight messages are dropped; the text
// structure was only ever updated atomically and stays valid.
func (self *Session) Close() {
	self.stateLock.Lock()
	transport := self.transport
	live := self.state == SessionStateLive
	self.state = SessionStateDisconnected
	self.detach()
	self.stateLock.Unlock()

	if live && transport != nil {
		transport.Send(EncodeLeave(self.replicaId))
	}
	self.awareness.Close()
	self.cancel()
}
