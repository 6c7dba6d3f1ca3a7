package coedit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// AwarenessFieldCursor is the conventional field key for the cursor
// position, encoded as a decimal visible position.
const AwarenessFieldCursor = "cursor"

// AwarenessEntry is the ephemeral state of one connected participant:
// cursor position, display name, color. Never persisted.
type AwarenessEntry struct {
	Participant Id
	Clock       uint64
	Fields      map[string]string

	lastSeen time.Time
}

func (self *AwarenessEntry) clone() *AwarenessEntry {
	return &AwarenessEntry{
		Participant: self.Participant,
		Clock:       self.Clock,
		Fields:      maps.Clone(self.Fields),
		lastSeen:    self.lastSeen,
	}
}

// Cursor returns the cursor position, or -1 when not set.
func (self *AwarenessEntry) Cursor() int {
	value, ok := self.Fields[AwarenessFieldCursor]
	if !ok {
		return -1
	}
	position, err := strconv.Atoi(value)
	if err != nil || position < 0 {
		return -1
	}
	return position
}

type AwarenessSettings struct {
	HeartbeatInterval time.Duration
	// entries older than HeartbeatInterval * EvictMissedHeartbeats are
	// evicted, so stale cursors cannot linger indefinitely
	EvictMissedHeartbeats int
}

func DefaultAwarenessSettings() *AwarenessSettings {
	return &AwarenessSettings{
		HeartbeatInterval:     15 * time.Second,
		EvictMissedHeartbeats: 3,
	}
}

type BroadcastFunction func(entry *AwarenessEntry)

// Awareness reconciles ephemeral per-participant state with
// last-writer-wins semantics per participant. A participant's own updates
// are self-ordered by its clock, so the per-participant rule is sufficient.
// Best effort: loss of an update is self-healing on the next broadcast,
// and nothing here ever blocks text synchronization.
type Awareness struct {
	ctx    context.Context
	cancel context.CancelFunc

	participantId Id
	settings      *AwarenessSettings
	log           LogFunction

	stateLock   sync.Mutex
	clock       uint64
	localFields map[string]string
	entries     map[Id]*AwarenessEntry
	broadcast   BroadcastFunction

	cursorCallbacks callbackList[CursorUpdateFunction]
	changeCallbacks callbackList[AwarenessChangeFunction]
}

func NewAwarenessWithDefaults(ctx context.Context, participantId Id) *Awareness {
	return NewAwareness(ctx, participantId, DefaultAwarenessSettings())
}

func NewAwareness(ctx context.Context, participantId Id, settings *AwarenessSettings) *Awareness {
	cancelCtx, cancel := context.WithCancel(ctx)
	awareness := &Awareness{
		ctx:           cancelCtx,
		cancel:        cancel,
		participantId: participantId,
		settings:      settings,
		log:           logFn(logLevelTrace, "[awareness]"+participantId.String()),
		localFields:   map[string]string{},
		entries:       map[Id]*AwarenessEntry{},
	}
	go awareness.run()
	return awareness
}

func (self *Awareness) ParticipantId() Id {
	return self.participantId
}

// setBroadcast wires the outbound path. The owner decides where entries go.
func (self *Awareness) setBroadcast(broadcast BroadcastFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.broadcast = broadcast
}

// SetLocalField updates one local field, increments the local clock and
// broadcasts the full entry.
func (self *Awareness) SetLocalField(key string, value string) {
	self.stateLock.Lock()
	self.clock += 1
	self.localFields[key] = value
	entry := self.localEntry()
	broadcast := self.broadcast
	self.stateLock.Unlock()

	if broadcast != nil {
		broadcast(entry)
	}
}

func (self *Awareness) SetLocalCursor(position int) {
	self.SetLocalField(AwarenessFieldCursor, strconv.Itoa(position))
}

// LocalEntry snapshots the local participant state at the current clock.
func (self *Awareness) LocalEntry() *AwarenessEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.localEntry()
}

func (self *Awareness) localEntry() *AwarenessEntry {
	return &AwarenessEntry{
		Participant: self.participantId,
		Clock:       self.clock,
		Fields:      maps.Clone(self.localFields),
	}
}

// Entries snapshots all live remote entries.
func (self *Awareness) Entries() []*AwarenessEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := make([]*AwarenessEntry, 0, len(self.entries))
	for _, entry := range self.entries {
		entries = append(entries, entry.clone())
	}
	return entries
}

// ApplyRemote reconciles an inbound entry. Entries with a clock not greater
// than the stored one are stale and ignored.
func (self *Awareness) ApplyRemote(entry *AwarenessEntry) {
	if entry == nil || entry.Participant == self.participantId {
		return
	}

	self.stateLock.Lock()
	existing := self.entries[entry.Participant]
	if existing != nil && entry.Clock <= existing.Clock {
		self.stateLock.Unlock()
		self.log("stale entry from %s: %d <= %d", entry.Participant, entry.Clock, existing.Clock)
		return
	}
	stored := entry.clone()
	stored.lastSeen = time.Now()
	self.entries[entry.Participant] = stored
	cursorChanged := existing == nil || existing.Cursor() != stored.Cursor()
	fields := maps.Clone(stored.Fields)
	cursor := stored.Cursor()
	self.stateLock.Unlock()

	for _, changeCallback := range self.changeCallbacks.get() {
		changeCallback(entry.Participant, fields)
	}
	if cursorChanged {
		for _, cursorCallback := range self.cursorCallbacks.get() {
			cursorCallback(entry.Participant, cursor)
		}
	}
}

// Evict removes a participant on explicit disconnect or heartbeat timeout.
func (self *Awareness) Evict(participantId Id) {
	self.stateLock.Lock()
	_, ok := self.entries[participantId]
	delete(self.entries, participantId)
	self.stateLock.Unlock()

	if !ok {
		return
	}
	self.log("evict %s", participantId)
	for _, changeCallback := range self.changeCallbacks.get() {
		changeCallback(participantId, nil)
	}
	for _, cursorCallback := range self.cursorCallbacks.get() {
		cursorCallback(participantId, -1)
	}
}

// returns a function to remove the callback
func (self *Awareness) AddCursorUpdateCallback(cursorCallback CursorUpdateFunction) func() {
	return self.cursorCallbacks.add(cursorCallback)
}

// returns a function to remove the callback
func (self *Awareness) AddChangeCallback(changeCallback AwarenessChangeFunction) func() {
	return self.changeCallbacks.add(changeCallback)
}

func (self *Awareness) run() {
	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.heartbeat()
		}
	}
}

func (self *Awareness) heartbeat() {
	timeout := self.settings.HeartbeatInterval * time.Duration(self.settings.EvictMissedHeartbeats)

	self.stateLock.Lock()
	// renew the local entry so peers do not time it out
	self.clock += 1
	entry := self.localEntry()
	broadcast := self.broadcast
	stale := []Id{}
	for participantId, remote := range self.entries {
		if timeout < time.Since(remote.lastSeen) {
			stale = append(stale, participantId)
		}
	}
	self.stateLock.Unlock()

	self.log("heartbeat clock=%d evict=%d", entry.Clock, len(stale))
	for _, participantId := range stale {
		self.Evict(participantId)
	}
	if broadcast != nil {
		broadcast(entry)
	}
}

func (self *Awareness) Close() {
	self.cancel()
}
