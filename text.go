package coedit

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// textItem is the atomic unit of the replicated sequence. Items are never
// physically removed, only marked deleted, so that concurrent delete/insert
// at the same position converges. Owned exclusively by ReplicatedText.
type textItem struct {
	id      ItemId
	content string
	// ids of the items immediately left/right of this item at the moment
	// of insertion. Zero means document start/end.
	originLeft  ItemId
	originRight ItemId
	deleted     bool
}

// ReplicatedText maintains a sequence of character items that converges to
// the same visible string on every replica regardless of operation arrival
// order, given all operations are eventually delivered.
//
// All operations are serialized on an internal lock. A single Session owns
// one ReplicatedText per document and is the only writer.
type ReplicatedText struct {
	replicaId Id

	stateLock sync.Mutex
	clock     uint64
	items     []*textItem
	itemsById map[ItemId]*textItem
	state     *StateVector
	// per-replica log of integrated ops, index counter-1. Contiguity is
	// guaranteed by the state vector, so serving a counter range is a
	// slice. This is what makes incremental resync possible.
	logs    map[Id][]UpdateOp
	pending *updateQueue
}

func NewReplicatedText(replicaId Id) *ReplicatedText {
	return &ReplicatedText{
		replicaId: replicaId,
		items:     []*textItem{},
		itemsById: map[ItemId]*textItem{},
		state:     NewStateVector(),
		logs:      map[Id][]UpdateOp{},
		pending:   newUpdateQueue(),
	}
}

func (self *ReplicatedText) ReplicaId() Id {
	return self.replicaId
}

// LocalInsert inserts `text` at the visible position and returns the update
// record to broadcast. The items are also applied locally.
func (self *ReplicatedText) LocalInsert(position int, text string) (*UpdateRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}
	visibleLength := self.visibleLength()
	if position < 0 || visibleLength < position {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidPosition, position, visibleLength)
	}

	originLeft := ItemId{}
	leftIndex := -1
	if 0 < position {
		leftIndex = self.visibleIndex(position - 1)
		originLeft = self.items[leftIndex].id
	}
	originRight := ItemId{}
	for k := leftIndex + 1; k < len(self.items); k += 1 {
		if !self.items[k].deleted {
			originRight = self.items[k].id
			break
		}
	}

	clockStart := self.clock + 1
	ops := make([]UpdateOp, 0, len(runes))
	for _, r := range runes {
		self.clock += 1
		item := &textItem{
			id: ItemId{
				Replica: self.replicaId,
				Counter: self.clock,
			},
			content:     string(r),
			originLeft:  originLeft,
			originRight: originRight,
		}
		self.integrateItem(item)
		self.itemsById[item.id] = item
		op := UpdateOp{
			Type:        OpTypeInsert,
			Content:     item.content,
			OriginLeft:  item.originLeft,
			OriginRight: item.originRight,
		}
		ops = append(ops, op)
		self.logs[self.replicaId] = append(self.logs[self.replicaId], op)
		self.state.Set(self.replicaId, self.clock)
		// chain: the next rune originates between this item and the right
		originLeft = item.id
	}

	return &UpdateRecord{
		Origin:     self.replicaId,
		ClockStart: clockStart,
		Ops:        ops,
	}, nil
}

// LocalDelete marks `length` visible items starting at `position` as deleted
// and returns the tombstone update record to broadcast.
func (self *ReplicatedText) LocalDelete(position int, length int) (*UpdateRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	visibleLength := self.visibleLength()
	if position < 0 || length < 0 || visibleLength < position+length {
		return nil, fmt.Errorf("%w: %d+%d of %d", ErrInvalidRange, position, length, visibleLength)
	}
	if length == 0 {
		return nil, nil
	}

	clockStart := self.clock + 1
	ops := make([]UpdateOp, 0, length)
	k := self.visibleIndex(position)
	for n := 0; n < length; k += 1 {
		item := self.items[k]
		if item.deleted {
			continue
		}
		item.deleted = true
		n += 1

		self.clock += 1
		op := UpdateOp{
			Type:   OpTypeDelete,
			Target: item.id,
		}
		ops = append(ops, op)
		self.logs[self.replicaId] = append(self.logs[self.replicaId], op)
		self.state.Set(self.replicaId, self.clock)
	}

	return &UpdateRecord{
		Origin:     self.replicaId,
		ClockStart: clockStart,
		Ops:        ops,
	}, nil
}

// ApplyRemote merges an update record produced by another replica.
// It is idempotent: records whose clock range is already covered are a
// no-op. Records with a counter gap or unresolved item references are
// parked and retried once the missing updates integrate. Structurally
// malformed records fail ErrCorruptUpdate with no partial application.
func (self *ReplicatedText) ApplyRemote(update *UpdateRecord) error {
	_, err := self.applyRemoteChanged(update)
	return err
}

func (self *ReplicatedText) applyRemoteChanged(update *UpdateRecord) (ChangedRange, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changed := emptyChangedRange()
	if update == nil || len(update.Ops) == 0 {
		return changed.normalize(), nil
	}
	if err := validateUpdate(update); err != nil {
		return changed.normalize(), err
	}

	newInfo, err := self.integrateUpdate(update, &changed)
	if err != nil {
		return changed.normalize(), err
	}
	if newInfo {
		self.drainPending(&changed)
	}
	return changed.normalize(), nil
}

// integrateUpdate applies or parks one record. The lock is held.
// Returns whether new ops were integrated.
func (self *ReplicatedText) integrateUpdate(update *UpdateRecord, changed *ChangedRange) (bool, error) {
	known := self.state.Get(update.Origin)
	if update.ClockEnd() <= known {
		// duplicate delivery
		return false, nil
	}
	if known+1 < update.ClockStart {
		// counter gap from the origin
		self.pending.Add(update)
		return false, nil
	}

	// resolve every reference before touching state
	for i, op := range update.Ops {
		opId := update.OpId(i)
		if opId.Counter <= known {
			continue
		}
		var deps []ItemId
		switch op.Type {
		case OpTypeInsert:
			deps = []ItemId{op.OriginLeft, op.OriginRight}
		case OpTypeDelete:
			deps = []ItemId{op.Target}
		}
		for _, dep := range deps {
			if dep.IsZero() {
				continue
			}
			if dep.Replica == update.Origin && update.ClockStart <= dep.Counter {
				// reference into this same record; validateUpdate
				// guarantees it points at an earlier insert op
				continue
			}
			if _, ok := self.itemsById[dep]; ok {
				continue
			}
			if dep.Counter <= self.state.Get(dep.Replica) {
				// the referenced counter was integrated but produced no
				// item. The reference is dangling.
				return false, fmt.Errorf("%w: dangling reference %s", ErrCorruptUpdate, dep)
			}
			// the referenced item has not arrived yet
			self.pending.Add(update)
			return false, nil
		}
	}

	for i, op := range update.Ops {
		opId := update.OpId(i)
		if opId.Counter <= known {
			continue
		}
		switch op.Type {
		case OpTypeInsert:
			item := &textItem{
				id:          opId,
				content:     op.Content,
				originLeft:  op.OriginLeft,
				originRight: op.OriginRight,
			}
			index := self.integrateItem(item)
			self.itemsById[item.id] = item
			position := self.visiblePosition(index)
			changed.widen(position, position+1)
		case OpTypeDelete:
			item := self.itemsById[op.Target]
			if !item.deleted {
				item.deleted = true
				position := self.visiblePosition(self.indexOf(op.Target))
				changed.widen(position, position)
			}
		}
		self.logs[update.Origin] = append(self.logs[update.Origin], op)
		self.state.Set(update.Origin, opId.Counter)
	}
	return true, nil
}

// drainPending retries parked records until no more can be integrated.
// The lock is held.
func (self *ReplicatedText) drainPending(changed *ChangedRange) {
	for {
		progress := false
		for _, update := range self.pending.RemoveAll() {
			newInfo, err := self.integrateUpdate(update, changed)
			if err != nil {
				// a parked record turned out corrupt. Drop it.
				glog.Warningf("[text]%s drop pending update from %s: %v", self.replicaId, update.Origin, err)
				continue
			}
			if newInfo {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

// integrateItem splices a new item into the sequence. Concurrent siblings
// with the same left origin are ordered by comparing right origins; only
// identical origin pairs fall through to (counter, replica id) descending.
// This is the correctness-critical total order: every replica computes it
// identically, which is what guarantees convergence.
func (self *ReplicatedText) integrateItem(item *textItem) int {
	leftIndex := -1
	if !item.originLeft.IsZero() {
		leftIndex = self.indexOf(item.originLeft)
	}
	rightIndex := len(self.items)
	if !item.originRight.IsZero() {
		rightIndex = self.indexOf(item.originRight)
	}

	destination := leftIndex + 1
	// while scanning, the destination is pinned before a rival whose right
	// origin is further left than ours; the rival may still lose the spot
	// if a later sibling pushes us past it
	scanning := false
scan:
	for k := leftIndex + 1; ; k += 1 {
		if !scanning {
			destination = k
		}
		if k == len(self.items) || k == rightIndex {
			break scan
		}
		other := self.items[k]
		otherLeftIndex := -1
		if !other.originLeft.IsZero() {
			otherLeftIndex = self.indexOf(other.originLeft)
		}
		if otherLeftIndex < leftIndex {
			// start of a block anchored left of our origin
			break scan
		}
		if otherLeftIndex == leftIndex {
			otherRightIndex := len(self.items)
			if !other.originRight.IsZero() {
				otherRightIndex = self.indexOf(other.originRight)
			}
			switch {
			case otherRightIndex < rightIndex:
				scanning = true
			case otherRightIndex == rightIndex:
				// identical origin pair. Descending (counter, replica
				// id): the greater id comes first.
				if other.id.Counter < item.id.Counter ||
					(other.id.Counter == item.id.Counter && other.id.Replica.Cmp(item.id.Replica) < 0) {
					break scan
				}
				scanning = false
			default:
				scanning = false
			}
		}
		// otherLeftIndex > leftIndex: inside a sibling's block. skip.
	}

	self.items = slices.Insert(self.items, destination, item)
	return destination
}

// VisibleString produces the ordered content of all non-deleted items.
// O(n) over total items including tombstones. Tombstones are never purged
// in this design, so long-lived documents grow without bound.
func (self *ReplicatedText) VisibleString() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var b strings.Builder
	for _, item := range self.items {
		if !item.deleted {
			b.WriteString(item.content)
		}
	}
	return b.String()
}

func (self *ReplicatedText) VisibleLength() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.visibleLength()
}

// TotalItems counts all items including tombstones.
func (self *ReplicatedText) TotalItems() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.items)
}

// PendingSize returns the number of parked records and the ops they hold.
func (self *ReplicatedText) PendingSize() (int, int) {
	return self.pending.QueueSize()
}

// State returns a snapshot of the integrated clocks, the compact summary
// exchanged during sync.
func (self *ReplicatedText) State() *StateVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state.Clone()
}

// UpdatesSince regenerates the update records covering everything this
// replica has integrated beyond `remote`, one contiguous record per origin.
// This powers incremental resync: a reconnecting peer receives exactly what
// it lacks, not the full document.
func (self *ReplicatedText) UpdatesSince(remote *StateVector) []*UpdateRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	updates := []*UpdateRecord{}
	for _, replicaId := range self.state.Replicas() {
		localClock := self.state.Get(replicaId)
		remoteClock := remote.Get(replicaId)
		if remoteClock < localClock {
			updates = append(updates, &UpdateRecord{
				Origin:     replicaId,
				ClockStart: remoteClock + 1,
				Ops:        slices.Clone(self.logs[replicaId][remoteClock:localClock]),
			})
		}
	}
	return updates
}

// UpdatesForRange serves the requested counter range of one origin, clipped
// to what is integrated locally. Returns nil when nothing is available.
func (self *ReplicatedText) UpdatesForRange(replicaId Id, clockRange ClockRange) *UpdateRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	start := max(clockRange.Start, 1)
	end := min(clockRange.End, self.state.Get(replicaId))
	if end < start {
		return nil
	}
	return &UpdateRecord{
		Origin:     replicaId,
		ClockStart: start,
		Ops:        slices.Clone(self.logs[replicaId][start-1 : end]),
	}
}

func (self *ReplicatedText) visibleLength() int {
	n := 0
	for _, item := range self.items {
		if !item.deleted {
			n += 1
		}
	}
	return n
}

// visibleIndex returns the item index of the position-th visible item.
func (self *ReplicatedText) visibleIndex(position int) int {
	n := 0
	for k, item := range self.items {
		if !item.deleted {
			if n == position {
				return k
			}
			n += 1
		}
	}
	return -1
}

// visiblePosition counts the visible items before the item index.
func (self *ReplicatedText) visiblePosition(index int) int {
	n := 0
	for k := 0; k < index; k += 1 {
		if !self.items[k].deleted {
			n += 1
		}
	}
	return n
}

func (self *ReplicatedText) indexOf(id ItemId) int {
	for k, item := range self.items {
		if item.id == id {
			return k
		}
	}
	return -1
}

func validateUpdate(update *UpdateRecord) error {
	if (update.Origin == Id{}) {
		return fmt.Errorf("%w: zero origin", ErrCorruptUpdate)
	}
	if update.ClockStart == 0 {
		return fmt.Errorf("%w: zero clock start", ErrCorruptUpdate)
	}
	for i, op := range update.Ops {
		opId := update.OpId(i)
		switch op.Type {
		case OpTypeInsert:
			if op.Content == "" {
				return fmt.Errorf("%w: empty insert", ErrCorruptUpdate)
			}
			if !op.Target.IsZero() {
				return fmt.Errorf("%w: insert with delete target", ErrCorruptUpdate)
			}
			for _, origin := range []ItemId{op.OriginLeft, op.OriginRight} {
				if origin.IsZero() {
					continue
				}
				if origin.Replica == update.Origin && opId.Counter <= origin.Counter {
					return fmt.Errorf("%w: forward origin reference %s", ErrCorruptUpdate, origin)
				}
				if origin.Replica == update.Origin && update.ClockStart <= origin.Counter {
					// in-record reference must point at an insert
					if update.Ops[origin.Counter-update.ClockStart].Type != OpTypeInsert {
						return fmt.Errorf("%w: origin references a delete op %s", ErrCorruptUpdate, origin)
					}
				}
			}
		case OpTypeDelete:
			if op.Target.IsZero() {
				return fmt.Errorf("%w: delete without target", ErrCorruptUpdate)
			}
			if op.Content != "" || !op.OriginLeft.IsZero() || !op.OriginRight.IsZero() {
				return fmt.Errorf("%w: delete with insert fields", ErrCorruptUpdate)
			}
			if op.Target.Replica == update.Origin && opId.Counter <= op.Target.Counter {
				return fmt.Errorf("%w: forward delete target %s", ErrCorruptUpdate, op.Target)
			}
			if op.Target.Replica == update.Origin && update.ClockStart <= op.Target.Counter {
				if update.Ops[op.Target.Counter-update.ClockStart].Type != OpTypeInsert {
					return fmt.Errorf("%w: delete targets a delete op %s", ErrCorruptUpdate, op.Target)
				}
			}
		default:
			return fmt.Errorf("%w: unknown op type %d", ErrCorruptUpdate, op.Type)
		}
	}
	return nil
}

func emptyChangedRange() ChangedRange {
	return ChangedRange{
		Start: -1,
		End:   -1,
	}
}

func (self *ChangedRange) widen(start int, end int) {
	if self.Start < 0 || start < self.Start {
		self.Start = start
	}
	if self.End < end {
		self.End = end
	}
}

func (self ChangedRange) normalize() ChangedRange {
	if self.Start < 0 {
		return ChangedRange{}
	}
	return self
}
