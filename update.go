package coedit

import (
	"container/heap"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type OpType int

const (
	OpTypeInsert OpType = 1
	OpTypeDelete OpType = 2
)

// UpdateOp is one operation inside an update record. Each op consumes one
// counter value from the origin replica, so a record covers a contiguous
// clock range regardless of how inserts and deletes are mixed.
type UpdateOp struct {
	Type OpType

	// insert
	Content     string
	OriginLeft  ItemId
	OriginRight ItemId

	// delete
	Target ItemId
}

// UpdateRecord is a transmissible delta produced by one replica. Applying
// the same record more than once is a no-op.
type UpdateRecord struct {
	Origin     Id
	ClockStart uint64
	Ops        []UpdateOp
}

// ClockEnd is the highest counter covered by this record, inclusive.
func (self *UpdateRecord) ClockEnd() uint64 {
	return self.ClockStart + uint64(len(self.Ops)) - 1
}

// OpId is the item id assigned to the i-th op of this record.
func (self *UpdateRecord) OpId(i int) ItemId {
	return ItemId{
		Replica: self.Origin,
		Counter: self.ClockStart + uint64(i),
	}
}

// ClockRange is a contiguous counter range, Start and End inclusive.
type ClockRange struct {
	Start uint64
	End   uint64
}

// ReplicaClockRange names the replica a range belongs to, for sync requests.
type ReplicaClockRange struct {
	Replica Id
	Range   ClockRange
}

// StateVector maps every observed replica to the highest contiguous counter
// already integrated. Used to detect missing updates and de-duplicate
// redelivery. Not safe for concurrent use; the owner serializes access.
type StateVector struct {
	clocks map[Id]uint64
}

func NewStateVector() *StateVector {
	return &StateVector{
		clocks: map[Id]uint64{},
	}
}

func (self *StateVector) Get(replicaId Id) uint64 {
	return self.clocks[replicaId]
}

func (self *StateVector) Set(replicaId Id, clock uint64) {
	if self.clocks[replicaId] < clock {
		self.clocks[replicaId] = clock
	}
}

func (self *StateVector) Replicas() []Id {
	replicaIds := maps.Keys(self.clocks)
	slices.SortFunc(replicaIds, func(a Id, b Id) int {
		return a.Cmp(b)
	})
	return replicaIds
}

func (self *StateVector) Len() int {
	return len(self.clocks)
}

// Covers returns whether every entry of `other` is already integrated here.
func (self *StateVector) Covers(other *StateVector) bool {
	for replicaId, clock := range other.clocks {
		if self.clocks[replicaId] < clock {
			return false
		}
	}
	return true
}

func (self *StateVector) Merge(other *StateVector) {
	for replicaId, clock := range other.clocks {
		self.Set(replicaId, clock)
	}
}

func (self *StateVector) Clone() *StateVector {
	return &StateVector{
		clocks: maps.Clone(self.clocks),
	}
}

// MissingRanges computes the contiguous ranges advertised by `remote` that
// are not yet integrated locally. Used during initial sync and after
// detected loss, so that exactly the gaps are requested rather than the
// full document.
func (self *StateVector) MissingRanges(remote *StateVector) []ReplicaClockRange {
	missing := []ReplicaClockRange{}
	for _, replicaId := range remote.Replicas() {
		remoteClock := remote.clocks[replicaId]
		localClock := self.clocks[replicaId]
		if localClock < remoteClock {
			missing = append(missing, ReplicaClockRange{
				Replica: replicaId,
				Range: ClockRange{
					Start: localClock + 1,
					End:   remoteClock,
				},
			})
		}
	}
	return missing
}

// pendingUpdate is an update record that cannot be integrated yet, either
// because of a counter gap from its origin or because it references items
// that have not arrived.
type pendingUpdate struct {
	update *UpdateRecord

	// the index of the item in the heap
	heapIndex int
}

// ordered by (origin, clockStart) so that records from the same origin are
// retried lowest range first
type updateQueue struct {
	orderedUpdates []*pendingUpdate
	// (origin, clockStart) -> pending
	rangeUpdates map[ItemId]*pendingUpdate
	opCount      int
	stateLock    sync.Mutex
}

func newUpdateQueue() *updateQueue {
	updateQueue := &updateQueue{
		orderedUpdates: []*pendingUpdate{},
		rangeUpdates:   map[ItemId]*pendingUpdate{},
	}
	heap.Init(updateQueue)
	return updateQueue
}

func (self *updateQueue) QueueSize() (int, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedUpdates), self.opCount
}

func (self *updateQueue) Add(update *UpdateRecord) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rangeKey := ItemId{
		Replica: update.Origin,
		Counter: update.ClockStart,
	}
	if _, ok := self.rangeUpdates[rangeKey]; ok {
		// an update for the same range is already parked
		return
	}
	pending := &pendingUpdate{
		update: update,
	}
	self.rangeUpdates[rangeKey] = pending
	heap.Push(self, pending)
	self.opCount += len(update.Ops)
}

func (self *updateQueue) RemoveAll() []*UpdateRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	updates := make([]*UpdateRecord, 0, len(self.orderedUpdates))
	for 0 < len(self.orderedUpdates) {
		pending := heap.Pop(self).(*pendingUpdate)
		rangeKey := ItemId{
			Replica: pending.update.Origin,
			Counter: pending.update.ClockStart,
		}
		delete(self.rangeUpdates, rangeKey)
		self.opCount -= len(pending.update.Ops)
		updates = append(updates, pending.update)
	}
	return updates
}

// heap.Interface

func (self *updateQueue) Push(x any) {
	pending := x.(*pendingUpdate)
	pending.heapIndex = len(self.orderedUpdates)
	self.orderedUpdates = append(self.orderedUpdates, pending)
}

func (self *updateQueue) Pop() any {
	n := len(self.orderedUpdates)
	pending := self.orderedUpdates[n-1]
	self.orderedUpdates = self.orderedUpdates[:n-1]
	return pending
}

func (self *updateQueue) Len() int {
	return len(self.orderedUpdates)
}

func (self *updateQueue) Less(i int, j int) bool {
	a := self.orderedUpdates[i]
	b := self.orderedUpdates[j]
	if c := a.update.Origin.Cmp(b.update.Origin); c != 0 {
		return c < 0
	}
	return a.update.ClockStart < b.update.ClockStart
}

func (self *updateQueue) Swap(i int, j int) {
	a := self.orderedUpdates[i]
	b := self.orderedUpdates[j]
	self.orderedUpdates[i] = b
	self.orderedUpdates[j] = a
	a.heapIndex = j
	b.heapIndex = i
}
