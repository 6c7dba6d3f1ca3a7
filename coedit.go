package coedit

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slices"
)

// Errors surfaced by this package. Local API misuse (`ErrInvalidPosition`,
// `ErrInvalidRange`) is returned synchronously and leaves state untouched.
// Malformed inbound data (`ErrCorruptUpdate`, `ErrCorruptPayload`) rejects
// the record without partial application. No error here is fatal to the
// process.
var (
	ErrInvalidPosition = errors.New("position out of range")
	ErrInvalidRange    = errors.New("range out of bounds")
	ErrCorruptUpdate   = errors.New("corrupt update record")
	ErrCorruptPayload  = errors.New("corrupt payload")
	ErrClosed          = errors.New("closed")
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

// Cmp orders ids by their raw bytes. ulids from the same source are ordered
// by create time, which makes this a stable total order across replicas.
func (self Id) Cmp(other Id) int {
	return bytes.Compare(self[0:16], other[0:16])
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
// ItemId identifies one character item: the replica that created it and the
// replica-local counter assigned at creation. The zero ItemId is a sentinel
// meaning "no item" (document start or end when used as an origin).
type ItemId struct {
	Replica Id
	Counter uint64
}

func (self ItemId) IsZero() bool {
	return self == ItemId{}
}

func (self ItemId) String() string {
	if self.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s:%d", self.Replica, self.Counter)
}

// ChangedRange is the visible span touched by a merge, passed to text change
// callbacks so the UI can re-render incrementally. Start and End are visible
// rune positions after the change, End exclusive.
type ChangedRange struct {
	Start int
	End   int
}

type TextChangeFunction func(visible string, changed ChangedRange)
type CursorUpdateFunction func(participantId Id, position int)
type AwarenessChangeFunction func(participantId Id, fields map[string]string)
type DisconnectFunction func(err error)

// makes a copy of the list on update
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextIndex int
	indexes   []int
	callbacks []T
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// returns a function to remove the callback
func (self *callbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	index := self.nextIndex
	self.nextIndex += 1
	self.indexes = append(slices.Clone(self.indexes), index)
	self.callbacks = append(slices.Clone(self.callbacks), callback)
	return func() {
		self.remove(index)
	}
}

func (self *callbackList[T]) remove(index int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.indexes, index)
	if i < 0 {
		// not present
		return
	}
	self.indexes = slices.Delete(slices.Clone(self.indexes), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}
