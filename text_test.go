package coedit

import (
	"errors"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLocalEditing(t *testing.T) {
	text := NewReplicatedText(NewId())

	update, err := text.LocalInsert(0, "Hello")
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, len(update.Ops))
	assert.Equal(t, uint64(1), update.ClockStart)
	assert.Equal(t, uint64(5), update.ClockEnd())
	assert.Equal(t, "Hello", text.VisibleString())

	update, err = text.LocalInsert(5, ", world")
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(6), update.ClockStart)
	assert.Equal(t, "Hello, world", text.VisibleString())

	update, err = text.LocalDelete(5, 2)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(update.Ops))
	assert.Equal(t, "Helloworld", text.VisibleString())
	// tombstones are retained
	assert.Equal(t, 12, text.TotalItems())
	assert.Equal(t, 10, text.VisibleLength())

	// inserting at a former tombstone position works on visible positions
	_, err = text.LocalInsert(5, " ")
	assert.Equal(t, nil, err)
	assert.Equal(t, "Hello world", text.VisibleString())
}

func TestLocalEditingBounds(t *testing.T) {
	text := NewReplicatedText(NewId())
	_, err := text.LocalInsert(0, "abc")
	assert.Equal(t, nil, err)

	_, err = text.LocalInsert(4, "x")
	assert.Equal(t, true, errors.Is(err, ErrInvalidPosition))
	_, err = text.LocalInsert(-1, "x")
	assert.Equal(t, true, errors.Is(err, ErrInvalidPosition))

	_, err = text.LocalDelete(2, 2)
	assert.Equal(t, true, errors.Is(err, ErrInvalidRange))
	_, err = text.LocalDelete(-1, 1)
	assert.Equal(t, true, errors.Is(err, ErrInvalidRange))

	// failed calls leave the state untouched
	assert.Equal(t, "abc", text.VisibleString())

	// zero-length edits are no-ops
	update, err := text.LocalInsert(0, "")
	assert.Equal(t, nil, err)
	assert.Equal(t, update, nil)
	update, err = text.LocalDelete(0, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, update, nil)
}

// replica A inserts, replica B starts empty and receives the record
func TestRemoteInsert(t *testing.T) {
	a := NewReplicatedText(NewId())
	b := NewReplicatedText(NewId())

	update, err := a.LocalInsert(0, "Hello")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, b.ApplyRemote(update))
	assert.Equal(t, "Hello", b.VisibleString())
}

// concurrent inserts at the same position converge to the same
// deterministic interleaving on both replicas
func TestConcurrentInsertSamePosition(t *testing.T) {
	a := NewReplicatedText(NewId())
	b := NewReplicatedText(NewId())

	updateA, err := a.LocalInsert(0, "AB")
	assert.Equal(t, nil, err)
	updateB, err := b.LocalInsert(0, "CD")
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, a.ApplyRemote(updateB))
	assert.Equal(t, nil, b.ApplyRemote(updateA))

	assert.Equal(t, a.VisibleString(), b.VisibleString())
	assert.Equal(t, 4, a.VisibleLength())
	// equal counters, so the greater replica id comes first
	if 0 < a.ReplicaId().Cmp(b.ReplicaId()) {
		assert.Equal(t, "ABCD", a.VisibleString())
	} else {
		assert.Equal(t, "CDAB", a.VisibleString())
	}
}

// concurrent delete and insert around the same position: the tombstone
// persists regardless of the concurrent insert
func TestConcurrentDeleteInsert(t *testing.T) {
	a := NewReplicatedText(NewId())
	b := NewReplicatedText(NewId())

	seed, err := a.LocalInsert(0, "Hello")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, b.ApplyRemote(seed))

	deleteUpdate, err := a.LocalDelete(0, 1)
	assert.Equal(t, nil, err)
	assert.Equal(t, "ello", a.VisibleString())

	insertUpdate, err := b.LocalInsert(0, "X")
	assert.Equal(t, nil, err)
	assert.Equal(t, "XHello", b.VisibleString())

	assert.Equal(t, nil, a.ApplyRemote(insertUpdate))
	assert.Equal(t, nil, b.ApplyRemote(deleteUpdate))

	assert.Equal(t, "Xello", a.VisibleString())
	assert.Equal(t, "Xello", b.VisibleString())
}

func TestIdempotence(t *testing.T) {
	a := NewReplicatedText(NewId())
	b := NewReplicatedText(NewId())

	insertUpdate, err := a.LocalInsert(0, "abc")
	assert.Equal(t, nil, err)
	deleteUpdate, err := a.LocalDelete(1, 1)
	assert.Equal(t, nil, err)

	for i := 0; i < 3; i += 1 {
		assert.Equal(t, nil, b.ApplyRemote(insertUpdate))
		assert.Equal(t, nil, b.ApplyRemote(deleteUpdate))
	}
	assert.Equal(t, "ac", b.VisibleString())
	assert.Equal(t, 3, b.TotalItems())
	assert.Equal(t, b.State().Get(a.ReplicaId()), uint64(4))
}

// updates delivered with a counter gap are parked and integrate once the
// gap fills
func TestOutOfOrderDelivery(t *testing.T) {
	a := NewReplicatedText(NewId())
	b := NewReplicatedText(NewId())

	first, err := a.LocalInsert(0, "ab")
	assert.Equal(t, nil, err)
	second, err := a.LocalInsert(2, "cd")
	assert.Equal(t, nil, err)
	third, err := a.LocalDelete(0, 1)
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, b.ApplyRemote(third))
	assert.Equal(t, nil, b.ApplyRemote(second))
	assert.Equal(t, "", b.VisibleString())
	parked, _ := b.PendingSize()
	assert.Equal(t, 2, parked)

	assert.Equal(t, nil, b.ApplyRemote(first))
	assert.Equal(t, "bcd", b.VisibleString())
	parked, _ = b.PendingSize()
	assert.Equal(t, 0, parked)
}

// applying the same set of update records in any permutation, with
// duplicates, yields the same final state on every replica
func TestOrderIndependence(t *testing.T) {
	n := 4
	replicas := make([]*ReplicatedText, n)
	for i := 0; i < n; i += 1 {
		replicas[i] = NewReplicatedText(NewId())
	}

	// each replica makes a few edits in isolation
	updates := []*UpdateRecord{}
	for i, text := range replicas {
		update, err := text.LocalInsert(0, string(rune('a'+i))+string(rune('A'+i)))
		assert.Equal(t, nil, err)
		updates = append(updates, update)
		update, err = text.LocalDelete(1, 1)
		assert.Equal(t, nil, err)
		updates = append(updates, update)
		update, err = text.LocalInsert(1, string(rune('0'+i)))
		assert.Equal(t, nil, err)
		updates = append(updates, update)
	}

	// exchange everything in a different random order per replica, with
	// duplicated delivery
	for _, text := range replicas {
		delivery := append([]*UpdateRecord{}, updates...)
		delivery = append(delivery, updates...)
		mathrand.Shuffle(len(delivery), func(i, j int) {
			delivery[i], delivery[j] = delivery[j], delivery[i]
		})
		for _, update := range delivery {
			assert.Equal(t, nil, text.ApplyRemote(update))
		}
	}

	visible := replicas[0].VisibleString()
	assert.Equal(t, 2*n, len(visible))
	for _, text := range replicas {
		assert.Equal(t, visible, text.VisibleString())
		parked, _ := text.PendingSize()
		assert.Equal(t, 0, parked)
	}
}

// a long interleaved editing run across replicas stays convergent
func TestConvergenceRandomized(t *testing.T) {
	n := 3
	rounds := 40
	random := mathrand.New(mathrand.NewSource(1))

	replicas := make([]*ReplicatedText, n)
	for i := 0; i < n; i += 1 {
		replicas[i] = NewReplicatedText(NewId())
	}

	updates := []*UpdateRecord{}
	for round := 0; round < rounds; round += 1 {
		text := replicas[random.Intn(n)]
		visibleLength := text.VisibleLength()
		if visibleLength == 0 || random.Intn(3) < 2 {
			update, err := text.LocalInsert(random.Intn(visibleLength+1), string(rune('a'+random.Intn(26))))
			assert.Equal(t, nil, err)
			updates = append(updates, update)
		} else {
			update, err := text.LocalDelete(random.Intn(visibleLength), 1)
			assert.Equal(t, nil, err)
			updates = append(updates, update)
		}
		// occasionally propagate a random prefix of the history
		if round%5 == 0 {
			text := replicas[random.Intn(n)]
			for _, update := range updates[:random.Intn(len(updates)+1)] {
				assert.Equal(t, nil, text.ApplyRemote(update))
			}
		}
	}

	for _, text := range replicas {
		delivery := append([]*UpdateRecord{}, updates...)
		random.Shuffle(len(delivery), func(i, j int) {
			delivery[i], delivery[j] = delivery[j], delivery[i]
		})
		for _, update := range delivery {
			assert.Equal(t, nil, text.ApplyRemote(update))
		}
	}

	visible := replicas[0].VisibleString()
	for _, text := range replicas {
		assert.Equal(t, visible, text.VisibleString())
	}
}

// siblings that share a left origin but anchor on different right origins
// order identically on every replica
func TestConcurrentInsertDifferentRightOrigins(t *testing.T) {
	a := NewReplicatedText(NewId())
	b := NewReplicatedText(NewId())
	c := NewReplicatedText(NewId())

	updateX, err := a.LocalInsert(0, "X")
	assert.Equal(t, nil, err)
	updateY, err := b.LocalInsert(0, "Y")
	assert.Equal(t, nil, err)
	// c saw X before inserting, so Z anchors on X to the right while Y
	// anchors on the document end
	assert.Equal(t, nil, c.ApplyRemote(updateX))
	updateZ, err := c.LocalInsert(0, "Z")
	assert.Equal(t, nil, err)

	updates := []*UpdateRecord{updateX, updateY, updateZ}
	orders := [][]int{
		{0, 1, 2},
		{0, 2, 1},
		{1, 0, 2},
		{1, 2, 0},
		{2, 0, 1},
		{2, 1, 0},
	}
	visible := ""
	for i, order := range orders {
		text := NewReplicatedText(NewId())
		for _, j := range order {
			assert.Equal(t, nil, text.ApplyRemote(updates[j]))
		}
		parked, _ := text.PendingSize()
		assert.Equal(t, 0, parked)
		if i == 0 {
			visible = text.VisibleString()
			assert.Equal(t, 3, len(visible))
		} else {
			assert.Equal(t, visible, text.VisibleString())
		}
	}
}

// a replica that has seen only part of the history anchors its edits on
// what it knows; every replica still converges once everything is exchanged
func TestConvergencePartialVisibility(t *testing.T) {
	r0 := NewReplicatedText(NewId())
	r1 := NewReplicatedText(NewId())
	r2 := NewReplicatedText(NewId())

	updates := []*UpdateRecord{}
	collect := func(update *UpdateRecord, err error) {
		assert.Equal(t, nil, err)
		updates = append(updates, update)
	}

	collect(r2.LocalInsert(0, "u"))
	collect(r2.LocalInsert(0, "p"))
	collect(r1.LocalInsert(0, "h"))
	collect(r1.LocalInsert(0, "g"))
	// r0 sees only r2's edits before making its own
	assert.Equal(t, nil, r0.ApplyRemote(updates[0]))
	assert.Equal(t, nil, r0.ApplyRemote(updates[1]))
	collect(r0.LocalInsert(0, "d"))
	collect(r0.LocalDelete(1, 1))

	replicas := []*ReplicatedText{r0, r1, r2}
	for _, text := range replicas {
		delivery := append([]*UpdateRecord{}, updates...)
		delivery = append(delivery, updates...)
		mathrand.Shuffle(len(delivery), func(i, j int) {
			delivery[i], delivery[j] = delivery[j], delivery[i]
		})
		for _, update := range delivery {
			assert.Equal(t, nil, text.ApplyRemote(update))
		}
	}

	visible := r0.VisibleString()
	assert.Equal(t, 4, len(visible))
	for _, text := range replicas {
		assert.Equal(t, visible, text.VisibleString())
		parked, _ := text.PendingSize()
		assert.Equal(t, 0, parked)
	}
}

// heavier convergence run: many seeds, and mid-run gossip of random history
// subsets so replicas edit on top of interleaved partial views
func TestConvergenceGossipStress(t *testing.T) {
	n := 4
	rounds := 120
	for seed := int64(0); seed < 10; seed += 1 {
		random := mathrand.New(mathrand.NewSource(seed))

		replicas := make([]*ReplicatedText, n)
		for i := 0; i < n; i += 1 {
			replicas[i] = NewReplicatedText(NewId())
		}

		updates := []*UpdateRecord{}
		for round := 0; round < rounds; round += 1 {
			text := replicas[random.Intn(n)]
			visibleLength := text.VisibleLength()
			if visibleLength == 0 || random.Intn(3) < 2 {
				update, err := text.LocalInsert(random.Intn(visibleLength+1), string(rune('a'+random.Intn(26))))
				assert.Equal(t, nil, err)
				updates = append(updates, update)
			} else {
				update, err := text.LocalDelete(random.Intn(visibleLength), 1)
				assert.Equal(t, nil, err)
				updates = append(updates, update)
			}
			if round%4 == 0 {
				text := replicas[random.Intn(n)]
				subset := append([]*UpdateRecord{}, updates...)
				random.Shuffle(len(subset), func(i, j int) {
					subset[i], subset[j] = subset[j], subset[i]
				})
				for _, update := range subset[:random.Intn(len(subset)+1)] {
					assert.Equal(t, nil, text.ApplyRemote(update))
				}
			}
		}

		for _, text := range replicas {
			delivery := append([]*UpdateRecord{}, updates...)
			random.Shuffle(len(delivery), func(i, j int) {
				delivery[i], delivery[j] = delivery[j], delivery[i]
			})
			for _, update := range delivery {
				assert.Equal(t, nil, text.ApplyRemote(update))
			}
		}

		visible := replicas[0].VisibleString()
		for _, text := range replicas {
			assert.Equal(t, visible, text.VisibleString())
			parked, _ := text.PendingSize()
			assert.Equal(t, 0, parked)
		}
	}
}

func TestCorruptUpdate(t *testing.T) {
	a := NewReplicatedText(NewId())
	seed, err := a.LocalInsert(0, "ab")
	assert.Equal(t, nil, err)

	b := NewReplicatedText(NewId())
	assert.Equal(t, nil, b.ApplyRemote(seed))

	// zero origin
	err = b.ApplyRemote(&UpdateRecord{
		ClockStart: 1,
		Ops:        []UpdateOp{{Type: OpTypeInsert, Content: "x"}},
	})
	assert.Equal(t, true, errors.Is(err, ErrCorruptUpdate))

	// zero clock start
	err = b.ApplyRemote(&UpdateRecord{
		Origin: NewId(),
		Ops:    []UpdateOp{{Type: OpTypeInsert, Content: "x"}},
	})
	assert.Equal(t, true, errors.Is(err, ErrCorruptUpdate))

	// insert without content
	err = b.ApplyRemote(&UpdateRecord{
		Origin:     NewId(),
		ClockStart: 1,
		Ops:        []UpdateOp{{Type: OpTypeInsert}},
	})
	assert.Equal(t, true, errors.Is(err, ErrCorruptUpdate))

	// delete without target
	err = b.ApplyRemote(&UpdateRecord{
		Origin:     NewId(),
		ClockStart: 1,
		Ops:        []UpdateOp{{Type: OpTypeDelete}},
	})
	assert.Equal(t, true, errors.Is(err, ErrCorruptUpdate))

	// forward origin reference into the record's own future
	origin := NewId()
	err = b.ApplyRemote(&UpdateRecord{
		Origin:     origin,
		ClockStart: 1,
		Ops: []UpdateOp{
			{Type: OpTypeInsert, Content: "x", OriginLeft: ItemId{Replica: origin, Counter: 2}},
			{Type: OpTypeInsert, Content: "y"},
		},
	})
	assert.Equal(t, true, errors.Is(err, ErrCorruptUpdate))

	// dangling reference: counter 3 of a is a delete op, so no item can
	// ever carry that id
	deleteUpdate, err := a.LocalDelete(0, 1)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, b.ApplyRemote(deleteUpdate))
	err = b.ApplyRemote(&UpdateRecord{
		Origin:     NewId(),
		ClockStart: 1,
		Ops:        []UpdateOp{{Type: OpTypeDelete, Target: ItemId{Replica: a.ReplicaId(), Counter: 3}}},
	})
	assert.Equal(t, true, errors.Is(err, ErrCorruptUpdate))

	// nothing above touched the document
	assert.Equal(t, "b", b.VisibleString())
}

func TestUpdatesSince(t *testing.T) {
	a := NewReplicatedText(NewId())
	b := NewReplicatedText(NewId())

	updateA, err := a.LocalInsert(0, "abc")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, b.ApplyRemote(updateA))
	_, err = b.LocalInsert(3, "de")
	assert.Equal(t, nil, err)

	// a new replica lacks everything
	missing := b.UpdatesSince(NewStateVector())
	assert.Equal(t, 2, len(missing))

	// a only lacks b's ops
	missing = b.UpdatesSince(a.State())
	assert.Equal(t, 1, len(missing))
	assert.Equal(t, b.ReplicaId(), missing[0].Origin)
	assert.Equal(t, 2, len(missing[0].Ops))

	for _, update := range missing {
		assert.Equal(t, nil, a.ApplyRemote(update))
	}
	assert.Equal(t, "abcde", a.VisibleString())
	assert.Equal(t, 0, len(b.UpdatesSince(a.State())))
}

func TestUpdatesForRange(t *testing.T) {
	a := NewReplicatedText(NewId())
	_, err := a.LocalInsert(0, "abcde")
	assert.Equal(t, nil, err)

	update := a.UpdatesForRange(a.ReplicaId(), ClockRange{Start: 2, End: 4})
	assert.Equal(t, uint64(2), update.ClockStart)
	assert.Equal(t, 3, len(update.Ops))

	// clipped to what is integrated
	update = a.UpdatesForRange(a.ReplicaId(), ClockRange{Start: 4, End: 100})
	assert.Equal(t, uint64(4), update.ClockStart)
	assert.Equal(t, 2, len(update.Ops))

	// nothing available
	assert.Equal(t, a.UpdatesForRange(NewId(), ClockRange{Start: 1, End: 5}), nil)
}
