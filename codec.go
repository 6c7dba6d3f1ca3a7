package coedit

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout: one version byte, one message type byte, then protowire
// fields. The layout is stable and versioned; decode of anything that does
// not match fails ErrCorruptPayload and never panics.

const codecVersion = byte(1)

type MessageType byte

const (
	MessageTypeUpdate      MessageType = 1
	MessageTypeStateVector MessageType = 2
	MessageTypeSyncRequest MessageType = 3
	MessageTypeAwareness   MessageType = 4
	MessageTypeLeave       MessageType = 5
)

// Message is a decoded inbound message. Exactly one payload field is set,
// matching Type.
type Message struct {
	Type MessageType

	// MessageTypeUpdate
	Update *UpdateRecord

	// MessageTypeStateVector, MessageTypeSyncRequest
	Sender Id
	// MessageTypeStateVector
	Vector *StateVector
	// MessageTypeSyncRequest
	Ranges []ReplicaClockRange

	// MessageTypeAwareness
	Awareness *AwarenessEntry

	// MessageTypeLeave
	Participant Id
}

func corrupt(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptPayload, fmt.Sprintf(format, a...))
}

func appendItemId(b []byte, field protowire.Number, id ItemId) []byte {
	if id.IsZero() {
		return b
	}
	var m []byte
	m = protowire.AppendTag(m, 1, protowire.BytesType)
	m = protowire.AppendBytes(m, id.Replica.Bytes())
	m = protowire.AppendTag(m, 2, protowire.VarintType)
	m = protowire.AppendVarint(m, id.Counter)
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, m)
	return b
}

func consumeItemId(m []byte) (ItemId, error) {
	id := ItemId{}
	for 0 < len(m) {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return ItemId{}, corrupt("item id tag")
		}
		m = m[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			replicaBytes, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return ItemId{}, corrupt("item id replica")
			}
			m = m[n:]
			replicaId, err := IdFromBytes(replicaBytes)
			if err != nil {
				return ItemId{}, corrupt("item id replica: %v", err)
			}
			id.Replica = replicaId
		case num == 2 && typ == protowire.VarintType:
			counter, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return ItemId{}, corrupt("item id counter")
			}
			m = m[n:]
			id.Counter = counter
		default:
			return ItemId{}, corrupt("item id field %d", num)
		}
	}
	if (id.Replica == Id{}) || id.Counter == 0 {
		return ItemId{}, corrupt("incomplete item id")
	}
	return id, nil
}

func EncodeUpdate(update *UpdateRecord) []byte {
	b := []byte{codecVersion, byte(MessageTypeUpdate)}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, update.Origin.Bytes())
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, update.ClockStart)
	for _, op := range update.Ops {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(op.Type))
		if op.Type == OpTypeInsert {
			m = protowire.AppendTag(m, 2, protowire.BytesType)
			m = protowire.AppendBytes(m, []byte(op.Content))
			m = appendItemId(m, 3, op.OriginLeft)
			m = appendItemId(m, 4, op.OriginRight)
		} else {
			m = appendItemId(m, 5, op.Target)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func consumeUpdateOp(m []byte) (UpdateOp, error) {
	op := UpdateOp{}
	for 0 < len(m) {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return op, corrupt("op tag")
		}
		m = m[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			opType, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return op, corrupt("op type")
			}
			m = m[n:]
			op.Type = OpType(opType)
		case num == 2 && typ == protowire.BytesType:
			content, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return op, corrupt("op content")
			}
			m = m[n:]
			op.Content = string(content)
		case (num == 3 || num == 4 || num == 5) && typ == protowire.BytesType:
			idBytes, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return op, corrupt("op item id")
			}
			m = m[n:]
			id, err := consumeItemId(idBytes)
			if err != nil {
				return op, err
			}
			switch num {
			case 3:
				op.OriginLeft = id
			case 4:
				op.OriginRight = id
			case 5:
				op.Target = id
			}
		default:
			return op, corrupt("op field %d", num)
		}
	}
	switch op.Type {
	case OpTypeInsert, OpTypeDelete:
	default:
		return op, corrupt("op type %d", op.Type)
	}
	return op, nil
}

func decodeUpdateBody(b []byte) (*UpdateRecord, error) {
	update := &UpdateRecord{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt("update tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			originBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("update origin")
			}
			b = b[n:]
			originId, err := IdFromBytes(originBytes)
			if err != nil {
				return nil, corrupt("update origin: %v", err)
			}
			update.Origin = originId
		case num == 2 && typ == protowire.VarintType:
			clockStart, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt("update clock start")
			}
			b = b[n:]
			update.ClockStart = clockStart
		case num == 3 && typ == protowire.BytesType:
			opBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("update op")
			}
			b = b[n:]
			op, err := consumeUpdateOp(opBytes)
			if err != nil {
				return nil, err
			}
			update.Ops = append(update.Ops, op)
		default:
			return nil, corrupt("update field %d", num)
		}
	}
	if (update.Origin == Id{}) || update.ClockStart == 0 || len(update.Ops) == 0 {
		return nil, corrupt("incomplete update")
	}
	return update, nil
}

func EncodeStateVector(senderId Id, vector *StateVector) []byte {
	b := []byte{codecVersion, byte(MessageTypeStateVector)}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, senderId.Bytes())
	for _, replicaId := range vector.Replicas() {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendBytes(m, replicaId.Bytes())
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, vector.Get(replicaId))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func decodeStateVectorBody(b []byte) (Id, *StateVector, error) {
	senderId := Id{}
	vector := NewStateVector()
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Id{}, nil, corrupt("state vector tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			senderBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Id{}, nil, corrupt("state vector sender")
			}
			b = b[n:]
			id, err := IdFromBytes(senderBytes)
			if err != nil {
				return Id{}, nil, corrupt("state vector sender: %v", err)
			}
			senderId = id
		case num == 2 && typ == protowire.BytesType:
			entryBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Id{}, nil, corrupt("state vector entry")
			}
			b = b[n:]
			entryId, clock, err := consumeClockEntry(entryBytes)
			if err != nil {
				return Id{}, nil, err
			}
			vector.Set(entryId, clock)
		default:
			return Id{}, nil, corrupt("state vector field %d", num)
		}
	}
	if (senderId == Id{}) {
		return Id{}, nil, corrupt("state vector without sender")
	}
	return senderId, vector, nil
}

func consumeClockEntry(m []byte) (Id, uint64, error) {
	entryId := Id{}
	clock := uint64(0)
	for 0 < len(m) {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return Id{}, 0, corrupt("clock entry tag")
		}
		m = m[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			idBytes, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return Id{}, 0, corrupt("clock entry replica")
			}
			m = m[n:]
			id, err := IdFromBytes(idBytes)
			if err != nil {
				return Id{}, 0, corrupt("clock entry replica: %v", err)
			}
			entryId = id
		case num == 2 && typ == protowire.VarintType:
			c, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return Id{}, 0, corrupt("clock entry clock")
			}
			m = m[n:]
			clock = c
		default:
			return Id{}, 0, corrupt("clock entry field %d", num)
		}
	}
	if (entryId == Id{}) {
		return Id{}, 0, corrupt("incomplete clock entry")
	}
	return entryId, clock, nil
}

func EncodeSyncRequest(senderId Id, ranges []ReplicaClockRange) []byte {
	b := []byte{codecVersion, byte(MessageTypeSyncRequest)}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, senderId.Bytes())
	for _, replicaRange := range ranges {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendBytes(m, replicaRange.Replica.Bytes())
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, replicaRange.Range.Start)
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, replicaRange.Range.End)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func decodeSyncRequestBody(b []byte) (Id, []ReplicaClockRange, error) {
	senderId := Id{}
	ranges := []ReplicaClockRange{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Id{}, nil, corrupt("sync request tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			senderBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Id{}, nil, corrupt("sync request sender")
			}
			b = b[n:]
			id, err := IdFromBytes(senderBytes)
			if err != nil {
				return Id{}, nil, corrupt("sync request sender: %v", err)
			}
			senderId = id
		case num == 2 && typ == protowire.BytesType:
			rangeBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Id{}, nil, corrupt("sync request range")
			}
			b = b[n:]
			replicaRange, err := consumeClockRange(rangeBytes)
			if err != nil {
				return Id{}, nil, err
			}
			ranges = append(ranges, replicaRange)
		default:
			return Id{}, nil, corrupt("sync request field %d", num)
		}
	}
	if (senderId == Id{}) {
		return Id{}, nil, corrupt("sync request without sender")
	}
	return senderId, ranges, nil
}

func consumeClockRange(m []byte) (ReplicaClockRange, error) {
	replicaRange := ReplicaClockRange{}
	for 0 < len(m) {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return replicaRange, corrupt("clock range tag")
		}
		m = m[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			idBytes, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return replicaRange, corrupt("clock range replica")
			}
			m = m[n:]
			id, err := IdFromBytes(idBytes)
			if err != nil {
				return replicaRange, corrupt("clock range replica: %v", err)
			}
			replicaRange.Replica = id
		case num == 2 && typ == protowire.VarintType:
			start, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return replicaRange, corrupt("clock range start")
			}
			m = m[n:]
			replicaRange.Range.Start = start
		case num == 3 && typ == protowire.VarintType:
			end, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return replicaRange, corrupt("clock range end")
			}
			m = m[n:]
			replicaRange.Range.End = end
		default:
			return replicaRange, corrupt("clock range field %d", num)
		}
	}
	if (replicaRange.Replica == Id{}) || replicaRange.Range.Start == 0 || replicaRange.Range.End < replicaRange.Range.Start {
		return replicaRange, corrupt("incomplete clock range")
	}
	return replicaRange, nil
}

func EncodeAwareness(entry *AwarenessEntry) []byte {
	b := []byte{codecVersion, byte(MessageTypeAwareness)}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, entry.Participant.Bytes())
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, entry.Clock)
	keys := maps.Keys(entry.Fields)
	slices.Sort(keys)
	for _, key := range keys {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendBytes(m, []byte(key))
		m = protowire.AppendTag(m, 2, protowire.BytesType)
		m = protowire.AppendBytes(m, []byte(entry.Fields[key]))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func decodeAwarenessBody(b []byte) (*AwarenessEntry, error) {
	entry := &AwarenessEntry{
		Fields: map[string]string{},
	}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt("awareness tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			participantBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("awareness participant")
			}
			b = b[n:]
			id, err := IdFromBytes(participantBytes)
			if err != nil {
				return nil, corrupt("awareness participant: %v", err)
			}
			entry.Participant = id
		case num == 2 && typ == protowire.VarintType:
			clock, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt("awareness clock")
			}
			b = b[n:]
			entry.Clock = clock
		case num == 3 && typ == protowire.BytesType:
			fieldBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("awareness field")
			}
			b = b[n:]
			key, value, err := consumeAwarenessField(fieldBytes)
			if err != nil {
				return nil, err
			}
			entry.Fields[key] = value
		default:
			return nil, corrupt("awareness field %d", num)
		}
	}
	if (entry.Participant == Id{}) {
		return nil, corrupt("awareness without participant")
	}
	return entry, nil
}

func consumeAwarenessField(m []byte) (string, string, error) {
	key := ""
	value := ""
	haveKey := false
	for 0 < len(m) {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return "", "", corrupt("awareness field tag")
		}
		m = m[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			keyBytes, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return "", "", corrupt("awareness field key")
			}
			m = m[n:]
			key = string(keyBytes)
			haveKey = true
		case num == 2 && typ == protowire.BytesType:
			valueBytes, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return "", "", corrupt("awareness field value")
			}
			m = m[n:]
			value = string(valueBytes)
		default:
			return "", "", corrupt("awareness field %d", num)
		}
	}
	if !haveKey || key == "" {
		return "", "", corrupt("awareness field without key")
	}
	return key, value, nil
}

func EncodeLeave(participantId Id) []byte {
	b := []byte{codecVersion, byte(MessageTypeLeave)}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, participantId.Bytes())
	return b
}

func decodeLeaveBody(b []byte) (Id, error) {
	participantId := Id{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Id{}, corrupt("leave tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			participantBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Id{}, corrupt("leave participant")
			}
			b = b[n:]
			id, err := IdFromBytes(participantBytes)
			if err != nil {
				return Id{}, corrupt("leave participant: %v", err)
			}
			participantId = id
		default:
			return Id{}, corrupt("leave field %d", num)
		}
	}
	if (participantId == Id{}) {
		return Id{}, corrupt("leave without participant")
	}
	return participantId, nil
}

// DecodeUpdate decodes a single update record message.
func DecodeUpdate(b []byte) (*UpdateRecord, error) {
	message, err := DecodeMessage(b)
	if err != nil {
		return nil, err
	}
	if message.Type != MessageTypeUpdate {
		return nil, corrupt("message type %d is not an update", message.Type)
	}
	return message.Update, nil
}

// DecodeMessage decodes any message produced by the Encode functions.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < 2 {
		return nil, corrupt("short message: %d bytes", len(b))
	}
	if b[0] != codecVersion {
		return nil, corrupt("version %d", b[0])
	}
	messageType := MessageType(b[1])
	body := b[2:]
	message := &Message{
		Type: messageType,
	}
	switch messageType {
	case MessageTypeUpdate:
		update, err := decodeUpdateBody(body)
		if err != nil {
			return nil, err
		}
		message.Update = update
	case MessageTypeStateVector:
		senderId, vector, err := decodeStateVectorBody(body)
		if err != nil {
			return nil, err
		}
		message.Sender = senderId
		message.Vector = vector
	case MessageTypeSyncRequest:
		senderId, ranges, err := decodeSyncRequestBody(body)
		if err != nil {
			return nil, err
		}
		message.Sender = senderId
		message.Ranges = ranges
	case MessageTypeAwareness:
		entry, err := decodeAwarenessBody(body)
		if err != nil {
			return nil, err
		}
		message.Awareness = entry
	case MessageTypeLeave:
		participantId, err := decodeLeaveBody(body)
		if err != nil {
			return nil, err
		}
		message.Participant = participantId
	default:
		return nil, corrupt("message type %d", messageType)
	}
	return message, nil
}
