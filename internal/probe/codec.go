package probe

import (
	"fmt"
	"strconv"
	"time"

	core "LBTrafficGuard/internal/core/model"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// TimestampHeader carries the capture time of a raw frame, in unix nanoseconds.
const TimestampHeader = "Lbg-Captured-At"

// PacketMsg wraps a raw frame in a NATS message. The frame is the payload,
// unmodified.
func PacketMsg(subject string, p core.RawPacket) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(TimestampHeader, strconv.FormatInt(p.Timestamp.UnixNano(), 10))
	msg.Data = p.Data
	return msg
}

// DecodePacket is the inverse of PacketMsg.
func DecodePacket(msg *nats.Msg) (core.RawPacket, error) {
	v := msg.Header.Get(TimestampHeader)
	if v == "" {
		return core.RawPacket{}, fmt.Errorf("missing %s header", TimestampHeader)
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return core.RawPacket{}, fmt.Errorf("invalid %s header: %w", TimestampHeader, err)
	}
	return core.RawPacket{Timestamp: time.Unix(0, ns), Data: msg.Data}, nil
}

// EncodeEvent serializes an event as a protobuf Struct so consumers need no
// generated code.
func EncodeEvent(ev core.AttackEvent) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"type":        string(ev.Type),
		"source":      ev.Source,
		"destination": ev.Destination,
		"value":       ev.Value,
		"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"detail":      ev.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build event struct: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (core.AttackEvent, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return core.AttackEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	f := s.GetFields()
	ev := core.AttackEvent{
		Type:        core.EventType(f["type"].GetStringValue()),
		Source:      f["source"].GetStringValue(),
		Destination: f["destination"].GetStringValue(),
		Value:       f["value"].GetNumberValue(),
		Detail:      f["detail"].GetStringValue(),
	}
	if ev.Type == "" {
		return core.AttackEvent{}, fmt.Errorf("event has no type")
	}
	ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
	if err != nil {
		return core.AttackEvent{}, fmt.Errorf("invalid event timestamp: %w", err)
	}
	ev.Timestamp = ts
	return ev, nil
}
