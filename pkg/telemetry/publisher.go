package telemetry

import (
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
)

// PacketWriter writes packets in bytes.
type PacketWriter interface {
	WritePacket([]byte) error
}

// Publisher encodes events as protobuf Struct messages and writes them
// to a PacketWriter.
type Publisher struct {
	W      PacketWriter
	Device string
}

// Notify implements Notifier.
func (p *Publisher) Notify(e Event) error {
	pkt, err := EncodeEvent(p.Device, e)
	if err != nil {
		return err
	}
	return p.W.WritePacket(pkt)
}

func stringValue(s string) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: s}}
}

func numberValue(n int) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: float64(n)}}
}

// EncodeEvent encodes an event of device.
func EncodeEvent(device string, e Event) ([]byte, error) {
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"device":      stringValue(device),
		"kind":        stringValue(e.Kind.String()),
		"run_counter": numberValue(e.RunCounter),
		"sample_idx":  numberValue(e.SampleIdx),
		"layer_idx":   numberValue(e.LayerIdx),
		"time":        stringValue(e.Time.UTC().Format(time.RFC3339Nano)),
	}}
	return proto.Marshal(msg)
}

// DecodeEvent decodes a packet produced by EncodeEvent.
func DecodeEvent(pkt []byte) (device string, e Event, err error) {
	var msg structpb.Struct
	if err = proto.Unmarshal(pkt, &msg); err != nil {
		return
	}
	str := func(key string) string {
		return msg.Fields[key].GetStringValue()
	}
	num := func(key string) int {
		return int(msg.Fields[key].GetNumberValue())
	}
	if e.Kind, err = ParseKind(str("kind")); err != nil {
		return
	}
	if e.Time, err = time.Parse(time.RFC3339Nano, str("time")); err != nil {
		return "", e, fmt.Errorf("event time: %w", err)
	}
	e.RunCounter, e.SampleIdx, e.LayerIdx = num("run_counter"), num("sample_idx"), num("layer_idx")
	return str("device"), e, nil
}
