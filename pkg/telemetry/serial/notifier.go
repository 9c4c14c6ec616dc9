package serial

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/robotalks/icnn/pkg/telemetry"
)

// CodeEvent is set in the code of event packets; the low bits carry the
// event kind.
const CodeEvent byte = 0x80

// Notifier writes one packet per event to a serial link.
type Notifier struct {
	W io.Writer

	lock sync.Mutex
	seq  PacketSeq
}

// Notify implements telemetry.Notifier.
func (n *Notifier) Notify(e telemetry.Event) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.seq = n.seq.Next()
	_, err := EventPacket(n.seq, e).WriteTo(n.W)
	return err
}

// EventPacket encodes run counter, sample and layer index.
func EventPacket(seq PacketSeq, e telemetry.Event) *Packet {
	data := make([]byte, 6)
	binary.LittleEndian.PutUint16(data[0:], uint16(e.RunCounter))
	binary.LittleEndian.PutUint16(data[2:], uint16(e.SampleIdx))
	binary.LittleEndian.PutUint16(data[4:], uint16(e.LayerIdx))
	return &Packet{Seq: seq, Code: CodeEvent | byte(e.Kind), Data: data}
}

// DecodeEvent is the reverse of EventPacket. Time is not transferred.
func DecodeEvent(p *Packet) (telemetry.Event, bool) {
	if p.Code&CodeEvent == 0 || len(p.Data) != 6 {
		return telemetry.Event{}, false
	}
	return telemetry.Event{
		Kind:       telemetry.Kind(p.Code &^ CodeEvent),
		RunCounter: int(binary.LittleEndian.Uint16(p.Data[0:])),
		SampleIdx:  int(binary.LittleEndian.Uint16(p.Data[2:])),
		LayerIdx:   int(binary.LittleEndian.Uint16(p.Data[4:])),
	}, true
}
