// Package serial frames events for a byte-oriented UART link.
//
// A packet is a sequence byte, a code byte whose bits 6-4 carry the data
// length (7 meaning an explicit length byte follows), and the data.
package serial

import (
	"errors"
	"fmt"
	"io"
)

// ErrMalformedPacket indicates an invalid frame.
var ErrMalformedPacket = errors.New("malformed packet")

// PacketSeq is the sequence number of a packet.
type PacketSeq byte

// Next calculates the next sequence number.
func (s PacketSeq) Next() PacketSeq {
	n := byte(s) + 1
	if n == 0 || n >= 0xf0 {
		n = 1
	}
	return PacketSeq(n)
}

// IsValid checks if it's a valid sequence number.
func (s PacketSeq) IsValid() bool {
	n := byte(s)
	return n > 0 && n < 0xf0
}

// Packet is one frame.
type Packet struct {
	Seq  PacketSeq
	Code byte
	Data []byte
}

// MaxDataLen is the largest payload of a packet.
const MaxDataLen = 0x7f

// Bytes returns the encoded frame.
func (p *Packet) Bytes() []byte {
	b := make([]byte, len(p.Data)+3)
	b[0], b[1] = byte(p.Seq), p.Code&0x8f
	if l := byte(len(p.Data)); l >= 7 {
		b[1] |= 0x70
		b[2] = l
		copy(b[3:], p.Data)
	} else {
		b = b[:l+2]
		b[1] |= (l << 4) & 0x70
		copy(b[2:], p.Data)
	}
	return b
}

// WriteTo writes the encoded frame.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	if len(p.Data) > MaxDataLen {
		return 0, fmt.Errorf("%w: %d data bytes", ErrMalformedPacket, len(p.Data))
	}
	n, err := w.Write(p.Bytes())
	return int64(n), err
}

// ReadPacket decodes one frame.
func ReadPacket(r io.ByteReader) (*Packet, error) {
	seq, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if !PacketSeq(seq).IsValid() {
		return nil, fmt.Errorf("%w: sequence %#x", ErrMalformedPacket, seq)
	}
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	p := &Packet{Seq: PacketSeq(seq), Code: code & 0x8f}
	size := int(code>>4) & 7
	if size == 7 {
		l, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if l > MaxDataLen {
			return nil, fmt.Errorf("%w: length %d", ErrMalformedPacket, l)
		}
		size = int(l)
	}
	if size == 0 {
		return p, nil
	}
	p.Data = make([]byte, size)
	for n := range p.Data {
		if p.Data[n], err = r.ReadByte(); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return p, nil
}
