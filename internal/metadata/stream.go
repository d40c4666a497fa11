package metadata

import (
	"encoding/binary"
	"time"
)

// StreamSize is the encoded size of a Stream header.
const StreamSize = 64

// Stream is the per-frame header carried by correlator and beamformer data.
type Stream struct {
	FPGASeq         uint64
	FPGASeqLength   uint64
	StreamID        uint64
	FirstPacketRecv time.Time
	GPSTime         time.Time
	LostSamples     uint32
	DatasetID       uint64
}

var byteOrder = binary.LittleEndian

// WriteStream encodes s into the first StreamSize bytes of b.
func WriteStream(b []byte, s *Stream) {
	_ = b[StreamSize-1]
	byteOrder.PutUint64(b[0:], s.FPGASeq)
	byteOrder.PutUint64(b[8:], s.FPGASeqLength)
	byteOrder.PutUint64(b[16:], s.StreamID)
	putTime(b[24:], s.FirstPacketRecv)
	putTime(b[36:], s.GPSTime)
	byteOrder.PutUint32(b[48:], s.LostSamples)
	byteOrder.PutUint64(b[52:], s.DatasetID)
	byteOrder.PutUint32(b[60:], 0)
}

// ReadStream decodes a header written by WriteStream.
func ReadStream(b []byte) Stream {
	_ = b[StreamSize-1]
	return Stream{
		FPGASeq:         byteOrder.Uint64(b[0:]),
		FPGASeqLength:   byteOrder.Uint64(b[8:]),
		StreamID:        byteOrder.Uint64(b[16:]),
		FirstPacketRecv: getTime(b[24:]),
		GPSTime:         getTime(b[36:]),
		LostSamples:     byteOrder.Uint32(b[48:]),
		DatasetID:       byteOrder.Uint64(b[52:]),
	}
}

// Seconds then nanoseconds, 12 bytes. The zero time encodes as all zeros.
func putTime(b []byte, t time.Time) {
	if t.IsZero() {
		byteOrder.PutUint64(b, 0)
		byteOrder.PutUint32(b[8:], 0)
		return
	}
	byteOrder.PutUint64(b, uint64(t.Unix()))
	byteOrder.PutUint32(b[8:], uint32(t.Nanosecond()))
}

func getTime(b []byte) time.Time {
	sec, nsec := byteOrder.Uint64(b), byteOrder.Uint32(b[8:])
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64(nsec))
}
