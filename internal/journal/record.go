package journal

import (
	"encoding/binary"
	"hash/crc32"
	"time"
)

// Record layout: varint headerLen | header | payload | crc32c(header|payload).
// The header is the 8-byte big-endian unix-ms time the entry was recorded.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(at time.Time, payload []byte) []byte {
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(at.UnixMilli()))

	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header[:]...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, header[:])
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

// decodeRecord returns the record time and a copy of its payload. ok is false
// for truncated or corrupt values.
func decodeRecord(b []byte) (at time.Time, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return time.Time{}, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || hlen != 8 || n+int(hlen)+4 > len(b) {
		return time.Time{}, nil, false
	}
	header := b[n : n+8]
	body := b[n+8 : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, body)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return time.Time{}, nil, false
	}
	ms := int64(binary.BigEndian.Uint64(header))
	return time.UnixMilli(ms), append([]byte(nil), body...), true
}
