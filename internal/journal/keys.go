package journal

import (
	"encoding/binary"

	"github.com/rzbill/intelbridge/internal/message"
)

// Keyspace, byte-wise sortable:
//   j/{class}/m             last sequence
//   j/{class}/e/{seq_be8}   entries

var (
	rootPrefix = []byte("j/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func keyMeta(class message.TopicClass) []byte {
	k := make([]byte, 0, len(rootPrefix)+len(class)+len(metaSuffix))
	k = append(k, rootPrefix...)
	k = append(k, class...)
	return append(k, metaSuffix...)
}

func keyEntry(class message.TopicClass, seq uint64) []byte {
	k := make([]byte, 0, len(rootPrefix)+len(class)+len(entrySeg)+8)
	k = append(k, rootPrefix...)
	k = append(k, class...)
	k = append(k, entrySeg...)
	return binary.BigEndian.AppendUint64(k, seq)
}

// entryBounds returns [lo, hi) covering every entry of class.
func entryBounds(class message.TopicClass) (lo, hi []byte) {
	lo = keyEntry(class, 0)
	hi = append(keyEntry(class, ^uint64(0)), 0x00)
	return lo, hi
}

func seqFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}
