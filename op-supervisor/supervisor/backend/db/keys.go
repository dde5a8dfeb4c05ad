package db

import (
	"encoding/binary"

	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// Key-prefix scheme for the single pebble.DB backing one chain's ChainDB.
// Each logical table from SPEC_FULL.md §4.1 gets its own byte prefix so a
// single embedded store can provide every table while still supporting
// ordered range cursors per table (iterate with the prefix as bound).
const (
	prefixBlockRef      = byte(0x01) // BlockRefs[number] = BlockInfo
	prefixLogEntry      = byte(0x02) // LogEntries[(number, logIndex)] = Log
	prefixDerivedBlock  = byte(0x03) // DerivedBlocks[derivedNumber] = pair
	prefixTraversal     = byte(0x04) // BlockTraversal[sourceNumber] = traversal
	prefixSafetyHead    = byte(0x05) // SafetyHeads[level] = BlockInfo
	prefixActivation    = byte(0x06) // singleton activation pair marker
)

func be64(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func decodeBE64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func keyBlockRef(n uint64) []byte {
	return append([]byte{prefixBlockRef}, be64(n)...)
}

// keyLogEntryPrefix returns the key prefix for all logs at block n, used
// both to build exact keys and as an iteration bound.
func keyLogEntryPrefix(n uint64) []byte {
	return append([]byte{prefixLogEntry}, be64(n)...)
}

func keyLogEntry(n uint64, logIdx uint32) []byte {
	k := keyLogEntryPrefix(n)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], logIdx)
	return append(k, idx[:]...)
}

func keyDerivedBlock(derivedNumber uint64) []byte {
	return append([]byte{prefixDerivedBlock}, be64(derivedNumber)...)
}

func keyTraversal(sourceNumber uint64) []byte {
	return append([]byte{prefixTraversal}, be64(sourceNumber)...)
}

func keySafetyHead(level types.SafetyLevel) []byte {
	return []byte{prefixSafetyHead, byte(level)}
}

func keyActivation() []byte {
	return []byte{prefixActivation}
}

// upperBound returns the smallest key strictly greater than every key with
// the given prefix, for use as a pebble iterator upper bound.
func upperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // prefix is all 0xff, no upper bound needed
}
