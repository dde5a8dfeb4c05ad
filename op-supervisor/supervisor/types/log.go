package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
)

// ExecutingMessage is a reference to a log on another chain that, by
// inclusion, the log carrying it executes. See GLOSSARY: initiating vs
// executing message.
type ExecutingMessage struct {
	Chain     eth.ChainID `json:"chainID"`
	BlockNum  uint64      `json:"blockNumber"`
	LogIdx    uint32      `json:"logIndex"`
	Timestamp uint64      `json:"timestamp"`
	Hash      common.Hash `json:"hash"`
}

func (m ExecutingMessage) String() string {
	return fmt.Sprintf("executing-msg(chain=%s, block=%d, logIdx=%d, ts=%d, hash=%s)",
		m.Chain, m.BlockNum, m.LogIdx, m.Timestamp, m.Hash)
}

// Log is one entry in a chain's per-block log index. If ExecutingMessage is
// non-nil, the log is itself an executing message reference (i.e. it was
// emitted by the CrossL2Inbox predeploy).
type Log struct {
	Index            uint32            `json:"index"`
	Hash             common.Hash       `json:"hash"`
	ExecutingMessage *ExecutingMessage `json:"executingMessage,omitempty"`
}

func (l Log) String() string {
	if l.ExecutingMessage != nil {
		return fmt.Sprintf("log(idx=%d, hash=%s, %s)", l.Index, l.Hash, l.ExecutingMessage)
	}
	return fmt.Sprintf("log(idx=%d, hash=%s)", l.Index, l.Hash)
}

// ContainsQuery asks the log index whether a specific log exists at a
// specific position, used to validate executing-message integrity both in
// the cross-safety checker and in the RPC access-list check.
type ContainsQuery struct {
	ChainID   eth.ChainID
	BlockNum  uint64
	LogIdx    uint32
	Timestamp uint64
	LogHash   common.Hash
}

// Access describes one entry of an access-list check request (§4.8
// check_access_list): a single executing-message reference the caller
// wants verified against a minimum safety level.
type Access struct {
	ChainID   eth.ChainID `json:"chainID"`
	BlockNum  uint64      `json:"blockNumber"`
	LogIdx    uint32      `json:"logIndex"`
	Timestamp uint64      `json:"timestamp"`
	LogHash   common.Hash `json:"checksum"`
}

func (a Access) String() string {
	return fmt.Sprintf("access(chain=%s, block=%d, logIdx=%d)", a.ChainID, a.BlockNum, a.LogIdx)
}
