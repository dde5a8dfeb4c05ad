package cross

import (
	"fmt"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// visitKey identifies a (chain, block hash) pair visited during cycle
// detection, mirroring the original's (ChainId, BlockHash) visited set.
type visitKey struct {
	chain eth.ChainID
	hash  [32]byte
}

// Checker verifies that every executing message in a candidate block
// resolves to an initiating message that is itself safe to requiredLevel,
// and that no cycle of same-timestamp dependencies runs back through the
// candidate block itself.
type Checker struct {
	chainID       eth.ChainID
	provider      Provider
	requiredLevel types.SafetyLevel
}

func NewChecker(chainID eth.ChainID, provider Provider, requiredLevel types.SafetyLevel) *Checker {
	return &Checker{chainID: chainID, provider: provider, requiredLevel: requiredLevel}
}

// ValidateBlock checks all executing messages logged in block.
func (c *Checker) ValidateBlock(block eth.BlockRef) error {
	return c.mapDependentBlock(block, c.chainID, func(msg types.ExecutingMessage) error {
		if err := c.verifyMessageDependency(msg); err != nil {
			return err
		}
		initiatingBlock, err := c.provider.Block(msg.Chain, msg.BlockNum)
		if err != nil {
			return fmt.Errorf("failed to fetch initiating block %s#%d: %w", msg.Chain, msg.BlockNum, err)
		}
		if err := c.validateExecutingMessage(initiatingBlock, msg); err != nil {
			return err
		}
		return c.checkCyclicDependency(block, initiatingBlock, msg.Chain, make(map[visitKey]struct{}))
	})
}

// verifyMessageDependency checks, without fetching the initiating block,
// that the initiating chain's safety head is at least at the message's
// claimed block number.
func (c *Checker) verifyMessageDependency(msg types.ExecutingMessage) error {
	head, err := c.provider.SafetyHeadRef(msg.Chain, c.requiredLevel)
	if err != nil {
		return fmt.Errorf("failed to read safety head for chain %s: %w", msg.Chain, err)
	}
	if head.Number < msg.BlockNum {
		return fmt.Errorf("chain %s head %d has not reached message's block %d: %w", msg.Chain, head.Number, msg.BlockNum, types.ErrDependencyNotSafe)
	}
	return nil
}

// checkCyclicDependency walks backwards through message dependencies
// starting from current. If a same-timestamp chain of dependencies leads
// back to the candidate block itself, that is a cycle.
func (c *Checker) checkCyclicDependency(candidate, current eth.BlockRef, chainID eth.ChainID, visited map[visitKey]struct{}) error {
	if candidate.Time != current.Time {
		return nil
	}
	key := visitKey{chain: chainID, hash: current.Hash}
	if _, seen := visited[key]; seen {
		return nil
	}
	visited[key] = struct{}{}

	if candidate.Hash == current.Hash && c.chainID == chainID {
		return fmt.Errorf("candidate block %s reached via a same-timestamp dependency cycle: %w", candidate, types.ErrCyclicDependency)
	}

	head, err := c.provider.SafetyHeadRef(chainID, c.requiredLevel)
	if err != nil {
		return fmt.Errorf("failed to read safety head for chain %s: %w", chainID, err)
	}
	if head.Number >= current.Number {
		return nil // already at target safety level: cannot be part of a new cycle
	}

	return c.mapDependentBlock(current, chainID, func(msg types.ExecutingMessage) error {
		originBlock, err := c.provider.Block(msg.Chain, msg.BlockNum)
		if err != nil {
			return fmt.Errorf("failed to fetch origin block %s#%d: %w", msg.Chain, msg.BlockNum, err)
		}
		return c.checkCyclicDependency(candidate, originBlock, msg.Chain, visited)
	})
}

// validateExecutingMessage checks the timestamp invariant and confirms the
// initiating log is present in storage with a matching hash.
func (c *Checker) validateExecutingMessage(initBlock eth.BlockRef, msg types.ExecutingMessage) error {
	if initBlock.Time != msg.Timestamp {
		return fmt.Errorf("initiating block timestamp %d does not match message timestamp %d: %w", initBlock.Time, msg.Timestamp, types.ErrTimestampInvariantViolation)
	}
	initLog, err := c.provider.Log(msg.Chain, msg.BlockNum, msg.LogIdx)
	if err != nil {
		return fmt.Errorf("initiating log %s#%d[%d] not found: %w", msg.Chain, msg.BlockNum, msg.LogIdx, types.ErrInitiatingMessageNotFound)
	}
	if initLog.Hash != msg.Hash {
		return fmt.Errorf("initiating log hash %s does not match claimed hash %s: %w", initLog.Hash, msg.Hash, types.ErrInvalidMessageHash)
	}
	return nil
}

// mapDependentBlock invokes f for every executing message logged in
// execBlock on chainID.
func (c *Checker) mapDependentBlock(execBlock eth.BlockRef, chainID eth.ChainID, f func(types.ExecutingMessage) error) error {
	logs, err := c.provider.BlockLogs(chainID, execBlock.Number)
	if err != nil {
		return fmt.Errorf("failed to fetch logs for chain %s block %d: %w", chainID, execBlock.Number, err)
	}
	for _, l := range logs {
		if l.ExecutingMessage == nil {
			continue
		}
		if err := f(*l.ExecutingMessage); err != nil {
			return err
		}
	}
	return nil
}
