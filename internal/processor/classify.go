package processor

import (
	"strings"

	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// classifyChain derives the operation of a blockchain group from its method
// names and fund-flow shape. Rules are ordered most-specific first; when
// nothing matches and the flow shape is contradictory the transaction is
// kept as a transfer with an ambiguity note rather than dropped.
func classifyChain(group []Input, flow *fundFlow) (models.Operation, *models.Note) {
	method := ""
	for _, in := range group {
		if m := strings.ToLower(in.Normalized.Method); m != "" {
			method = m
			break
		}
	}

	hasIn := len(flow.inflows) > 0
	hasOut := len(flow.outflows) > 0

	switch {
	case containsAny(method, "swap", "exactinput", "exactoutput", "multicall"):
		return models.Operation{Category: models.CategoryTrade, Type: models.OpSwap}, nil
	case containsAny(method, "unstake", "undelegate", "withdrawdelegat"):
		return models.Operation{Category: models.CategoryStaking, Type: models.OpUnstake}, nil
	case containsAny(method, "stake", "delegate", "deposit_stake"):
		return models.Operation{Category: models.CategoryStaking, Type: models.OpStake}, nil
	case containsAny(method, "claim", "getreward", "harvest"):
		return models.Operation{Category: models.CategoryStaking, Type: models.OpReward}, nil
	case containsAny(method, "airdrop"):
		return models.Operation{Category: models.CategoryTransfer, Type: models.OpAirdrop}, nil
	}

	switch {
	case hasIn && hasOut && !sameAssets(flow):
		// opposing flows in different assets with no recognized method:
		// likely a trade, but not provable from the data we have
		return models.Operation{Category: models.CategoryTransfer, Type: models.OpTransfer}, &models.Note{
			Type:     models.NoteAmbiguousClass,
			Severity: models.SeverityInfo,
			Message:  "opposing flows in different assets with no classifying method, kept as transfer",
		}
	case hasIn && !hasOut:
		return models.Operation{Category: models.CategoryTransfer, Type: models.OpDeposit}, nil
	case hasOut && !hasIn:
		return models.Operation{Category: models.CategoryTransfer, Type: models.OpWithdrawal}, nil
	}
	return models.Operation{Category: models.CategoryTransfer, Type: models.OpTransfer}, nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func sameAssets(flow *fundFlow) bool {
	ids := map[string]bool{}
	for _, m := range flow.inflows {
		ids[m.AssetID] = true
	}
	for _, m := range flow.outflows {
		if !ids[m.AssetID] {
			return false
		}
	}
	return true
}
