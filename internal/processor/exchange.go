package processor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// ProcessExchange converts exchange ledger rows into canonical transactions.
// Rows sharing an order id are the legs of one economic event and collapse
// into a single transaction; rows without an order id stand alone.
func (p *Processor) ProcessExchange(exchange string, inputs []Input) ([]models.Transaction, error) {
	groups := map[string][]Input{}
	var order []string
	for _, in := range inputs {
		if in.Normalized == nil {
			continue
		}
		key := in.Normalized.OrderID
		if key == "" {
			key = in.Normalized.ExternalID
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], in)
	}

	var (
		txs      []models.Transaction
		failures []Failure
	)
	for _, key := range order {
		tx, err := buildExchangeTransaction(exchange, key, groups[key])
		if err != nil {
			failures = append(failures, Failure{GroupKey: key, Reason: err.Error()})
			continue
		}
		if tx == nil {
			continue
		}
		txs = append(txs, *tx)
	}
	if len(failures) > 0 {
		return nil, &BatchError{Failures: failures}
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp < txs[j].Timestamp })
	return txs, nil
}

func buildExchangeTransaction(exchange, key string, group []Input) (*models.Transaction, error) {
	totals := map[string]decimal.Decimal{}
	kinds := map[string]models.AssetKind{}
	var assetOrder []string
	ts := int64(0)
	for _, in := range group {
		n := in.Normalized
		if ts == 0 || n.Timestamp < ts {
			ts = n.Timestamp
		}
		for _, ch := range n.Changes {
			sym := strings.ToUpper(ch.AssetSymbol)
			if sym == "" {
				return nil, fmt.Errorf("row %s has a balance change without an asset", n.ExternalID)
			}
			if _, seen := totals[sym]; !seen {
				assetOrder = append(assetOrder, sym)
				kinds[sym] = ch.Kind
			}
			totals[sym] = totals[sym].Add(ch.Amount)
		}
	}

	fees := collectExchangeFees(exchange, group)

	tx := &models.Transaction{
		Source:     exchange,
		ExternalID: key,
		Datetime:   time.UnixMilli(ts).UTC(),
		Timestamp:  ts,
		Status:     groupStatus(group),
		Fees:       fees,
	}
	tx.Fingerprint = models.Fingerprint(tx.Source, tx.ExternalID)

	for _, sym := range assetOrder {
		total := totals[sym]
		if total.IsZero() {
			continue
		}
		m := models.AssetMovement{
			AssetID:     exchangeAssetID(exchange, sym, kinds[sym]),
			AssetSymbol: sym,
			GrossAmount: total.Abs(),
			NetAmount:   total.Abs(),
		}
		if total.IsPositive() {
			tx.Movements.Inflows = append(tx.Movements.Inflows, m)
		} else {
			tx.Movements.Outflows = append(tx.Movements.Outflows, m)
		}
	}

	op, note := classifyExchange(group, tx)
	tx.Operation = op
	if note != nil {
		tx.Notes = append(tx.Notes, *note)
	}

	// on-chain legs declared by the exchange: trust only a concrete hash
	for _, in := range group {
		n := in.Normalized
		if n.Network != "" && n.TxHash != "" {
			tx.Blockchain = &models.BlockchainInfo{
				Name:            strings.ToLower(n.Network),
				TransactionHash: n.TxHash,
				IsConfirmed:     n.Status == models.StatusSuccess,
			}
			break
		}
	}

	if len(tx.Movements.Inflows) == 0 && len(tx.Movements.Outflows) == 0 && len(tx.Fees) == 0 {
		return nil, nil
	}
	return tx, nil
}

// collectExchangeFees merges the group's platform fees. Exchanges repeat the
// order fee on every leg's row; an identical (asset, amount) observation is
// charged once, while genuinely distinct fees accumulate.
func collectExchangeFees(exchange string, group []Input) []models.Fee {
	type feeKey struct {
		symbol string
		amount string
	}
	seen := map[feeKey]bool{}
	var fees []models.Fee
	for _, in := range group {
		for _, rf := range in.Normalized.Fees {
			sym := strings.ToUpper(rf.AssetSymbol)
			k := feeKey{sym, rf.Amount.String()}
			if seen[k] {
				continue
			}
			seen[k] = true
			fees = append(fees, models.Fee{
				AssetID:     exchangeAssetID(exchange, sym, rf.Kind),
				AssetSymbol: sym,
				Amount:      rf.Amount,
				Scope:       models.FeeScopePlatform,
				Settlement:  models.FeeSettlementBalance,
			})
		}
	}
	return fees
}

func exchangeAssetID(exchange, symbol string, kind models.AssetKind) string {
	if kind == models.AssetKindFiat {
		return models.FiatAssetID(symbol)
	}
	return models.ExchangeAssetID(exchange, symbol)
}

// classifyExchange maps ledger row types onto operations. Fee-only rows
// (the whole movement is consumed by the fee) become standalone fee
// transactions so the balance debit is still accounted for.
func classifyExchange(group []Input, tx *models.Transaction) (models.Operation, *models.Note) {
	rowTypes := map[string]bool{}
	for _, in := range group {
		if rt := strings.ToLower(in.Normalized.RowType); rt != "" {
			rowTypes[rt] = true
		}
	}

	if isFeeOnly(group, tx) {
		tx.Movements = models.Movements{}
		return models.Operation{Category: models.CategoryFee, Type: models.OpFee}, &models.Note{
			Type:     models.NoteFeeOnlyRow,
			Severity: models.SeverityInfo,
			Message:  "row's entire amount is its fee, recorded as a standalone fee transaction",
		}
	}

	hasIn := len(tx.Movements.Inflows) > 0
	hasOut := len(tx.Movements.Outflows) > 0

	switch {
	case rowTypes["advanced_trade_fill"], rowTypes["trade"], rowTypes["spend"], rowTypes["receive"] && hasOut:
		return models.Operation{Category: models.CategoryTrade, Type: models.OpSwap}, nil
	case rowTypes["interest"], rowTypes["staking"], rowTypes["earn"]:
		return models.Operation{Category: models.CategoryStaking, Type: models.OpReward}, nil
	case rowTypes["fiat_deposit"], rowTypes["deposit"]:
		return models.Operation{Category: models.CategoryTransfer, Type: models.OpDeposit}, nil
	case rowTypes["fiat_withdrawal"], rowTypes["withdrawal"], rowTypes["withdraw"]:
		return models.Operation{Category: models.CategoryTransfer, Type: models.OpWithdrawal}, nil
	case rowTypes["airdrop"]:
		return models.Operation{Category: models.CategoryTransfer, Type: models.OpAirdrop}, nil
	}

	switch {
	case hasIn && hasOut:
		return models.Operation{Category: models.CategoryTrade, Type: models.OpSwap}, nil
	case hasIn:
		return models.Operation{Category: models.CategoryTransfer, Type: models.OpDeposit}, nil
	case hasOut:
		return models.Operation{Category: models.CategoryTransfer, Type: models.OpWithdrawal}, nil
	}
	return models.Operation{Category: models.CategoryOther, Type: models.OpFee}, nil
}

// isFeeOnly reports whether the group is a single debit fully explained by
// its own fee.
func isFeeOnly(group []Input, tx *models.Transaction) bool {
	if len(tx.Fees) != 1 || len(tx.Movements.Inflows) != 0 || len(tx.Movements.Outflows) != 1 {
		return false
	}
	out := tx.Movements.Outflows[0]
	fee := tx.Fees[0]
	return out.AssetID == fee.AssetID && out.GrossAmount.Equal(fee.Amount)
}
