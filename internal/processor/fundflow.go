package processor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// assetRef carries the identity inputs of one aggregated asset position.
type assetRef struct {
	symbol   string
	kind     models.AssetKind
	contract string
}

// fundFlow is the net per-asset result of one transaction group from the
// user's perspective.
type fundFlow struct {
	inflows       []models.AssetMovement
	outflows      []models.AssetMovement
	userInitiated bool
}

// analyzeFundFlow folds every balance change of the group into signed
// per-asset totals and materializes inflow/outflow movements with resolved
// asset identities. A token change without a contract address is a hard
// error on blockchain sources: guessing identity from the symbol would merge
// unrelated tokens.
func analyzeFundFlow(chain string, group []Input, userAddrs map[string]bool, meta map[string]models.TokenMetadata) (*fundFlow, error) {
	totals := map[string]decimal.Decimal{}
	refs := map[string]assetRef{}
	var order []string
	flow := &fundFlow{}

	for _, in := range group {
		n := in.Normalized
		if n.From != "" && userAddrs[strings.ToLower(n.From)] {
			flow.userInitiated = true
		}
		for _, ch := range n.Changes {
			// changes are normalized from the requested address's perspective;
			// an explicit address outside the user set belongs to a counterparty
			if ch.Address != "" && !userAddrs[strings.ToLower(ch.Address)] {
				continue
			}
			key, ref := changeKey(ch)
			if _, seen := totals[key]; !seen {
				order = append(order, key)
				refs[key] = ref
			}
			totals[key] = totals[key].Add(ch.Amount)
			if ch.Amount.IsNegative() {
				flow.userInitiated = true
			}
		}
	}

	for _, key := range order {
		ref := refs[key]
		total := totals[key]
		if total.IsZero() {
			continue
		}
		assetID, symbol, err := resolveAssetID(chain, ref, meta)
		if err != nil {
			return nil, err
		}
		m := models.AssetMovement{
			AssetID:     assetID,
			AssetSymbol: symbol,
			GrossAmount: total.Abs(),
			NetAmount:   total.Abs(),
		}
		if total.IsPositive() {
			flow.inflows = append(flow.inflows, m)
		} else {
			flow.outflows = append(flow.outflows, m)
		}
	}
	return flow, nil
}

func changeKey(ch models.BalanceChange) (string, assetRef) {
	ref := assetRef{
		symbol:   strings.ToUpper(ch.AssetSymbol),
		kind:     ch.Kind,
		contract: strings.ToLower(ch.ContractAddress),
	}
	if ref.contract != "" {
		return "c:" + ref.contract, ref
	}
	return string(ref.kind) + ":" + ref.symbol, ref
}

// resolveAssetID maps one aggregated asset to its canonical identity,
// preferring stored token metadata for the display symbol.
func resolveAssetID(chain string, ref assetRef, meta map[string]models.TokenMetadata) (assetID, symbol string, err error) {
	symbol = ref.symbol
	switch ref.kind {
	case models.AssetKindNative:
		return models.NativeAssetID(chain), symbol, nil
	case models.AssetKindFiat:
		return models.FiatAssetID(ref.symbol), symbol, nil
	case models.AssetKindToken:
		if ref.contract == "" {
			return "", "", fmt.Errorf("token %q has no contract address, cannot establish identity", ref.symbol)
		}
		if m, ok := meta[ref.contract]; ok && m.Symbol != "" {
			symbol = strings.ToUpper(m.Symbol)
		}
		return models.TokenAssetID(chain, ref.contract), symbol, nil
	}
	return "", "", fmt.Errorf("balance change for %q has unknown asset kind %q", ref.symbol, ref.kind)
}

// attributeFees collects the group's fees. Network fees count only when the
// user initiated the transaction; receiving funds never costs the recipient
// gas. Identical fee observations reported by several records of the same
// group (native + token views of one hash) are counted once.
func attributeFees(chain string, group []Input, userAddrs map[string]bool, flow *fundFlow) ([]models.Fee, error) {
	type feeKey struct {
		scope  models.FeeScope
		symbol string
		amount string
	}
	seen := map[feeKey]bool{}
	var fees []models.Fee
	for _, in := range group {
		for _, rf := range in.Normalized.Fees {
			if rf.Scope == models.FeeScopeNetwork {
				paidByUser := rf.PaidBy == "" && flow.userInitiated ||
					rf.PaidBy != "" && userAddrs[strings.ToLower(rf.PaidBy)]
				if !paidByUser {
					continue
				}
			}
			k := feeKey{rf.Scope, strings.ToUpper(rf.AssetSymbol), rf.Amount.String()}
			if seen[k] {
				continue
			}
			seen[k] = true
			assetID, symbol, err := resolveAssetID(chain, assetRef{
				symbol:   strings.ToUpper(rf.AssetSymbol),
				kind:     rf.Kind,
				contract: strings.ToLower(rf.ContractAddress),
			}, nil)
			if err != nil {
				return nil, fmt.Errorf("fee asset: %w", err)
			}
			fees = append(fees, models.Fee{
				AssetID:     assetID,
				AssetSymbol: symbol,
				Amount:      rf.Amount,
				Scope:       rf.Scope,
				Settlement:  models.FeeSettlementBalance,
			})
		}
	}
	sort.SliceStable(fees, func(i, j int) bool { return fees[i].AssetID < fees[j].AssetID })
	return fees, nil
}

// AllocatePlatformFee spreads a single fiat platform fee across the
// transaction's inflow assets: by fiat-value weight when every inflow
// carries a price, else split equally by asset count. Weighted and priced
// equal-split shares fold into the inflow's effective acquisition price;
// unpriced inflows record their share in FeeShareValue instead. Marks the
// transaction so a later enrichment run never re-applies the allocation.
func AllocatePlatformFee(tx *models.Transaction) {
	if tx.HasNote(models.NoteFeeAllocated) {
		return
	}
	if len(tx.Fees) != 1 || tx.Fees[0].Scope != models.FeeScopePlatform {
		return
	}
	if len(tx.Movements.Inflows) < 2 {
		return
	}
	fee := &tx.Fees[0]
	var feeValue decimal.Decimal
	switch {
	case fee.PriceAtTxTime != nil:
		feeValue = fee.Amount.Mul(fee.PriceAtTxTime.Price)
	case fee.AssetID == models.FiatAssetID("USD"):
		feeValue = fee.Amount
	default:
		return
	}

	values := make([]decimal.Decimal, len(tx.Movements.Inflows))
	total := decimal.Zero
	allPriced := true
	for i, m := range tx.Movements.Inflows {
		if m.PriceAtTxTime == nil {
			allPriced = false
			continue
		}
		values[i] = m.GrossAmount.Mul(m.PriceAtTxTime.Price)
		total = total.Add(values[i])
	}

	var message string
	if allPriced && !total.IsZero() {
		for i := range tx.Movements.Inflows {
			m := &tx.Movements.Inflows[i]
			share := feeValue.Mul(values[i]).Div(total)
			// fold the fee share into the acquisition price: basis = value + share
			adjusted := values[i].Add(share).Div(m.GrossAmount)
			p := *m.PriceAtTxTime
			p.Price = adjusted
			m.PriceAtTxTime = &p
		}
		message = "platform fee allocated across inflow lot prices by fiat-value weight"
	} else {
		// without a full price picture, every inflow asset absorbs an equal
		// slice of the fee
		share := feeValue.Div(decimal.NewFromInt(int64(len(tx.Movements.Inflows))))
		for i := range tx.Movements.Inflows {
			m := &tx.Movements.Inflows[i]
			if m.PriceAtTxTime != nil && !m.GrossAmount.IsZero() {
				adjusted := values[i].Add(share).Div(m.GrossAmount)
				p := *m.PriceAtTxTime
				p.Price = adjusted
				m.PriceAtTxTime = &p
				continue
			}
			s := share
			m.FeeShareValue = &s
		}
		message = "platform fee allocated across inflow assets by equal split"
	}
	tx.Notes = append(tx.Notes, models.Note{
		Type:     models.NoteFeeAllocated,
		Severity: models.SeverityInfo,
		Message:  message,
	})
}
