// Package processor turns normalized records into canonical transactions:
// fund-flow analysis, fee attribution, classification, asset identity and
// scam annotation. Strict mode: a group that cannot produce a transaction
// fails the batch with a structured error; silent drops would corrupt the
// portfolio.
package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// Input is one normalized record with the envelope fields processing needs.
type Input struct {
	Fingerprint   string
	SourceAddress string
	TypeHint      string
	Normalized    *models.NormalizedRecord
}

// Failure explains one group that produced no transaction.
type Failure struct {
	GroupKey string `json:"groupKey"`
	Reason   string `json:"reason"`
}

// BatchError enumerates every failed group of one batch.
type BatchError struct {
	Failures []Failure
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.GroupKey, f.Reason))
	}
	return fmt.Sprintf("%d transaction group(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// MetadataResolver is the token metadata dependency, satisfied by the
// tokenmeta service wired with a provider fetch.
type MetadataResolver interface {
	Resolve(ctx context.Context, chain string, contracts []string) (map[string]models.TokenMetadata, error)
}

// Processor holds per-source configuration for one processing run.
type Processor struct {
	metadata MetadataResolver
	scam     *ScamDetector
}

func New(metadata MetadataResolver) *Processor {
	return &Processor{metadata: metadata, scam: NewScamDetector()}
}

// ProcessBlockchain converts one source's normalized records into canonical
// transactions. Records sharing a transaction hash form one group. source is
// the ingest source id ("bitcoin", "bitcoin-xpub"); chain names the network.
func (p *Processor) ProcessBlockchain(ctx context.Context, source, chain string, inputs []Input) ([]models.Transaction, error) {
	userAddrs := map[string]bool{}
	for _, in := range inputs {
		if in.SourceAddress != "" {
			userAddrs[strings.ToLower(in.SourceAddress)] = true
		}
	}

	groups := map[string][]Input{}
	var order []string
	for _, in := range inputs {
		if in.Normalized == nil {
			continue
		}
		key := in.Normalized.TxHash
		if key == "" {
			key = in.Normalized.ExternalID
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], in)
	}

	meta, err := p.resolveGroupMetadata(ctx, chain, groups)
	if err != nil {
		return nil, err
	}

	var (
		txs      []models.Transaction
		failures []Failure
	)
	for _, key := range order {
		tx, err := p.buildChainTransaction(source, chain, key, groups[key], userAddrs, meta)
		if err != nil {
			failures = append(failures, Failure{GroupKey: key, Reason: err.Error()})
			continue
		}
		if tx == nil {
			continue // zero-impact, filtered
		}
		txs = append(txs, *tx)
	}
	if len(failures) > 0 {
		return nil, &BatchError{Failures: failures}
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp < txs[j].Timestamp })
	return txs, nil
}

// resolveGroupMetadata batch-fetches token metadata for every contract in
// the batch in one round trip.
func (p *Processor) resolveGroupMetadata(ctx context.Context, chain string, groups map[string][]Input) (map[string]models.TokenMetadata, error) {
	if p.metadata == nil {
		return map[string]models.TokenMetadata{}, nil
	}
	set := map[string]bool{}
	for _, group := range groups {
		for _, in := range group {
			for _, ch := range in.Normalized.Changes {
				if ch.ContractAddress != "" {
					set[strings.ToLower(ch.ContractAddress)] = true
				}
			}
		}
	}
	if len(set) == 0 {
		return map[string]models.TokenMetadata{}, nil
	}
	contracts := make([]string, 0, len(set))
	for c := range set {
		contracts = append(contracts, c)
	}
	sort.Strings(contracts)
	return p.metadata.Resolve(ctx, chain, contracts)
}

func (p *Processor) buildChainTransaction(source, chain, key string, group []Input, userAddrs map[string]bool, meta map[string]models.TokenMetadata) (*models.Transaction, error) {
	primary := pickPrimary(group)
	if primary == nil {
		return nil, fmt.Errorf("group has no usable primary record")
	}
	n := primary.Normalized

	flow, err := analyzeFundFlow(chain, group, userAddrs, meta)
	if err != nil {
		return nil, err
	}

	fees, err := attributeFees(chain, group, userAddrs, flow)
	if err != nil {
		return nil, err
	}

	tx := &models.Transaction{
		Source:     source,
		ExternalID: key,
		Datetime:   time.UnixMilli(n.Timestamp).UTC(),
		Timestamp:  n.Timestamp,
		Status:     groupStatus(group),
		From:       strings.ToLower(n.From),
		To:         strings.ToLower(n.To),
		Movements:  models.Movements{Inflows: flow.inflows, Outflows: flow.outflows},
		Fees:       fees,
		Blockchain: &models.BlockchainInfo{
			Name:            chain,
			BlockHeight:     n.BlockHeight,
			TransactionHash: key,
			IsConfirmed:     n.Status == models.StatusSuccess,
		},
	}
	tx.Fingerprint = models.Fingerprint(tx.Source, tx.ExternalID)

	op, note := classifyChain(group, flow)
	tx.Operation = op
	if note != nil {
		tx.Notes = append(tx.Notes, *note)
	}

	tx.Notes = append(tx.Notes, p.scam.Inspect(tx, group, meta)...)

	// zero-impact filter: confirmed noise with no flows and no fees
	if len(tx.Movements.Inflows) == 0 && len(tx.Movements.Outflows) == 0 && len(tx.Fees) == 0 {
		return nil, nil
	}
	return tx, nil
}

// pickPrimary prefers the native-transfer record of a group; token and
// internal records extend it.
func pickPrimary(group []Input) *Input {
	for i := range group {
		op := group[i].Normalized.OperationType
		if strings.Contains(op, "AddressTransactions") || op == "getAddressTransactions" {
			return &group[i]
		}
	}
	if len(group) > 0 {
		return &group[0]
	}
	return nil
}

func groupStatus(group []Input) models.TransactionStatus {
	status := models.TransactionStatus("")
	for _, in := range group {
		switch in.Normalized.Status {
		case models.StatusFailed:
			return models.StatusFailed
		case models.StatusPending:
			status = models.StatusPending
		case models.StatusSuccess:
			if status == "" {
				status = models.StatusSuccess
			}
		}
	}
	if status == "" {
		status = models.StatusSuccess
	}
	return status
}
