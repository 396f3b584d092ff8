package processor

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// ScamDetector flags unsolicited airdrops of tokens whose symbol or name
// advertises a phishing site. Detection never drops the transaction; it only
// attaches a warning note so downstream views can hide or exclude it.
type ScamDetector struct {
	patterns []*regexp.Regexp
}

var scamPatterns = []string{
	`(?i)\b(?:claim|reward|bonus|airdrop)s?\b`,
	`(?i)\bvisit\b`,
	`(?i)https?://`,
	`(?i)[a-z0-9-]+\.(?:com|net|org|io|xyz|site|app|fi|vip)\b`,
	`^\$`,
	`(?i)\bfree\b`,
}

func NewScamDetector() *ScamDetector {
	d := &ScamDetector{}
	for _, p := range scamPatterns {
		d.patterns = append(d.patterns, regexp.MustCompile(p))
	}
	return d
}

func (d *ScamDetector) matches(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Inspect flags suspect token inflows: provider spam markers, stored
// metadata spam flags and phishing-style symbols or names. Only inflow-only
// transactions are candidates; tokens the user actively spends are theirs.
func (d *ScamDetector) Inspect(tx *models.Transaction, group []Input, meta map[string]models.TokenMetadata) []models.Note {
	if len(tx.Movements.Outflows) > 0 {
		return nil
	}
	suspects := map[string]bool{}
	for _, in := range group {
		for _, ch := range in.Normalized.Changes {
			if ch.Kind != models.AssetKindToken {
				continue
			}
			symbol := strings.ToUpper(ch.AssetSymbol)
			m, hasMeta := meta[strings.ToLower(ch.ContractAddress)]
			switch {
			case ch.PossibleSpam:
				suspects[symbol] = true
			case hasMeta && m.PossibleSpam:
				suspects[symbol] = true
			case d.matches(ch.AssetSymbol) || (hasMeta && d.matches(m.Name)):
				suspects[symbol] = true
			}
		}
	}
	if len(suspects) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(suspects))
	for s := range suspects {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return []models.Note{{
		Type:     models.NoteScamToken,
		Severity: models.SeverityWarning,
		Message:  "unsolicited token inflow matches scam heuristics: " + strings.Join(symbols, ", "),
		Metadata: map[string]any{"symbols": symbols},
	}}
}
