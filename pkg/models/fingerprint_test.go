package models

import (
	"regexp"
	"testing"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("kraken", "tx-123")
	b := Fingerprint("kraken", "tx-123")
	if a != b {
		t.Fatalf("same inputs hashed differently: %s vs %s", a, b)
	}
	if a == Fingerprint("kraken", "tx-124") {
		t.Error("different externalId produced identical fingerprint")
	}
	if a == Fingerprint("coinbase", "tx-123") {
		t.Error("different source produced identical fingerprint")
	}
}

func TestFingerprintFormat(t *testing.T) {
	hexRe := regexp.MustCompile(`^[0-9a-f]{64}$`)
	for _, tc := range []struct{ source, id string }{
		{"bitcoin", "deadbeef"},
		{"", ""},
		{"a:b", "c"}, // separator collision still yields a valid digest
	} {
		fp := Fingerprint(tc.source, tc.id)
		if !hexRe.MatchString(fp) {
			t.Errorf("Fingerprint(%q,%q) = %q, want 64 hex chars", tc.source, tc.id, fp)
		}
	}
}

func TestLinkFingerprintOrderIndependent(t *testing.T) {
	fpA := Fingerprint("kraken", "w-1")
	fpB := Fingerprint("bitcoin", "d-1")

	if LinkFingerprint(fpA, fpB, "BTC") != LinkFingerprint(fpB, fpA, "BTC") {
		t.Error("link fingerprint depends on endpoint order")
	}
	if LinkFingerprint(fpA, fpB, "BTC") == LinkFingerprint(fpA, fpB, "ETH") {
		t.Error("link fingerprint ignores asset")
	}
}
