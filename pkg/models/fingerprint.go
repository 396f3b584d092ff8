package models

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint is the deterministic identity of an ingested transaction:
// sha256 over "source:externalId", hex-encoded. It is the dedup key in the
// ingestion store and the stable handle used by the override log.
func Fingerprint(source, externalID string) string {
	sum := sha256.Sum256([]byte(source + ":" + externalID))
	return hex.EncodeToString(sum[:])
}

// LinkFingerprint identifies a transaction link independently of direction:
// sha256 over "link:min(fpA,fpB):max(fpA,fpB):asset".
func LinkFingerprint(fpA, fpB, assetSymbol string) string {
	lo, hi := fpA, fpB
	if hi < lo {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte("link:" + lo + ":" + hi + ":" + assetSymbol))
	return hex.EncodeToString(sum[:])
}
