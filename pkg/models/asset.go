package models

import (
	"fmt"
	"strings"
)

// Asset identity namespaces. An assetId is "<namespace>:<scope>:<reference>",
// lower-cased, and is the only key used to compare assets across sources.
const (
	AssetNamespaceBlockchain = "blockchain"
	AssetNamespaceExchange   = "exchange"
	AssetNamespaceFiat       = "fiat"
)

// NativeReference marks the chain's primary native currency.
const NativeReference = "native"

// NativeAssetID returns the identity of a chain's native currency.
func NativeAssetID(chain string) string {
	return AssetNamespaceBlockchain + ":" + strings.ToLower(chain) + ":" + NativeReference
}

// TokenAssetID returns the identity of a contract-addressed token. Secondary
// native currencies without a contract use their lower-cased symbol instead.
func TokenAssetID(chain, contractOrSymbol string) string {
	return AssetNamespaceBlockchain + ":" + strings.ToLower(chain) + ":" + strings.ToLower(contractOrSymbol)
}

// ExchangeAssetID returns the identity of an exchange-held balance.
func ExchangeAssetID(exchange, symbol string) string {
	return AssetNamespaceExchange + ":" + strings.ToLower(exchange) + ":" + strings.ToLower(symbol)
}

// FiatAssetID returns the identity of a fiat currency by ISO code.
func FiatAssetID(iso string) string {
	return AssetNamespaceFiat + ":" + strings.ToLower(iso)
}

// SplitAssetID breaks an assetId into namespace, scope and reference.
// Fiat ids have an empty reference ("fiat:usd").
func SplitAssetID(assetID string) (namespace, scope, reference string, err error) {
	parts := strings.SplitN(assetID, ":", 3)
	switch {
	case len(parts) == 2 && parts[0] == AssetNamespaceFiat:
		return parts[0], parts[1], "", nil
	case len(parts) == 3:
		return parts[0], parts[1], parts[2], nil
	}
	return "", "", "", fmt.Errorf("malformed asset id %q", assetID)
}

// IsFiatAssetID reports whether the identity lives in the fiat namespace.
func IsFiatAssetID(assetID string) bool {
	return strings.HasPrefix(assetID, AssetNamespaceFiat+":")
}

// IsNativeAssetID reports whether the identity is a chain's primary native currency.
func IsNativeAssetID(assetID string) bool {
	return strings.HasPrefix(assetID, AssetNamespaceBlockchain+":") &&
		strings.HasSuffix(assetID, ":"+NativeReference)
}
