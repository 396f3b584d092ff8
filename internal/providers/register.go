package providers

import "github.com/jbelanger/exitbook-sub013/internal/provider"

// RegisterAll enrolls every built-in provider in a deterministic order.
// Called once at startup; registration validates metadata, while API-key
// gating happens later when the manager builds a chain pool.
func RegisterAll(reg *provider.Registry) error {
	for _, register := range []func(*provider.Registry) error{
		registerEsplora,
		registerMempoolSpace,
		registerBitcoincore,
		registerRoutescan,
		registerCoingecko,
		registerCryptocompare,
		registerECB,
		registerExchangerate,
	} {
		if err := register(reg); err != nil {
			return err
		}
	}
	return nil
}
