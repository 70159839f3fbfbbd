// Package hl is the live Hyperliquid spot venue behind arbiter.ExchangeAdapter.
package hl

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sonirico/go-hyperliquid"
)

// ClientConfig is all the caller needs to supply.
type ClientConfig struct {
	BaseURL string
	Key     string
	// Wallet overrides the address derived from Key, e.g. for an API wallet
	// trading on behalf of a main account.
	Wallet string
}

func (c ClientConfig) url() string {
	// the config has to ask for mainnet explicitly
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return hyperliquid.TestnetAPIURL
}

func loadKey(raw string) (*ecdsa.PrivateKey, string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, "", fmt.Errorf("could not load private key: %w", err)
	}
	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, "", fmt.Errorf("error casting public key to ECDSA")
	}
	return privateKey, crypto.PubkeyToAddress(*pub).Hex(), nil
}

// WalletAddress returns the address orders and balances are queried for.
func WalletAddress(config ClientConfig) (string, error) {
	if config.Wallet != "" {
		return config.Wallet, nil
	}
	_, addr, err := loadKey(config.Key)
	return addr, err
}

// NewExchange builds the signing client. Venue metadata is fetched on
// construction.
func NewExchange(ctx context.Context, config ClientConfig) (*hyperliquid.Exchange, error) {
	privateKey, addr, err := loadKey(config.Key)
	if err != nil {
		return nil, err
	}
	if config.Wallet != "" {
		addr = config.Wallet
	}

	return hyperliquid.NewExchange(
		ctx,
		privateKey,
		config.url(),
		nil, // Meta will be fetched automatically
		"",
		addr,
		nil, // SpotMeta will be fetched automatically
	), nil
}

// NewInfo builds the read-only client.
func NewInfo(ctx context.Context, config ClientConfig) *hyperliquid.Info {
	return hyperliquid.NewInfo(ctx, config.url(), true, nil, nil)
}
