package hl

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sonirico/go-hyperliquid"

	"github.com/recomma/arbiter/arbiter"
)

type BestBidOffer struct {
	Coin string
	Time time.Time
	Bid  Level
	Ask  Level
}

type Level struct {
	Price float64
	Size  float64
}

func WsBBOToBBO(in hyperliquid.Bbo) BestBidOffer {
	return BestBidOffer{
		Coin: in.Coin,
		Time: time.UnixMilli(in.Time),
		Bid:  Level{Price: in.Bbo[0].Px, Size: in.Bbo[0].Sz},
		Ask:  Level{Price: in.Bbo[1].Px, Size: in.Bbo[1].Sz},
	}
}

// Ticker renders the quote under the catalog symbol.
func (b BestBidOffer) Ticker(symbol string) arbiter.Ticker {
	return arbiter.Ticker{
		Symbol: symbol,
		Bid:    decimal.NewFromFloat(b.Bid.Price),
		Ask:    decimal.NewFromFloat(b.Ask.Price),
		Time:   b.Time,
	}
}
