// Package recovery liquidates stranded holdings and reconciles cycles left
// open by a crash.
package recovery

import (
	"container/heap"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/recomma/arbiter/arbiter"
)

type edge struct {
	to      int
	plan    arbiter.LegPlan
	costBps float64
}

// Graph is a currency graph over the tradable markets. Edge cost is the fee
// plus the quoted spread, in basis points.
type Graph struct {
	names []string
	index map[string]int
	adj   [][]edge
}

// NewGraph adds both directions of every market that has a two sided quote
// in tickers.
func NewGraph(markets []arbiter.Market, tickers map[string]arbiter.Ticker) *Graph {
	g := &Graph{index: make(map[string]int)}
	for _, m := range markets {
		t, ok := tickers[m.Symbol]
		if !ok || !t.Bid.IsPositive() || !t.Ask.IsPositive() {
			continue
		}
		cost := m.FeeRate.InexactFloat64()*10_000 + t.SpreadBps()
		base, quote := g.node(m.Base), g.node(m.Quote)

		g.adj[base] = append(g.adj[base], edge{
			to:      quote,
			plan:    arbiter.LegPlan{Market: m, Side: arbiter.SideSell, From: m.Base, To: m.Quote, ExpectedPrice: t.PriceFor(arbiter.SideSell)},
			costBps: cost,
		})
		g.adj[quote] = append(g.adj[quote], edge{
			to:      base,
			plan:    arbiter.LegPlan{Market: m, Side: arbiter.SideBuy, From: m.Quote, To: m.Base, ExpectedPrice: t.PriceFor(arbiter.SideBuy)},
			costBps: cost,
		})
	}
	return g
}

func (g *Graph) node(name string) int {
	if i, ok := g.index[name]; ok {
		return i
	}
	g.index[name] = len(g.names)
	g.names = append(g.names, name)
	g.adj = append(g.adj, nil)
	return len(g.names) - 1
}

// Route finds the path from one currency to the nearest of targets using at
// most maxHops trades. Fewer hops win; among equal hop counts the lowest
// cost wins. An empty route means from is already a target.
func (g *Graph) Route(from string, targets []string, maxHops int) ([]arbiter.LegPlan, error) {
	if slices.Contains(targets, from) {
		return nil, nil
	}
	src, ok := g.index[from]
	if !ok {
		return nil, fmt.Errorf("%w: no quoted market trades %s", arbiter.ErrPanicSellPathNotFound, from)
	}
	goal := make(map[int]bool, len(targets))
	for _, t := range targets {
		if i, ok := g.index[t]; ok {
			goal[i] = true
		}
	}

	best := make([]label, len(g.names))
	for i := range best {
		best[i] = label{hops: -1}
	}
	prev := make([]*edge, len(g.names))
	parent := make([]int, len(g.names))

	best[src] = label{node: src}
	pq := &labelQueue{best[src]}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(label)
		if cur.worse(best[cur.node]) {
			continue
		}
		if goal[cur.node] {
			return g.unwind(src, cur.node, prev, parent), nil
		}
		if cur.hops >= maxHops {
			continue
		}
		for i := range g.adj[cur.node] {
			e := &g.adj[cur.node][i]
			next := label{node: e.to, hops: cur.hops + 1, cost: cur.cost + e.costBps}
			if best[e.to].hops >= 0 && !next.better(best[e.to]) {
				continue
			}
			best[e.to] = next
			prev[e.to] = e
			parent[e.to] = cur.node
			heap.Push(pq, next)
		}
	}

	return nil, fmt.Errorf("%w: %s to any of %v within %d hops", arbiter.ErrPanicSellPathNotFound, from, targets, maxHops)
}

func (g *Graph) unwind(src, dst int, prev []*edge, parent []int) []arbiter.LegPlan {
	var out []arbiter.LegPlan
	for n := dst; n != src; n = parent[n] {
		out = append(out, prev[n].plan)
	}
	slices.Reverse(out)
	return out
}

// Estimate returns what amount of from would become after following route,
// at quoted prices and fees.
func Estimate(route []arbiter.LegPlan, amount decimal.Decimal) decimal.Decimal {
	for _, leg := range route {
		o := leg.Order(amount)
		o.Apply(arbiter.OrderUpdate{Status: arbiter.OrderFilled, FilledAmount: o.Amount})
		amount = o.ReceivedAmount
	}
	return amount
}

type label struct {
	node int
	hops int
	cost float64
}

func (l label) better(o label) bool {
	if l.hops != o.hops {
		return l.hops < o.hops
	}
	return l.cost < o.cost
}

func (l label) worse(o label) bool {
	return o.better(l)
}

type labelQueue []label

func (q labelQueue) Len() int           { return len(q) }
func (q labelQueue) Less(i, j int) bool { return q[i].better(q[j]) }
func (q labelQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *labelQueue) Push(x any)        { *q = append(*q, x.(label)) }
func (q *labelQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
