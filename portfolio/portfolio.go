// Package portfolio tracks cash and stock positions with exact decimal
// arithmetic. Prices come from an injected quote function so the package
// stays independent of any market data provider.
package portfolio

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a buy costs more than the cash balance.
	ErrInsufficientFunds = errors.New("portfolio: insufficient cash balance")

	// ErrUnknownHolding is returned when selling a symbol the portfolio does not own.
	ErrUnknownHolding = errors.New("portfolio: symbol not held")

	// ErrOversell is returned when selling more shares than are owned.
	ErrOversell = errors.New("portfolio: cannot sell more shares than owned")
)

// QuoteFunc returns the current price per share for a ticker. A failed quote
// makes the caller fall back to the position's average price.
type QuoteFunc func(symbol string) (decimal.Decimal, error)

// Holding is one stock position.
type Holding struct {
	Symbol       string
	Quantity     decimal.Decimal
	AveragePrice decimal.Decimal
	CurrentPrice decimal.Decimal
	LastUpdated  time.Time
}

// HoldingReport is a holding with its derived metrics, as served to clients.
type HoldingReport struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"`
	Weight       decimal.Decimal `json:"weight"`
	LastUpdated  time.Time       `json:"last_updated"`
}

// Performance summarizes the whole portfolio against its initial balance.
type Performance struct {
	CashBalance   decimal.Decimal `json:"cash_balance"`
	InvestedValue decimal.Decimal `json:"invested_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	PnLPercent    decimal.Decimal `json:"pnl_percent"`
	HoldingsCount int             `json:"holdings_count"`
}

// Portfolio tracks cash and holdings. All mutation goes through the lock;
// amounts are decimals throughout so repeated buys and sells never drift.
type Portfolio struct {
	quote QuoteFunc

	mu       sync.Mutex
	cash     decimal.Decimal
	initial  decimal.Decimal
	holdings map[string]*Holding
}

// New creates a portfolio holding only cash.
func New(initialCash decimal.Decimal, quote QuoteFunc) *Portfolio {
	log.Printf("portfolio: initialized with %s", usd(initialCash))
	return &Portfolio{
		quote:    quote,
		cash:     initialCash,
		initial:  initialCash,
		holdings: make(map[string]*Holding),
	}
}

// Buy purchases quantity shares at price, blending into any existing
// position at a volume-weighted average price.
func (p *Portfolio) Buy(symbol string, quantity, price decimal.Decimal) error {
	if !quantity.IsPositive() || !price.IsPositive() {
		return fmt.Errorf("portfolio: quantity and price must be positive")
	}
	symbol = strings.ToUpper(symbol)
	cost := quantity.Mul(price)

	p.mu.Lock()
	defer p.mu.Unlock()

	if cost.GreaterThan(p.cash) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, usd(cost), usd(p.cash))
	}

	if h, ok := p.holdings[symbol]; ok {
		newQty := h.Quantity.Add(quantity)
		h.AveragePrice = h.AveragePrice.Mul(h.Quantity).Add(price.Mul(quantity)).Div(newQty)
		h.Quantity = newQty
	} else {
		p.holdings[symbol] = &Holding{
			Symbol:       symbol,
			Quantity:     quantity,
			AveragePrice: price,
			CurrentPrice: price,
			LastUpdated:  time.Now(),
		}
	}
	p.cash = p.cash.Sub(cost)

	log.Printf("portfolio: bought %s %s @ %s, cash %s", quantity, symbol, usd(price), usd(p.cash))
	return nil
}

// Sell disposes of quantity shares at the current market price. A nil
// quantity closes the whole position. It returns the proceeds.
func (p *Portfolio) Sell(symbol string, quantity *decimal.Decimal) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)

	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.holdings[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownHolding, symbol)
	}
	p.refreshPrice(h)

	sellQty := h.Quantity
	if quantity != nil {
		sellQty = *quantity
	}
	if !sellQty.IsPositive() {
		return decimal.Zero, fmt.Errorf("portfolio: sell quantity must be positive")
	}
	if sellQty.GreaterThan(h.Quantity) {
		return decimal.Zero, fmt.Errorf("%w: own %s shares of %s", ErrOversell, h.Quantity, symbol)
	}

	proceeds := sellQty.Mul(h.CurrentPrice)
	p.cash = p.cash.Add(proceeds)

	if sellQty.Equal(h.Quantity) {
		delete(p.holdings, symbol)
		log.Printf("portfolio: closed %s, proceeds %s, cash %s", symbol, usd(proceeds), usd(p.cash))
	} else {
		h.Quantity = h.Quantity.Sub(sellQty)
		log.Printf("portfolio: sold %s %s, %s remaining, cash %s", sellQty, symbol, h.Quantity, usd(p.cash))
	}
	return proceeds, nil
}

// refreshPrice fetches the latest quote, falling back to the average price
// when the provider has nothing for the symbol. Called with the lock held.
func (p *Portfolio) refreshPrice(h *Holding) {
	if p.quote == nil {
		h.CurrentPrice = h.AveragePrice
		h.LastUpdated = time.Now()
		return
	}
	price, err := p.quote(h.Symbol)
	if err != nil {
		log.Printf("portfolio: quote %s: %v (using average price)", h.Symbol, err)
		h.CurrentPrice = h.AveragePrice
	} else {
		h.CurrentPrice = price
	}
	h.LastUpdated = time.Now()
}

// Holdings refreshes prices and returns every position with derived metrics,
// sorted by symbol.
func (p *Portfolio) Holdings() []HoldingReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	invested := decimal.Zero
	for _, h := range p.holdings {
		p.refreshPrice(h)
		invested = invested.Add(h.Quantity.Mul(h.CurrentPrice))
	}

	reports := make([]HoldingReport, 0, len(p.holdings))
	for _, h := range p.holdings {
		market := h.Quantity.Mul(h.CurrentPrice)
		basis := h.Quantity.Mul(h.AveragePrice)
		pnl := market.Sub(basis)

		pnlPct := decimal.Zero
		if basis.IsPositive() {
			pnlPct = pnl.Div(basis).Mul(decimal.NewFromInt(100))
		}
		weight := decimal.Zero
		if invested.IsPositive() {
			weight = market.Div(invested).Mul(decimal.NewFromInt(100))
		}

		reports = append(reports, HoldingReport{
			Symbol:       h.Symbol,
			Quantity:     h.Quantity,
			AveragePrice: h.AveragePrice.Round(2),
			CurrentPrice: h.CurrentPrice.Round(2),
			MarketValue:  market.Round(2),
			PnL:          pnl.Round(2),
			PnLPercent:   pnlPct.Round(2),
			Weight:       weight.Round(2),
			LastUpdated:  h.LastUpdated,
		})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Symbol < reports[j].Symbol })
	return reports
}

// Performance refreshes prices and returns the portfolio-level summary.
func (p *Portfolio) Performance() Performance {
	p.mu.Lock()
	defer p.mu.Unlock()

	invested := decimal.Zero
	for _, h := range p.holdings {
		p.refreshPrice(h)
		invested = invested.Add(h.Quantity.Mul(h.CurrentPrice))
	}

	total := p.cash.Add(invested)
	pnl := total.Sub(p.initial)
	pnlPct := decimal.Zero
	if p.initial.IsPositive() {
		pnlPct = pnl.Div(p.initial).Mul(decimal.NewFromInt(100))
	}

	return Performance{
		CashBalance:   p.cash.Round(2),
		InvestedValue: invested.Round(2),
		TotalValue:    total.Round(2),
		TotalPnL:      pnl.Round(2),
		PnLPercent:    pnlPct.Round(2),
		HoldingsCount: len(p.holdings),
	}
}

// Summary renders a human-readable overview, formatted for chat responses.
func (p *Portfolio) Summary() string {
	perf := p.Performance()
	return fmt.Sprintf(`Portfolio Summary:
- Total Value: %s
- Cash Balance: %s
- Invested: %s
- Holdings: %d
- Total PnL: %s (%s%%)`,
		usd(perf.TotalValue), usd(perf.CashBalance), usd(perf.InvestedValue),
		perf.HoldingsCount, usd(perf.TotalPnL), perf.PnLPercent)
}

// usd formats a decimal dollar amount for display.
func usd(d decimal.Decimal) string {
	cur := money.GetCurrency(money.USD)
	return cur.Formatter().Format(d.Shift(int32(cur.Fraction)).Round(0).IntPart())
}
