package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"the-relay/internal/clock"
	"the-relay/internal/core"
)

// Rates is one exchange rate table, quoted against Base
type Rates struct {
	Base      string             `json:"base"`
	Date      string             `json:"date"`
	Rates     map[string]float64 `json:"rates"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// SameRates compares tables by base and publication date
func SameRates(a, b Rates) bool {
	return a.Base == b.Base && a.Date == b.Date
}

// Has reports whether code can be converted from or to
func (r *Rates) Has(code string) bool {
	if code == r.Base {
		return true
	}
	return usableRate(r.Rates[code])
}

func usableRate(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// Client downloads the latest rate table
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	clock    clock.Clock
}

func NewClient(cfg core.CurrencyConfig, clk clock.Clock) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
		clock:    clk,
	}
}

// Fetch returns the current rate table
func (c *Client) Fetch(ctx context.Context) (*Rates, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, core.NewFetchError("rate limiter wait cancelled", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, core.NewFetchError("failed to build exchange rate request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.NewFetchError("exchange rate request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, core.NewFetchError(fmt.Sprintf("exchange rate provider returned status %d", resp.StatusCode), nil)
	}

	var rates Rates
	if err := json.NewDecoder(resp.Body).Decode(&rates); err != nil {
		return nil, core.NewFetchError("failed to decode exchange rates", err)
	}
	for code, value := range rates.Rates {
		if !usableRate(value) {
			delete(rates.Rates, code)
		}
	}
	if rates.Base == "" || len(rates.Rates) == 0 {
		return nil, core.NewFetchError("exchange rate response has no rates", nil)
	}

	rates.Base = strings.ToUpper(rates.Base)
	rates.FetchedAt = c.clock.Now()
	return &rates, nil
}

var cet = time.FixedZone("UTC+1", 60*60)

// NextRefreshDelay waits until 17:00 UTC+1 on the following day. The
// provider publishes new rates around 16:00 CET.
func NextRefreshDelay(now time.Time, _ time.Duration) time.Duration {
	local := now.In(cet)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 17, 0, 0, 0, cet)
	return next.Sub(now)
}

// Board holds the rate table conversions are answered from
type Board struct {
	mu    sync.RWMutex
	rates *Rates
}

// Publish replaces the table. nil empties the board.
func (b *Board) Publish(ctx context.Context, rates *Rates) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rates = rates
	return nil
}

// Current returns the table, nil before the first fetch
func (b *Board) Current() *Rates {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rates
}

// Conversion is the answer to one conversion request
type Conversion struct {
	Amount  float64 `json:"amount"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Result  float64 `json:"result"`
	Display string  `json:"display"`
	Date    string  `json:"date"`
}

// Convert converts amount between two currencies through the table's base
func (r *Rates) Convert(amount float64, from, to string) (Conversion, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Conversion{}, core.NewValidationError("Invalid value.", nil)
	}
	for _, code := range []string{from, to} {
		if !r.Has(code) {
			return Conversion{}, core.NewValidationError(fmt.Sprintf("Currency `%s` is unavailable.", code), nil)
		}
	}

	sum := amount
	if from != r.Base {
		sum /= r.Rates[from]
	}
	if to != r.Base {
		sum *= r.Rates[to]
	}

	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return Conversion{}, core.NewValidationError("Amount is out of range.", nil)
	}

	amount = round2(amount)
	sum = round2(sum)
	return Conversion{
		Amount:  amount,
		From:    from,
		To:      to,
		Result:  sum,
		Display: fmt.Sprintf("%s %s = %s %s", humanize.CommafWithDigits(amount, 2), from, humanize.CommafWithDigits(sum, 2), to),
		Date:    r.Date,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Query is a parsed conversion request
type Query struct {
	Amount float64
	From   string
	To     string
}

// ParseQuery reads "<amount> <from> [to] [<to>]", e.g. "50 usd to eur".
// An empty target falls back to fallback.
func ParseQuery(input, fallback string) (Query, error) {
	fields := strings.Fields(strings.ToUpper(input))
	if len(fields) < 2 {
		return Query{}, core.NewValidationError("Usage: <amount> <from> [to] [<to>]", nil)
	}

	amount, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Query{}, core.NewValidationError("Invalid value.", err)
	}

	query := Query{Amount: amount, From: fields[1]}
	if len(fields) > 2 {
		query.To = fields[2]
		if query.To == "TO" {
			query.To = ""
			if len(fields) > 3 {
				query.To = fields[3]
			}
		}
	}
	if query.To == "" {
		query.To = strings.ToUpper(fallback)
	}
	if query.To == "" {
		return Query{}, core.NewValidationError(`Missing "to" currency.`, nil)
	}
	return query, nil
}
