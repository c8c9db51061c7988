package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"the-relay/internal/core"
	"the-relay/internal/poller"
)

// Overview returns the feature summary
func (f *Feature) Overview(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, f.overview())
}

// Convert answers ?amount=25&from=usd&to=eur or ?q=25+usd+to+eur. The
// target falls back to the stored default.
func (f *Feature) Convert(w http.ResponseWriter, r *http.Request) {
	query, err := f.parseConvertRequest(r)
	if err != nil {
		core.HandleError(w, err)
		return
	}

	rates, err := f.currentRates(r.Context())
	if err != nil {
		core.HandleError(w, err)
		return
	}

	conversion, err := rates.Convert(query.Amount, query.From, query.To)
	if err != nil {
		core.HandleError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, conversion)
}

func (f *Feature) parseConvertRequest(r *http.Request) (Query, error) {
	values := r.URL.Query()
	if q := values.Get("q"); q != "" {
		return ParseQuery(q, f.defaultCurrency())
	}

	amount := strings.TrimSpace(values.Get("amount"))
	from := strings.TrimSpace(values.Get("from"))
	if amount == "" || from == "" {
		return Query{}, core.NewValidationError("amount and from are required", nil)
	}
	if _, err := strconv.ParseFloat(amount, 64); err != nil {
		return Query{}, core.NewValidationError("Invalid value.", err)
	}
	return ParseQuery(strings.Join([]string{amount, from, values.Get("to")}, " "), f.defaultCurrency())
}

// Refresh updates the exchange rates now. Concurrent callers share one fetch.
func (f *Feature) Refresh(w http.ResponseWriter, r *http.Request) {
	out, err := f.scheduler.Refresh(r.Context())
	if err != nil {
		f.Logger().Error("Failed to update exchange rates", "error", err)
		core.HandleError(w, refreshError(err))
		return
	}

	response := map[string]any{
		"success": true,
		"message": "Successfully updated exchange rate.",
		"changed": out.Changed,
	}
	if out.State != nil {
		response["date"] = out.State.Date
	}
	core.WriteJSON(w, http.StatusOK, response)
}

// Toggle switches the daily refresh on or off
func (f *Feature) Toggle(w http.ResponseWriter, r *http.Request) {
	enabled, err := f.scheduler.Toggle(r.Context())
	if err != nil {
		core.HandleError(w, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": enabled})
}

// SetDefault stores the default "to" currency. Body: {"currency": "EUR"}
func (f *Feature) SetDefault(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		core.HandleError(w, core.NewValidationError("Invalid request body", err))
		return
	}

	code := strings.ToUpper(strings.TrimSpace(body.Currency))
	if code == "" {
		core.HandleError(w, core.NewValidationError("currency is required", nil))
		return
	}

	rates, err := f.currentRates(r.Context())
	if err != nil {
		core.HandleError(w, err)
		return
	}
	if !rates.Has(code) {
		core.HandleError(w, core.NewValidationError(fmt.Sprintf("Currency `%s` is unavailable.", code), nil))
		return
	}

	f.bucket.Set(KeyDefault, code)
	if err := f.bucket.Save(); err != nil {
		core.HandleError(w, err)
		return
	}

	core.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Successfully updated default currency to `%s`.", code),
	})
}

// Source names the exchange rate provider
func (f *Feature) Source(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Exchange rate provided by %s.", f.config.Source),
		"source":  f.config.Source,
	})
}

// currentRates returns the board's table, refreshing first when it is empty
func (f *Feature) currentRates(ctx context.Context) (*Rates, error) {
	if rates := f.board.Current(); rates != nil {
		return rates, nil
	}

	if _, err := f.scheduler.Refresh(ctx); err != nil {
		f.Logger().Error("Failed to update exchange rates", "error", err)
		return nil, refreshError(err)
	}
	rates := f.board.Current()
	if rates == nil {
		return nil, core.NewFetchError("Exchange rates are unavailable", nil)
	}
	return rates, nil
}

func refreshError(err error) error {
	if errors.Is(err, poller.ErrDisabled) || errors.Is(err, poller.ErrStopped) {
		return core.NewConflictError("Exchange rate updates are disabled", err)
	}
	return err
}
