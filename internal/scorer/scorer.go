// Package scorer is C4: the client to the external ML scoring service. A
// call here runs in the same deadline-bound fan-out as the rules evaluator
// (§4.2 step 4); its own timeout is deliberately shorter than that fan-out
// deadline so a slow model never becomes the reason the whole decision
// blows its budget. A circuit breaker (mirroring the teacher's own
// pkg/circuit usage in its gateway) stops hammering a scorer that is
// already failing.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fraudshield/decisionengine/internal/domain"
	"github.com/fraudshield/decisionengine/pkg/circuit"
	"github.com/fraudshield/decisionengine/pkg/money"
)

// Output is the scorer's verdict for one transaction (§4.3 ml.score /
// ml.model_version). Absent is true when scoring could not be completed —
// timeout, transport error, or an open circuit — in which case fusion must
// not treat Score as a real signal.
type Output struct {
	Score        float64
	ModelVersion string
	Absent       bool
	Reason       string // "ml_timeout", "ml_error", "ml_circuit_open", ""
}

// Client calls the external scoring service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *circuit.Breaker
	timeout    time.Duration
}

// New creates a Client. timeout bounds a single scoring call; it should be
// comfortably inside the orchestrator's fan-out deadline (§6 default 30ms
// against an 80ms fan-out).
func New(baseURL string, timeout time.Duration, breakerCfg circuit.Config) *Client {
	breakerCfg.Name = "ml_scorer"
	return &Client{
		httpClient: &http.Client{Timeout: timeout + 10*time.Millisecond},
		baseURL:    baseURL,
		breaker:    circuit.NewBreaker(breakerCfg),
		timeout:    timeout,
	}
}

// featureVector is the wire payload sent to the scoring service: a
// deterministic projection of the transaction, never the raw event.
type featureVector struct {
	Amount          float64 `json:"amount"`
	AmountBucket    string  `json:"amount_bucket"`
	Currency        string  `json:"currency"`
	Hour            int     `json:"hour"`
	DayOfWeek       int     `json:"day_of_week"`
	MerchantMCC     string  `json:"merchant_mcc"`
	MerchantCountry string  `json:"merchant_country"`
	CardType        string  `json:"card_type"`
	Channel         string  `json:"channel"`
	AuthMethod      string  `json:"auth_method"`
	International   bool    `json:"international"`
	IsNight         bool    `json:"is_night"`
	IsWeekend       bool    `json:"is_weekend"`
	HasInitial2FA   bool    `json:"has_initial_2fa"`
}

// ProjectFeatures builds the deterministic feature vector for ev. It is a
// pure function of the event so the same transaction always yields the
// same request body, which keeps scoring reproducible for replay/debugging.
func ProjectFeatures(ev domain.TransactionEvent) featureVector {
	amt, err := money.New(ev.Amount, ev.Currency)
	bucket := "unknown"
	if err == nil {
		bucket = amt.Bucket()
	}

	hour := ev.Timestamp.UTC().Hour()
	weekday := ev.Timestamp.UTC().Weekday()

	international := ev.Context.Geo != "" && ev.Merchant.Country != "" && ev.Context.Geo != ev.Merchant.Country

	return featureVector{
		Amount:          ev.Amount.InexactFloat64(),
		AmountBucket:    bucket,
		Currency:        ev.Currency,
		Hour:            hour,
		DayOfWeek:       int(weekday),
		MerchantMCC:     ev.Merchant.MCC,
		MerchantCountry: ev.Merchant.Country,
		CardType:        string(ev.Card.Type),
		Channel:         string(ev.Context.Channel),
		AuthMethod:      string(ev.Security.AuthMethod),
		International:   international,
		IsNight:         hour < 6 || hour >= 22,
		IsWeekend:       weekday == time.Saturday || weekday == time.Sunday,
		HasInitial2FA:   ev.HasInitial2FA,
	}
}

type scoreResponse struct {
	Score        float64 `json:"score"`
	ModelVersion string  `json:"model_version"`
}

// Score requests a fraud probability for ev. ctx carries the caller's
// deadline; Score additionally enforces its own (shorter) timeout so a
// hanging scorer can't consume the whole fan-out budget.
func (c *Client) Score(ctx context.Context, ev domain.TransactionEvent) Output {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out Output
	err := c.breaker.Execute(ctx, func() error {
		result, err := c.call(ctx, ev)
		if err != nil {
			return err
		}
		out = result
		return nil
	})

	if err == circuit.ErrCircuitOpen {
		return Output{Absent: true, Reason: "ml_circuit_open"}
	}
	if err != nil {
		if ctx.Err() != nil {
			return Output{Absent: true, Reason: "ml_timeout"}
		}
		return Output{Absent: true, Reason: "ml_error"}
	}
	return out
}

func (c *Client) call(ctx context.Context, ev domain.TransactionEvent) (Output, error) {
	body, err := json.Marshal(ProjectFeatures(ev))
	if err != nil {
		return Output{}, fmt.Errorf("scorer: marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("scorer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("scorer: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Output{}, fmt.Errorf("scorer: unexpected status %d", resp.StatusCode)
	}

	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Output{}, fmt.Errorf("scorer: decode response: %w", err)
	}

	return Output{Score: sr.Score, ModelVersion: sr.ModelVersion}, nil
}

// Ready reports whether the breaker is currently allowing calls through.
func (c *Client) Ready() bool { return !c.breaker.IsOpen() }
