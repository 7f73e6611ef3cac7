// Package domain holds the core data model of the decision engine: the
// transaction event the caller submits, the decision the engine produces, and
// the configuration entities (rules, list entries) that shape that decision.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Channel enumerates the transaction context's origin.
type Channel string

const (
	ChannelApp Channel = "app"
	ChannelWeb Channel = "web"
	ChannelPOS Channel = "pos"
	ChannelATM Channel = "atm"
)

// CardType enumerates the physical form of the card used.
type CardType string

const (
	CardPhysical CardType = "physical"
	CardVirtual  CardType = "virtual"
)

// AuthMethod enumerates how the cardholder authenticated.
type AuthMethod string

const (
	Auth3DS       AuthMethod = "3ds"
	AuthPIN       AuthMethod = "pin"
	AuthBiometric AuthMethod = "biometric"
	AuthNFC       AuthMethod = "nfc"
	AuthNone      AuthMethod = "none"
)

// Merchant describes the counterparty of a transaction.
type Merchant struct {
	ID        string   `json:"id"`
	MCC       string   `json:"mcc"`
	Country   string   `json:"country"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"long,omitempty"`
}

// Card describes the payment instrument.
type Card struct {
	CardID string   `json:"card_id"`
	UserID string   `json:"user_id"`
	Type   CardType `json:"type"`
}

// TxContext carries the ambient request context.
type TxContext struct {
	IP        string  `json:"ip,omitempty"`
	Geo       string  `json:"geo,omitempty"`
	DeviceID  string  `json:"device_id,omitempty"`
	Channel   Channel `json:"channel"`
	UserAgent string  `json:"user_agent,omitempty"`
}

// Security carries the authentication/compliance signals for a transaction.
type Security struct {
	AuthMethod AuthMethod `json:"auth_method"`
	AMLFlag    bool       `json:"aml_flag"`
}

// TransactionEvent is the immutable input to the decision engine.
//
// event_id is client-supplied and must be unique within its tenant; duplicate
// submissions carrying the same idempotency_key must resolve to the same
// Decision (see idempotency.Store).
type TransactionEvent struct {
	EventID        string          `json:"event_id"`
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Timestamp      time.Time       `json:"timestamp"`
	Merchant       Merchant        `json:"merchant"`
	Card           Card            `json:"card"`
	Context        TxContext       `json:"context"`
	Security       Security        `json:"security"`
	HasInitial2FA  bool            `json:"has_initial_2fa,omitempty"`
}

// Validate enforces the schema-level invariants from the data model. It never
// reaches into repositories or the network: all checks are local to the
// payload.
func (e TransactionEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if e.Amount.Sign() <= 0 {
		return fmt.Errorf("amount must be > 0")
	}
	if len(e.Currency) != 3 {
		return fmt.Errorf("currency must be an ISO-4217 three-letter code")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if e.Merchant.ID == "" {
		return fmt.Errorf("merchant.id is required")
	}
	if e.Card.CardID == "" || e.Card.UserID == "" {
		return fmt.Errorf("card.card_id and card.user_id are required")
	}
	switch e.Card.Type {
	case CardPhysical, CardVirtual:
	default:
		return fmt.Errorf("card.type must be physical or virtual")
	}
	switch e.Context.Channel {
	case ChannelApp, ChannelWeb, ChannelPOS, ChannelATM:
	default:
		return fmt.Errorf("context.channel must be one of app, web, pos, atm")
	}
	switch e.Security.AuthMethod {
	case Auth3DS, AuthPIN, AuthBiometric, AuthNFC, AuthNone:
	default:
		return fmt.Errorf("security.auth_method must be a recognized value")
	}
	return nil
}

// IdempotencyScope returns the namespacing key used by the idempotency store
// and repository: tenant_id combined with the client-supplied idempotency_key.
func (e TransactionEvent) IdempotencyScope() string {
	return e.TenantID + "\x1f" + e.IdempotencyKey
}
