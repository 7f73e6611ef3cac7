package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func validEvent() TransactionEvent {
	return TransactionEvent{
		EventID:        "evt-1",
		TenantID:       "tenant-1",
		IdempotencyKey: "idem-1",
		Amount:         decimal.NewFromFloat(45.50),
		Currency:       "EUR",
		Timestamp:      time.Now().UTC(),
		Merchant:       Merchant{ID: "merch-1", MCC: "5411", Country: "FR"},
		Card:           Card{CardID: "card-1", UserID: "user-1", Type: CardPhysical},
		Context:        TxContext{Channel: ChannelApp},
		Security:       Security{AuthMethod: AuthPIN},
	}
}

func TestTransactionEvent_ValidateAcceptsWellFormedEvent(t *testing.T) {
	assert.NoError(t, validEvent().Validate())
}

func TestTransactionEvent_ValidateRejectsMissingEventID(t *testing.T) {
	ev := validEvent()
	ev.EventID = ""
	assert.Error(t, ev.Validate())
}

func TestTransactionEvent_ValidateRejectsNonPositiveAmount(t *testing.T) {
	ev := validEvent()
	ev.Amount = decimal.Zero
	assert.Error(t, ev.Validate())

	ev.Amount = decimal.NewFromFloat(-5)
	assert.Error(t, ev.Validate())
}

func TestTransactionEvent_ValidateRejectsBadCurrency(t *testing.T) {
	ev := validEvent()
	ev.Currency = "EU"
	assert.Error(t, ev.Validate())
}

func TestTransactionEvent_ValidateRejectsUnknownChannel(t *testing.T) {
	ev := validEvent()
	ev.Context.Channel = "carrier-pigeon"
	assert.Error(t, ev.Validate())
}

func TestTransactionEvent_ValidateRejectsUnknownAuthMethod(t *testing.T) {
	ev := validEvent()
	ev.Security.AuthMethod = "telepathy"
	assert.Error(t, ev.Validate())
}

func TestTransactionEvent_ValidateRejectsMissingCardFields(t *testing.T) {
	ev := validEvent()
	ev.Card.CardID = ""
	assert.Error(t, ev.Validate())
}

func TestTransactionEvent_IdempotencyScopeIsPerTenant(t *testing.T) {
	a := validEvent()
	b := validEvent()
	b.TenantID = "tenant-2"

	assert.NotEqual(t, a.IdempotencyScope(), b.IdempotencyScope())
	assert.Equal(t, a.IdempotencyScope(), validEvent().IdempotencyScope())
}
