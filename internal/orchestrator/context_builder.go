package orchestrator

import (
	"context"
	"strings"

	"github.com/fraudshield/decisionengine/internal/domain"
	"github.com/fraudshield/decisionengine/internal/rules"
)

// buildEvaluationContext flattens ev into the field namespace rule
// conditions are written against. Field names are the contract with rule
// authors: adding a field here is how a new piece of the transaction
// becomes addressable from the DSL.
func (e *Engine) buildEvaluationContext(ctx context.Context, ev domain.TransactionEvent) rules.EvaluationContext {
	fields := map[string]rules.Value{
		"amount":           rules.NewNumValue(ev.Amount.InexactFloat64()),
		"currency":         rules.NewStrValue(ev.Currency),
		"merchant_id":      rules.NewStrValue(ev.Merchant.ID),
		"merchant_mcc":     rules.NewStrValue(ev.Merchant.MCC),
		"merchant_country": rules.NewStrValue(ev.Merchant.Country),
		"card_id":          rules.NewStrValue(ev.Card.CardID),
		"user_id":          rules.NewStrValue(ev.Card.UserID),
		"card_type":        rules.NewStrValue(string(ev.Card.Type)),
		"channel":          rules.NewStrValue(string(ev.Context.Channel)),
		"ip":               rules.NewStrValue(ev.Context.IP),
		"device_id":        rules.NewStrValue(ev.Context.DeviceID),
		"geo":              rules.NewStrValue(ev.Context.Geo),
		"auth_method":      rules.NewStrValue(string(ev.Security.AuthMethod)),
		"aml_flag":         rules.NewBoolValue(ev.Security.AMLFlag),
		"has_initial_2fa":  rules.NewBoolValue(ev.HasInitial2FA),
	}

	// count_by_device is recorded per device (see recordVelocity); every
	// other velocity field is recorded per card.
	cardVelocity := e.velocity.Func(ev.Card.CardID)
	deviceVelocity := e.velocity.Func(ev.Context.DeviceID)
	velocityFn := func(ctx context.Context, key string) (float64, bool, bool) {
		if strings.HasSuffix(key, ":count_by_device") {
			return deviceVelocity(ctx, key)
		}
		return cardVelocity(ctx, key)
	}
	memberFn := func(ctx context.Context, listName, value string) (bool, bool) {
		return e.lists.Member(ctx, listName, value)
	}

	return rules.NewEvaluationContext(ctx, fields, velocityFn, memberFn)
}
