package rules

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/sentinel/internal/domain"
)

type fieldAccessor func(tx *domain.Transaction) any

// fieldAccessors maps rule field names to transaction attributes.
var fieldAccessors = map[string]fieldAccessor{
	"amount":             func(tx *domain.Transaction) any { return tx.Amount },
	"amount_zar":         func(tx *domain.Transaction) any { return tx.Amount },
	"currency":           func(tx *domain.Transaction) any { return tx.Currency },
	"channel":            func(tx *domain.Transaction) any { return tx.Channel },
	"merchant_category":  func(tx *domain.Transaction) any { return tx.MerchantCategory },
	"sender_id":          func(tx *domain.Transaction) any { return tx.SenderID },
	"receiver_id":        func(tx *domain.Transaction) any { return tx.ReceiverID },
	"device_fingerprint": func(tx *domain.Transaction) any { return tx.DeviceFingerprint },
	"ip_address":         func(tx *domain.Transaction) any { return tx.IPAddress },
	"hour_of_day":        func(tx *domain.Transaction) any { return tx.Timestamp.UTC().Hour() },
}

const metadataPrefix = "metadata."

// ResolveField returns the named field of tx and whether it exists.
// Dotted metadata paths ("metadata.device.os") walk nested maps.
func ResolveField(tx *domain.Transaction, name string) (any, bool) {
	if acc, ok := fieldAccessors[name]; ok {
		return acc(tx), true
	}
	path, ok := strings.CutPrefix(name, metadataPrefix)
	if !ok || path == "" {
		return nil, false
	}
	return lookupPath(tx.Metadata, strings.Split(path, "."))
}

func lookupPath(m map[string]any, keys []string) (any, bool) {
	var cur any = m
	for _, key := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// celVariables declares the field table to the CEL environment.
func celVariables() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("amount_zar", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("sender_id", cel.StringType),
		cel.Variable("receiver_id", cel.StringType),
		cel.Variable("device_fingerprint", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	}
}

// activation binds the field table for one transaction.
func activation(tx *domain.Transaction) map[string]any {
	amount := tx.Amount.InexactFloat64()
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"amount":             amount,
		"amount_zar":         amount,
		"currency":           tx.Currency,
		"channel":            tx.Channel,
		"merchant_category":  tx.MerchantCategory,
		"sender_id":          tx.SenderID,
		"receiver_id":        tx.ReceiverID,
		"device_fingerprint": tx.DeviceFingerprint,
		"ip_address":         tx.IPAddress,
		"hour_of_day":        int64(tx.Timestamp.UTC().Hour()),
		"metadata":           metadata,
	}
}
