package rules

import "github.com/opensource-finance/sentinel/internal/domain"

// SuspiciousMerchantCategories are merchant categories treated as high risk.
var SuspiciousMerchantCategories = []any{
	"cryptocurrency_exchange",
	"online_gambling",
	"adult_entertainment",
	"prepaid_cards",
	"money_transfer_unlicensed",
}

// DefaultRules returns the rule set seeded into an empty repository.
func DefaultRules() []*domain.Rule {
	return []*domain.Rule{
		{
			ID:          "RULE_HIGH_AMOUNT",
			Code:        "RULE_HIGH_AMOUNT",
			Name:        "High Amount",
			Description: "Transaction amount exceeds R50,000",
			Condition:   domain.Leaf("amount_zar", "gt", 50000),
			Weight:      0.25,
			Priority:    10,
			Active:      true,
		},
		{
			ID:          "RULE_CRITICAL_AMOUNT",
			Code:        "RULE_CRITICAL_AMOUNT",
			Name:        "Critical Amount",
			Description: "Transaction amount exceeds R200,000",
			Condition:   domain.Leaf("amount_zar", "gt", 200000),
			Weight:      0.45,
			Priority:    5,
			Active:      true,
		},
		{
			ID:          "RULE_SUSPICIOUS_MERCHANT",
			Code:        "RULE_SUSPICIOUS_MERCHANT",
			Name:        "Suspicious Merchant Category",
			Description: "Merchant category is on the high-risk list",
			Condition:   domain.Leaf("merchant_category", "in", SuspiciousMerchantCategories),
			Weight:      0.20,
			Priority:    20,
			Active:      true,
		},
		{
			ID:          "RULE_API_NO_FINGERPRINT",
			Code:        "RULE_API_NO_FINGERPRINT",
			Name:        "API Without Device Fingerprint",
			Description: "API channel transaction carries no device fingerprint",
			Condition: domain.All(
				domain.Leaf("channel", "eq", domain.ChannelAPI),
				domain.Leaf("device_fingerprint", "eq", ""),
			),
			Weight:   0.15,
			Priority: 30,
			Active:   true,
		},
		{
			ID:          "RULE_FOREIGN_IP_FLAG",
			Code:        "RULE_FOREIGN_IP_FLAG",
			Name:        "Flagged IP Country",
			Description: "Originating IP country is flagged",
			Condition:   domain.Leaf("metadata.ip_country_flagged", "eq", "true"),
			Weight:      0.18,
			Priority:    40,
			Active:      true,
		},
		{
			ID:          "RULE_REPEAT_RECEIVER",
			Code:        "RULE_REPEAT_RECEIVER",
			Name:        "Repeat Receiver",
			Description: "Receiver already paid repeatedly in a short span",
			Condition:   domain.Leaf("metadata.repeat_receiver", "eq", "true"),
			Weight:      0.15,
			Priority:    50,
			Active:      true,
		},
		{
			ID:          "RULE_ZERO_AMOUNT",
			Code:        "RULE_ZERO_AMOUNT",
			Name:        "Zero Amount Probe",
			Description: "Zero-value transaction, often used to probe accounts",
			Condition:   domain.Leaf("amount_zar", "lte", 0),
			Weight:      0.30,
			Priority:    60,
			Active:      true,
		},
	}
}
