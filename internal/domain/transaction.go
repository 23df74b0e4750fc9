package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents a single money movement submitted for scoring.
// The engine never mutates it.
type Transaction struct {
	// Core identifiers
	ID         string `json:"id"`
	ExternalID string `json:"externalId,omitempty"`

	// Parties involved
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`

	// Financial details, amount expressed in the currency unit (ZAR by default)
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// Channel is one of "api", "mobile_banking", "pos", "ussd" (others are accepted)
	Channel          string `json:"channel"`
	MerchantCategory string `json:"merchantCategory,omitempty"`

	// Device context
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	IPAddress         string `json:"ipAddress,omitempty"`

	// Temporal, supplied by the caller
	Timestamp time.Time `json:"timestamp"`

	// Optional metadata, addressable from rules as metadata.<key>
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TransactionRequest is the API request payload for transaction ingestion.
type TransactionRequest struct {
	ExternalID        string          `json:"externalId,omitempty"`
	SenderID          string          `json:"senderId"`
	ReceiverID        string          `json:"receiverId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	Channel           string          `json:"channel"`
	MerchantCategory  string          `json:"merchantCategory,omitempty"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
	IPAddress         string          `json:"ipAddress,omitempty"`
	Timestamp         *time.Time      `json:"timestamp,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
}

// DefaultCurrency is used when a request omits the currency.
const DefaultCurrency = "ZAR"

// Known channels.
const (
	ChannelAPI           = "api"
	ChannelMobileBanking = "mobile_banking"
	ChannelPOS           = "pos"
	ChannelUSSD          = "ussd"
)

// ToTransaction converts a request to a Transaction domain object.
// A missing timestamp is stamped with now.
func (r *TransactionRequest) ToTransaction(now time.Time) *Transaction {
	ts := now.UTC()
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		ts = r.Timestamp.UTC()
	}
	currency := strings.ToUpper(r.Currency)
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Transaction{
		ExternalID:        r.ExternalID,
		SenderID:          r.SenderID,
		ReceiverID:        r.ReceiverID,
		Amount:            r.Amount,
		Currency:          currency,
		Channel:           r.Channel,
		MerchantCategory:  r.MerchantCategory,
		DeviceFingerprint: r.DeviceFingerprint,
		IPAddress:         r.IPAddress,
		Timestamp:         ts,
		Metadata:          r.Metadata,
	}
}

// MaxAmount is the largest amount accepted for a single transaction.
// Larger values overflow the per-sender running statistics.
var MaxAmount = decimal.New(1, 15)

// Validate checks the fields every scoring path relies on.
func (t *Transaction) Validate() error {
	if t.SenderID == "" {
		return fmt.Errorf("%w: senderId is required", ErrInvalidTransaction)
	}
	if t.ReceiverID == "" {
		return fmt.Errorf("%w: receiverId is required", ErrInvalidTransaction)
	}
	if t.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidTransaction)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidTransaction)
	}
	if t.Amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: amount must not exceed %s", ErrInvalidTransaction, MaxAmount.String())
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidTransaction)
	}
	return nil
}

// TransactionMessage is the bus payload for asynchronous ingestion.
type TransactionMessage struct {
	Transaction *Transaction `json:"transaction"`
	TraceID     string       `json:"traceId,omitempty"`
}
