package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"shipping-service/internal/models"
)

// Gateway is the narrow surface the rest of the service uses to talk to a
// carrier aggregator. Implementations never retry.
type Gateway interface {
	Name() string
	ValidateAddress(ctx context.Context, addr models.Address) (*AddressValidation, error)
	GetRates(ctx context.Context, from, to models.Address, parcels []models.Parcel) ([]Rate, error)
	CreateShipment(ctx context.Context, req ShipmentRequest) (*Label, error)
	GetTrackingInfo(ctx context.Context, trackingNumber, carrier string) (*models.TrackingSnapshot, error)
	CancelShipment(ctx context.Context, externalID string) (bool, error)
}

// WebhookParser decodes inbound tracking webhooks of a provider
type WebhookParser interface {
	ParseTrackingWebhook(body []byte) (*models.TrackingSnapshot, error)
}

// AddressValidation is the outcome of an address check
type AddressValidation struct {
	Valid      bool            `json:"valid"`
	Normalized *models.Address `json:"normalized,omitempty"`
	Messages   []string        `json:"messages,omitempty"`
}

// Rate is a live quote from a carrier
type Rate struct {
	ID            string `json:"id"`
	Carrier       string `json:"carrier"`
	ServiceCode   string `json:"service_code"`
	ServiceName   string `json:"service_name"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	EstimatedDays int    `json:"estimated_days,omitempty"`
}

// ShipmentRequest describes a label purchase
type ShipmentRequest struct {
	From              models.Address
	To                models.Address
	Parcels           []models.Parcel
	Carrier           string
	ServiceCode       string
	AllowRateFallback bool
	Reference         string
}

// Label is the result of a successful label purchase
type Label struct {
	ExternalID        string          `json:"external_id"`
	CarrierShipmentID string          `json:"carrier_shipment_id"`
	TrackingNumber    string          `json:"tracking_number"`
	LabelURL          string          `json:"label_url"`
	TrackingURL       string          `json:"tracking_url"`
	Rate              Rate            `json:"rate"`
	UsedRateFallback  bool            `json:"used_rate_fallback"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// trackingStatusTable maps the aggregator's status vocabulary onto ours
var trackingStatusTable = map[string]string{
	"UNKNOWN":     models.TrackingStatusPending,
	"PRE_TRANSIT": models.TrackingStatusProcessing,
	"TRANSIT":     models.TrackingStatusInTransit,
	"DELIVERED":   models.TrackingStatusDelivered,
	"RETURNED":    models.TrackingStatusReturned,
	"FAILURE":     models.TrackingStatusFailed,
	"EXCEPTION":   models.TrackingStatusException,
}

// MapTrackingStatus converts an external status; unrecognised values map to unknown
func MapTrackingStatus(raw string) string {
	if status, ok := trackingStatusTable[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return status
	}
	return models.TrackingStatusUnknown
}

// SelectRate picks the quote matching carrier and service exactly. When none
// matches and fallback is allowed the first quote is used.
func SelectRate(rates []Rate, carrier, serviceCode string, allowFallback bool) (Rate, bool, error) {
	if len(rates) == 0 {
		return Rate{}, false, ErrNoMatchingRate
	}

	for _, r := range rates {
		if sameIdentifier(r.Carrier, carrier) && sameIdentifier(r.ServiceCode, serviceCode) {
			return r, false, nil
		}
	}

	if !allowFallback {
		return Rate{}, false, fmt.Errorf("%w: carrier=%s service=%s among %d quotes", ErrNoMatchingRate, carrier, serviceCode, len(rates))
	}
	return rates[0], true, nil
}

func sameIdentifier(a, b string) bool {
	normalize := func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
	}
	return normalize(a) == normalize(b)
}

// ErrorKind classifies gateway failures
type ErrorKind string

const (
	KindConfig      ErrorKind = "config"
	KindUnavailable ErrorKind = "unavailable"
	KindRejected    ErrorKind = "rejected"
	KindNoRate      ErrorKind = "no_rate"
)

// ErrNoMatchingRate is returned when no quote can be used for a label
var ErrNoMatchingRate = errors.New("no matching carrier rate")

// Error is returned by every gateway operation that fails
type Error struct {
	Op         string
	Carrier    string
	Kind       ErrorKind
	StatusCode int
	Messages   []string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("carrier %s %s failed (%s)", e.Carrier, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if len(e.Messages) > 0 {
		msg += ": " + strings.Join(e.Messages, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call later may succeed
func (e *Error) Retryable() bool {
	return e.Kind == KindUnavailable
}

// KindOf returns the kind of a gateway error, or "" for other errors
func KindOf(err error) ErrorKind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return ""
}
