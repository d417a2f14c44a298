package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"shipping-service/config"
	"shipping-service/internal/models"
	"shipping-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const shippoName = "shippo"

// ShippoGateway talks to the Shippo REST API
type ShippoGateway struct {
	baseURL       string
	token         string
	labelFileType string
	timeout       time.Duration
	client        *http.Client
	logger        *zap.Logger
}

type shippoAddress struct {
	ObjectID          string                   `json:"object_id,omitempty"`
	Name              string                   `json:"name"`
	Company           string                   `json:"company,omitempty"`
	Street1           string                   `json:"street1"`
	Street2           string                   `json:"street2,omitempty"`
	City              string                   `json:"city"`
	State             string                   `json:"state,omitempty"`
	Zip               string                   `json:"zip"`
	Country           string                   `json:"country"`
	Phone             string                   `json:"phone,omitempty"`
	Email             string                   `json:"email,omitempty"`
	Validate          bool                     `json:"validate,omitempty"`
	IsComplete        bool                     `json:"is_complete,omitempty"`
	ValidationResults *shippoValidationResults `json:"validation_results,omitempty"`
}

type shippoValidationResults struct {
	IsValid  bool            `json:"is_valid"`
	Messages []shippoMessage `json:"messages"`
}

type shippoMessage struct {
	Source string `json:"source,omitempty"`
	Code   string `json:"code,omitempty"`
	Type   string `json:"type,omitempty"`
	Text   string `json:"text"`
}

type shippoParcel struct {
	Length       string `json:"length"`
	Width        string `json:"width"`
	Height       string `json:"height"`
	DistanceUnit string `json:"distance_unit"`
	Weight       string `json:"weight"`
	MassUnit     string `json:"mass_unit"`
}

type shippoShipmentRequest struct {
	AddressFrom shippoAddress  `json:"address_from"`
	AddressTo   shippoAddress  `json:"address_to"`
	Parcels     []shippoParcel `json:"parcels"`
	Async       bool           `json:"async"`
	Metadata    string         `json:"metadata,omitempty"`
}

type shippoShipment struct {
	ObjectID string          `json:"object_id"`
	Status   string          `json:"status"`
	Rates    []shippoRate    `json:"rates"`
	Messages []shippoMessage `json:"messages"`
}

type shippoRate struct {
	ObjectID     string `json:"object_id"`
	Provider     string `json:"provider"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Servicelevel struct {
		Name  string `json:"name"`
		Token string `json:"token"`
	} `json:"servicelevel"`
	EstimatedDays int `json:"estimated_days"`
}

type shippoTransactionRequest struct {
	Rate          string `json:"rate"`
	LabelFileType string `json:"label_file_type,omitempty"`
	Async         bool   `json:"async"`
	Metadata      string `json:"metadata,omitempty"`
}

type shippoTransaction struct {
	ObjectID            string          `json:"object_id"`
	Status              string          `json:"status"`
	TrackingNumber      string          `json:"tracking_number"`
	LabelURL            string          `json:"label_url"`
	TrackingURLProvider string          `json:"tracking_url_provider"`
	Messages            []shippoMessage `json:"messages"`
}

type shippoLocation struct {
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

type shippoTrackingStatus struct {
	Status        string          `json:"status"`
	StatusDetails string          `json:"status_details"`
	StatusDate    *time.Time      `json:"status_date"`
	Location      *shippoLocation `json:"location"`
}

type shippoTrack struct {
	Carrier         string                 `json:"carrier"`
	TrackingNumber  string                 `json:"tracking_number"`
	ETA             *time.Time             `json:"eta"`
	TrackingStatus  *shippoTrackingStatus  `json:"tracking_status"`
	TrackingHistory []shippoTrackingStatus `json:"tracking_history"`
}

type shippoWebhook struct {
	Event string      `json:"event"`
	Data  shippoTrack `json:"data"`
}

type shippoRefundRequest struct {
	Transaction string `json:"transaction"`
	Async       bool   `json:"async"`
}

type shippoRefund struct {
	ObjectID string `json:"object_id"`
	Status   string `json:"status"`
}

// NewShippoGateway creates a gateway for the Shippo API
func NewShippoGateway(cfg config.CarrierConfig) (*ShippoGateway, error) {
	if cfg.APIToken == "" {
		return nil, &Error{Op: "configure", Carrier: shippoName, Kind: KindConfig, Err: errors.New("CARRIER_API_TOKEN is not set")}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &ShippoGateway{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.APIToken,
		labelFileType: cfg.LabelFileType,
		timeout:       timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: util.GetLogger(),
	}, nil
}

// Name returns the provider name
func (g *ShippoGateway) Name() string {
	return shippoName
}

// ValidateAddress asks Shippo to validate and normalize an address
func (g *ShippoGateway) ValidateAddress(ctx context.Context, addr models.Address) (*AddressValidation, error) {
	req := toShippoAddress(addr)
	req.Validate = true

	var resp shippoAddress
	if _, err := g.do(ctx, "validate_address", http.MethodPost, "/addresses/", req, &resp); err != nil {
		return nil, err
	}

	result := &AddressValidation{Valid: resp.IsComplete}
	if resp.ValidationResults != nil {
		result.Valid = resp.ValidationResults.IsValid
		for _, m := range resp.ValidationResults.Messages {
			result.Messages = append(result.Messages, m.Text)
		}
	}

	if result.Valid {
		normalized := fromShippoAddress(resp)
		normalized.ID = addr.ID
		result.Normalized = &normalized
	}
	return result, nil
}

// GetRates returns live quotes for the parcels
func (g *ShippoGateway) GetRates(ctx context.Context, from, to models.Address, parcels []models.Parcel) ([]Rate, error) {
	shipment, err := g.createShipment(ctx, "get_rates", from, to, parcels, "")
	if err != nil {
		return nil, err
	}
	return g.convertRates("get_rates", shipment.Rates)
}

// CreateShipment quotes the parcels, selects a rate and purchases its label
func (g *ShippoGateway) CreateShipment(ctx context.Context, req ShipmentRequest) (*Label, error) {
	shipment, err := g.createShipment(ctx, "create_shipment", req.From, req.To, req.Parcels, req.Reference)
	if err != nil {
		return nil, err
	}

	rates, err := g.convertRates("create_shipment", shipment.Rates)
	if err != nil {
		return nil, err
	}

	rate, fallback, err := SelectRate(rates, req.Carrier, req.ServiceCode, req.AllowRateFallback)
	if err != nil {
		return nil, &Error{Op: "create_shipment", Carrier: shippoName, Kind: KindNoRate, Messages: messageTexts(shipment.Messages), Err: err}
	}
	if fallback {
		g.logger.Warn("Requested service not quoted, using first available rate",
			zap.String("carrier", req.Carrier),
			zap.String("service_code", req.ServiceCode),
			zap.String("rate_carrier", rate.Carrier),
			zap.String("rate_service", rate.ServiceCode),
			zap.String("reference", req.Reference))
	}

	txReq := shippoTransactionRequest{
		Rate:          rate.ID,
		LabelFileType: g.labelFileType,
		Async:         false,
		Metadata:      req.Reference,
	}

	var tx shippoTransaction
	raw, err := g.do(ctx, "purchase_label", http.MethodPost, "/transactions/", txReq, &tx)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(tx.Status, "SUCCESS") {
		return nil, &Error{
			Op:       "purchase_label",
			Carrier:  shippoName,
			Kind:     KindRejected,
			Messages: messageTexts(tx.Messages),
			Err:      fmt.Errorf("transaction status %s", tx.Status),
		}
	}

	return &Label{
		ExternalID:        tx.ObjectID,
		CarrierShipmentID: shipment.ObjectID,
		TrackingNumber:    tx.TrackingNumber,
		LabelURL:          tx.LabelURL,
		TrackingURL:       tx.TrackingURLProvider,
		Rate:              rate,
		UsedRateFallback:  fallback,
		Raw:               raw,
	}, nil
}

// GetTrackingInfo fetches the current tracking state of a parcel
func (g *ShippoGateway) GetTrackingInfo(ctx context.Context, trackingNumber, carrier string) (*models.TrackingSnapshot, error) {
	path := fmt.Sprintf("/tracks/%s/%s", url.PathEscape(strings.ToLower(carrier)), url.PathEscape(trackingNumber))

	var track shippoTrack
	if _, err := g.do(ctx, "get_tracking", http.MethodGet, path, nil, &track); err != nil {
		return nil, err
	}
	if track.TrackingNumber == "" {
		track.TrackingNumber = trackingNumber
	}
	if track.Carrier == "" {
		track.Carrier = carrier
	}
	return toSnapshot(track), nil
}

// CancelShipment requests a refund for a purchased label. A refusal from the
// carrier is reported as false, not as an error.
func (g *ShippoGateway) CancelShipment(ctx context.Context, externalID string) (bool, error) {
	var refund shippoRefund
	_, err := g.do(ctx, "cancel_shipment", http.MethodPost, "/refunds/", shippoRefundRequest{Transaction: externalID}, &refund)
	if err != nil {
		if KindOf(err) == KindRejected {
			g.logger.Info("Carrier refused label refund",
				zap.String("external_id", externalID),
				zap.Error(err))
			return false, nil
		}
		return false, err
	}

	switch strings.ToUpper(refund.Status) {
	case "QUEUED", "PENDING", "SUCCESS":
		return true, nil
	default:
		return false, nil
	}
}

// ParseTrackingWebhook decodes a track_updated webhook body
func (g *ShippoGateway) ParseTrackingWebhook(body []byte) (*models.TrackingSnapshot, error) {
	var hook shippoWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	if hook.Event != "track_updated" {
		return nil, fmt.Errorf("unsupported webhook event %q", hook.Event)
	}
	if hook.Data.TrackingNumber == "" {
		return nil, errors.New("webhook has no tracking number")
	}
	return toSnapshot(hook.Data), nil
}

func (g *ShippoGateway) createShipment(ctx context.Context, op string, from, to models.Address, parcels []models.Parcel, reference string) (*shippoShipment, error) {
	req := shippoShipmentRequest{
		AddressFrom: toShippoAddress(from),
		AddressTo:   toShippoAddress(to),
		Async:       false,
		Metadata:    reference,
	}
	for _, p := range parcels {
		req.Parcels = append(req.Parcels, shippoParcel{
			Length:       formatMeasure(p.LengthCm),
			Width:        formatMeasure(p.WidthCm),
			Height:       formatMeasure(p.HeightCm),
			DistanceUnit: "cm",
			Weight:       formatMeasure(p.WeightKg),
			MassUnit:     "kg",
		})
	}

	var shipment shippoShipment
	if _, err := g.do(ctx, op, http.MethodPost, "/shipments/", req, &shipment); err != nil {
		return nil, err
	}
	return &shipment, nil
}

func (g *ShippoGateway) convertRates(op string, in []shippoRate) ([]Rate, error) {
	rates := make([]Rate, 0, len(in))
	for _, r := range in {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, &Error{Op: op, Carrier: shippoName, Kind: KindRejected, Err: fmt.Errorf("invalid rate amount %q: %w", r.Amount, err)}
		}
		rates = append(rates, Rate{
			ID:            r.ObjectID,
			Carrier:       r.Provider,
			ServiceCode:   r.Servicelevel.Token,
			ServiceName:   r.Servicelevel.Name,
			Amount:        amount.Shift(2).Round(0).IntPart(),
			Currency:      r.Currency,
			EstimatedDays: r.EstimatedDays,
		})
	}
	return rates, nil
}

// do performs one API call and decodes the response into out. The raw body is
// returned for callers that persist it.
func (g *ShippoGateway) do(ctx context.Context, op, method, path string, body, out interface{}) ([]byte, error) {
	ctx, span := util.StartSpan(ctx, "ShippoGateway."+op, attribute.String("http.method", method), attribute.String("carrier.path", path))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		util.CarrierRequestDuration.WithLabelValues(shippoName, op).Observe(time.Since(start).Seconds())
	}()

	raw, err := g.roundTrip(ctx, op, method, path, body)
	if err != nil {
		kind := string(KindOf(err))
		util.CarrierRequestErrorsTotal.WithLabelValues(shippoName, op, kind).Inc()
		util.RecordSpanError(span, err)
		g.logger.Error("Carrier request failed",
			zap.String("carrier", shippoName),
			zap.String("operation", op),
			zap.String("kind", kind),
			zap.Error(err))
		return nil, err
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			decodeErr := &Error{Op: op, Carrier: shippoName, Kind: KindUnavailable, Err: fmt.Errorf("failed to decode response: %w", err)}
			util.CarrierRequestErrorsTotal.WithLabelValues(shippoName, op, string(decodeErr.Kind)).Inc()
			util.RecordSpanError(span, decodeErr)
			return nil, decodeErr
		}
	}
	return raw, nil
}

func (g *ShippoGateway) roundTrip(ctx context.Context, op, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Op: op, Carrier: shippoName, Kind: KindRejected, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Op: op, Carrier: shippoName, Kind: KindConfig, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "ShippoToken "+g.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Carrier: shippoName, Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, Carrier: shippoName, Kind: KindUnavailable, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	return nil, &Error{
		Op:         op,
		Carrier:    shippoName,
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Messages:   []string{truncate(string(respBody), 512)},
	}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindConfig
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return KindUnavailable
	default:
		return KindRejected
	}
}

func toShippoAddress(a models.Address) shippoAddress {
	return shippoAddress{
		Name:    a.Name,
		Company: a.Company,
		Street1: a.Street1,
		Street2: a.Street2,
		City:    a.City,
		State:   a.State,
		Zip:     a.PostalCode,
		Country: strings.ToUpper(a.Country),
		Phone:   a.Phone,
		Email:   a.Email,
	}
}

func fromShippoAddress(a shippoAddress) models.Address {
	return models.Address{
		Name:       a.Name,
		Company:    a.Company,
		Street1:    a.Street1,
		Street2:    a.Street2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.Zip,
		Country:    a.Country,
		Phone:      a.Phone,
		Email:      a.Email,
	}
}

func toSnapshot(track shippoTrack) *models.TrackingSnapshot {
	snapshot := &models.TrackingSnapshot{
		TrackingNumber: track.TrackingNumber,
		Carrier:        track.Carrier,
		Status:         models.TrackingStatusUnknown,
		ETA:            track.ETA,
	}

	for _, h := range track.TrackingHistory {
		snapshot.History = append(snapshot.History, toEvent(h))
	}

	if track.TrackingStatus != nil {
		current := toEvent(*track.TrackingStatus)
		snapshot.Status = current.Status
		snapshot.StatusRaw = track.TrackingStatus.Status
		snapshot.StatusDetails = track.TrackingStatus.StatusDetails
		snapshot.History = append(snapshot.History, current)
		if current.Status == models.TrackingStatusDelivered && track.TrackingStatus.StatusDate != nil {
			deliveredAt := track.TrackingStatus.StatusDate.UTC()
			snapshot.DeliveredAt = &deliveredAt
		}
	}
	return snapshot
}

func toEvent(s shippoTrackingStatus) models.TrackingEvent {
	event := models.TrackingEvent{
		Status:      MapTrackingStatus(s.Status),
		StatusRaw:   s.Status,
		Description: s.StatusDetails,
	}
	if s.StatusDate != nil {
		event.OccurredAt = s.StatusDate.UTC()
	}
	if s.Location != nil {
		parts := make([]string, 0, 4)
		for _, p := range []string{s.Location.City, s.Location.State, s.Location.Zip, s.Location.Country} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		event.Location = strings.Join(parts, ", ")
	}
	return event
}

func messageTexts(msgs []shippoMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}

func formatMeasure(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Compile-time interface checks
var (
	_ Gateway       = (*ShippoGateway)(nil)
	_ WebhookParser = (*ShippoGateway)(nil)
)
