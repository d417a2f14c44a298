package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"shipping-service/internal/models"
	"shipping-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const mockName = "mock"

// MockGateway is an in-process carrier used for local development and tests.
// Quotes are derived from parcel weight so results are deterministic.
type MockGateway struct {
	mu sync.Mutex

	services  []MockService
	labels    map[string]*Label
	tracking  map[string]*models.TrackingSnapshot
	failures  map[string]error
	cancelled map[string]bool
	refuse    map[string]bool

	logger *zap.Logger
}

// MockService is one service the mock carrier quotes
type MockService struct {
	Carrier       string
	ServiceCode   string
	ServiceName   string
	BaseAmount    int64
	PerKgAmount   int64
	EstimatedDays int
}

// DefaultMockServices are quoted when no services are configured
var DefaultMockServices = []MockService{
	{Carrier: "royal_mail", ServiceCode: "royal_mail_tracked_48", ServiceName: "Tracked 48", BaseAmount: 350, PerKgAmount: 100, EstimatedDays: 3},
	{Carrier: "royal_mail", ServiceCode: "royal_mail_tracked_24", ServiceName: "Tracked 24", BaseAmount: 495, PerKgAmount: 120, EstimatedDays: 1},
	{Carrier: "dpd", ServiceCode: "dpd_next_day", ServiceName: "Next Day", BaseAmount: 795, PerKgAmount: 50, EstimatedDays: 1},
}

// NewMockGateway creates a mock carrier quoting the given services
func NewMockGateway(services ...MockService) *MockGateway {
	if len(services) == 0 {
		services = DefaultMockServices
	}
	return &MockGateway{
		services:  services,
		labels:    make(map[string]*Label),
		tracking:  make(map[string]*models.TrackingSnapshot),
		failures:  make(map[string]error),
		cancelled: make(map[string]bool),
		refuse:    make(map[string]bool),
		logger:    util.GetLogger(),
	}
}

// Name returns the provider name
func (m *MockGateway) Name() string {
	return mockName
}

// FailNext makes the next call of op return err
func (m *MockGateway) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// SetTracking sets the snapshot returned for a tracking number
func (m *MockGateway) SetTracking(snapshot models.TrackingSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracking[snapshot.TrackingNumber] = &snapshot
}

// RefuseRefund makes CancelShipment report false for the label
func (m *MockGateway) RefuseRefund(externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuse[externalID] = true
}

// Cancelled reports whether a refund was accepted for the label
func (m *MockGateway) Cancelled(externalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[externalID]
}

// LabelCount returns the number of labels purchased so far
func (m *MockGateway) LabelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.labels)
}

func (m *MockGateway) takeFailure(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err, ok := m.failures[op]
	if !ok {
		return nil
	}
	delete(m.failures, op)
	return err
}

// ValidateAddress accepts any address with a street, city, postcode and country
func (m *MockGateway) ValidateAddress(ctx context.Context, addr models.Address) (*AddressValidation, error) {
	if err := m.takeFailure("validate_address"); err != nil {
		return nil, err
	}

	var missing []string
	if strings.TrimSpace(addr.Street1) == "" {
		missing = append(missing, "street1 is required")
	}
	if strings.TrimSpace(addr.City) == "" {
		missing = append(missing, "city is required")
	}
	if strings.TrimSpace(addr.PostalCode) == "" {
		missing = append(missing, "postal code is required")
	}
	if len(strings.TrimSpace(addr.Country)) != 2 {
		missing = append(missing, "country must be a two letter code")
	}
	if len(missing) > 0 {
		return &AddressValidation{Valid: false, Messages: missing}, nil
	}

	normalized := addr
	normalized.City = strings.ToUpper(strings.TrimSpace(addr.City))
	normalized.PostalCode = strings.ToUpper(strings.TrimSpace(addr.PostalCode))
	normalized.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
	return &AddressValidation{Valid: true, Normalized: &normalized}, nil
}

// GetRates quotes every configured service
func (m *MockGateway) GetRates(ctx context.Context, from, to models.Address, parcels []models.Parcel) ([]Rate, error) {
	if err := m.takeFailure("get_rates"); err != nil {
		return nil, err
	}
	return m.quote(parcels), nil
}

// CreateShipment buys a fake label
func (m *MockGateway) CreateShipment(ctx context.Context, req ShipmentRequest) (*Label, error) {
	if err := m.takeFailure("create_shipment"); err != nil {
		return nil, err
	}

	rate, fallback, err := SelectRate(m.quote(req.Parcels), req.Carrier, req.ServiceCode, req.AllowRateFallback)
	if err != nil {
		return nil, &Error{Op: "create_shipment", Carrier: mockName, Kind: KindNoRate, Err: err}
	}

	id := uuid.New().String()
	tracking := "MOCK" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:12])
	label := &Label{
		ExternalID:        "tx_" + id,
		CarrierShipmentID: "shp_" + id,
		TrackingNumber:    tracking,
		LabelURL:          fmt.Sprintf("https://labels.example.test/%s.pdf", tracking),
		TrackingURL:       fmt.Sprintf("https://track.example.test/%s", tracking),
		Rate:              rate,
		UsedRateFallback:  fallback,
	}

	m.mu.Lock()
	m.labels[label.ExternalID] = label
	m.tracking[tracking] = &models.TrackingSnapshot{
		TrackingNumber: tracking,
		Carrier:        rate.Carrier,
		Status:         models.TrackingStatusPending,
		StatusRaw:      "UNKNOWN",
	}
	m.mu.Unlock()

	m.logger.Debug("Mock label purchased",
		zap.String("tracking_number", tracking),
		zap.String("reference", req.Reference))
	return label, nil
}

// GetTrackingInfo returns the snapshot registered for the tracking number
func (m *MockGateway) GetTrackingInfo(ctx context.Context, trackingNumber, carrier string) (*models.TrackingSnapshot, error) {
	if err := m.takeFailure("get_tracking"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.tracking[trackingNumber]
	if !ok {
		return nil, &Error{Op: "get_tracking", Carrier: mockName, Kind: KindRejected, StatusCode: 404, Messages: []string{"unknown tracking number"}}
	}
	copied := *snapshot
	copied.History = append([]models.TrackingEvent(nil), snapshot.History...)
	return &copied, nil
}

// CancelShipment accepts refunds unless the label was marked as refused
func (m *MockGateway) CancelShipment(ctx context.Context, externalID string) (bool, error) {
	if err := m.takeFailure("cancel_shipment"); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refuse[externalID] {
		return false, nil
	}
	m.cancelled[externalID] = true
	return true, nil
}

// ParseTrackingWebhook accepts a snapshot in its own JSON form. Unknown raw
// statuses are mapped through the status table.
func (m *MockGateway) ParseTrackingWebhook(body []byte) (*models.TrackingSnapshot, error) {
	var snapshot models.TrackingSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	if snapshot.TrackingNumber == "" {
		return nil, errors.New("webhook has no tracking number")
	}
	if snapshot.Status == "" {
		snapshot.Status = MapTrackingStatus(snapshot.StatusRaw)
	}
	return &snapshot, nil
}

func (m *MockGateway) quote(parcels []models.Parcel) []Rate {
	var weight float64
	for _, p := range parcels {
		weight += p.WeightKg
	}
	kg := int64(weight + 0.999)

	rates := make([]Rate, 0, len(m.services))
	for i, s := range m.services {
		rates = append(rates, Rate{
			ID:            fmt.Sprintf("rate_%d_%d", i, kg),
			Carrier:       s.Carrier,
			ServiceCode:   s.ServiceCode,
			ServiceName:   s.ServiceName,
			Amount:        s.BaseAmount + s.PerKgAmount*kg,
			Currency:      "GBP",
			EstimatedDays: s.EstimatedDays,
		})
	}
	return rates
}

var (
	_ Gateway       = (*MockGateway)(nil)
	_ WebhookParser = (*MockGateway)(nil)
)
