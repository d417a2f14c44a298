package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"shipping-service/internal/models"
	"shipping-service/internal/shipping"
	"shipping-service/internal/store"
)

// memStore is an in-memory Store for service tests
type memStore struct {
	mu sync.Mutex

	nextID      int64
	zones       []models.ShippingZone
	methods     map[int64]models.ShippingMethod
	zoneMethods map[int64][]int64
	rates       []models.ShippingRate
	products    map[int64]models.Product
	orders      map[int64]*models.Order
	items       map[int64][]models.OrderItem
	addresses   map[int64]*models.Address
	shipments   map[int64]*models.Shipment
	processed   map[string]bool

	updateShipmentErr error
}

func newMemStore() *memStore {
	return &memStore{
		nextID:      1000,
		methods:     make(map[int64]models.ShippingMethod),
		zoneMethods: make(map[int64][]int64),
		products:    make(map[int64]models.Product),
		orders:      make(map[int64]*models.Order),
		items:       make(map[int64][]models.OrderItem),
		addresses:   make(map[int64]*models.Address),
		shipments:   make(map[int64]*models.Shipment),
		processed:   make(map[string]bool),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyShipment(s *models.Shipment) *models.Shipment {
	c := *s
	c.Metadata.TrackingHistory = append([]models.TrackingEvent(nil), s.Metadata.TrackingHistory...)
	return &c
}

func (m *memStore) ListActiveZones(ctx context.Context) ([]models.ShippingZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ShippingZone
	for _, z := range m.zones {
		if z.IsActive {
			out = append(out, z)
		}
	}
	return out, nil
}

func (m *memStore) ListZones(ctx context.Context) ([]models.ShippingZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ShippingZone(nil), m.zones...), nil
}

func (m *memStore) CreateZone(ctx context.Context, zone *models.ShippingZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if zone.ID == 0 {
		zone.ID = m.id()
	}
	m.zones = append(m.zones, *zone)
	return nil
}

func (m *memStore) GetMethodByID(ctx context.Context, id int64) (*models.ShippingMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	method, ok := m.methods[id]
	if !ok {
		return nil, fmt.Errorf("%w: shipping method %d", store.ErrNotFound, id)
	}
	return &method, nil
}

func (m *memStore) ListMethods(ctx context.Context) ([]models.ShippingMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ShippingMethod
	for _, method := range m.methods {
		out = append(out, method)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateMethod(ctx context.Context, method *models.ShippingMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if method.ID == 0 {
		method.ID = m.id()
	}
	m.methods[method.ID] = *method
	return nil
}

func (m *memStore) ListMethodsForZone(ctx context.Context, zoneID int64) ([]models.ShippingMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ShippingMethod
	for _, id := range m.zoneMethods[zoneID] {
		if method := m.methods[id]; method.IsActive {
			out = append(out, method)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) AttachMethodToZone(ctx context.Context, zoneID, methodID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.zoneMethods[zoneID] {
		if id == methodID {
			return store.ErrDuplicateAttachment
		}
	}
	m.zoneMethods[zoneID] = append(m.zoneMethods[zoneID], methodID)
	return nil
}

func (m *memStore) ListActiveRates(ctx context.Context, methodID, zoneID int64) ([]models.ShippingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ShippingRate
	for _, r := range m.rates {
		if r.MethodID == methodID && r.ZoneID == zoneID && r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListRates(ctx context.Context, f store.RateFilter) ([]models.ShippingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ShippingRate
	for _, r := range m.rates {
		if f.MethodID != nil && r.MethodID != *f.MethodID {
			continue
		}
		if f.ZoneID != nil && r.ZoneID != *f.ZoneID {
			continue
		}
		if f.ActiveOnly && !r.IsActive {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) BulkInsertRates(ctx context.Context, rates []*models.ShippingRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]models.ShippingRate, 0, len(rates))
	for _, r := range rates {
		batch = append(batch, *r)
	}
	if err := shipping.ValidateBatch(m.rates, batch); err != nil {
		var overlap *shipping.OverlapError
		if errors.As(err, &overlap) {
			return fmt.Errorf("%w: %v", store.ErrRateOverlap, err)
		}
		return err
	}
	for _, r := range rates {
		r.ID = m.id()
		m.rates = append(m.rates, *r)
	}
	return nil
}

func (m *memStore) DeactivateRate(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rates {
		if m.rates[i].ID == id {
			m.rates[i].IsActive = false
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", store.ErrNotFound, id)
	}
	c := *o
	return &c, nil
}

func (m *memStore) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.items[orderID]...), nil
}

func (m *memStore) UpdateOrderFulfillmentStatus(ctx context.Context, orderID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.FulfillmentStatus = status
	return nil
}

func (m *memStore) GetAddressByID(ctx context.Context, id int64) (*models.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.addresses[id]
	if !ok {
		return nil, fmt.Errorf("%w: address %d", store.ErrNotFound, id)
	}
	c := *a
	return &c, nil
}

func (m *memStore) UpdateAddressNormalized(ctx context.Context, addr *models.Address, validatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.addresses[addr.ID]; !ok {
		return store.ErrNotFound
	}
	addr.ValidatedAt = &validatedAt
	c := *addr
	m.addresses[addr.ID] = &c
	return nil
}

func (m *memStore) CreateShipment(ctx context.Context, s *models.Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.id()
	s.Version = 1
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.shipments[s.ID] = copyShipment(s)
	return nil
}

func (m *memStore) GetShipmentByID(ctx context.Context, id int64) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return nil, fmt.Errorf("%w: shipment %d", store.ErrNotFound, id)
	}
	return copyShipment(s), nil
}

func (m *memStore) GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Shipment
	for _, s := range m.shipments {
		if s.TrackingNumber == trackingNumber && (found == nil || s.ID > found.ID) {
			found = s
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: tracking number %s", store.ErrNotFound, trackingNumber)
	}
	return copyShipment(found), nil
}

func (m *memStore) GetOpenShipmentByOrderID(ctx context.Context, orderID int64) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Shipment
	for _, s := range m.shipments {
		if s.OrderID == orderID && s.Status != models.ShipmentStatusCancelled && (found == nil || s.ID > found.ID) {
			found = s
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyShipment(found), nil
}

func (m *memStore) ListShipmentsByOrderID(ctx context.Context, orderID int64) ([]models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Shipment
	for _, s := range m.shipments {
		if s.OrderID == orderID {
			out = append(out, *copyShipment(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateShipment(ctx context.Context, s *models.Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateShipmentErr != nil {
		return m.updateShipmentErr
	}
	current, ok := m.shipments[s.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != s.Version {
		return fmt.Errorf("%w: shipment %d", store.ErrVersionConflict, s.ID)
	}
	s.Version++
	s.UpdatedAt = time.Now()
	m.shipments[s.ID] = copyShipment(s)
	return nil
}

func (m *memStore) ListShipmentsForTracking(ctx context.Context, limit int) ([]models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Shipment
	for _, s := range m.shipments {
		switch s.Status {
		case models.ShipmentStatusReadyToShip, models.ShipmentStatusShipped, models.ShipmentStatusInTransit:
			if s.TrackingNumber != "" {
				out = append(out, *copyShipment(s))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListRetryableFailedShipments(ctx context.Context, maxAttempts, limit int) ([]models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Shipment
	for _, s := range m.shipments {
		if s.Status == models.ShipmentStatusFailed && s.Metadata.Retryable && s.Metadata.LabelAttempts < maxAttempts {
			out = append(out, *copyShipment(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[eventID], nil
}

func (m *memStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = true
	return nil
}

// memLocker is an in-process Locker
type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]string)}
}

func (l *memLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := fmt.Sprintf("token-%s", key)
	l.held[key] = token
	return token, true, nil
}

func (l *memLocker) ReleaseLock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

type shipmentUpdate struct {
	ShipmentID int64
	From       string
	To         string
	Notify     bool
}

// recordingNotifier remembers every notification
type recordingNotifier struct {
	mu      sync.Mutex
	created []int64
	updates []shipmentUpdate
}

func (n *recordingNotifier) ShipmentCreated(ctx context.Context, s *models.Shipment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, s.ID)
	return nil
}

func (n *recordingNotifier) ShipmentUpdated(ctx context.Context, s *models.Shipment, prev string, notify bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, shipmentUpdate{ShipmentID: s.ID, From: prev, To: s.Status, Notify: notify})
	return nil
}

// memCache is an in-process Cache
type memCache struct {
	mu     sync.Mutex
	values map[string][]byte
	hits   int
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string][]byte)}
}

func (c *memCache) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.values[key]
	if !ok {
		return false, nil
	}
	c.hits++
	return true, json.Unmarshal(data, dst)
}

func (c *memCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.values[key] = data
	return nil
}
