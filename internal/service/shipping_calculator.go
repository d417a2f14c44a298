package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"shipping-service/config"
	"shipping-service/internal/carrier"
	"shipping-service/internal/models"
	"shipping-service/internal/shipping"
	"shipping-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SortOrder controls the order of returned quotes
type SortOrder string

const (
	SortDisplay  SortOrder = "display"
	SortCheapest SortOrder = "cheapest"
	SortFastest  SortOrder = "fastest"
)

// QuoteOptions tune a calculation
type QuoteOptions struct {
	Sort SortOrder
	// Now overrides the clock used for effective periods and delivery estimates
	Now time.Time
}

// CartItem is one line of a cart
type CartItem struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// MethodQuote is the price and delivery window of one shipping method
type MethodQuote struct {
	MethodID        int64     `json:"method_id"`
	Name            string    `json:"name"`
	Carrier         string    `json:"carrier"`
	ServiceCode     string    `json:"service_code"`
	ZoneID          int64     `json:"zone_id"`
	RateID          int64     `json:"rate_id"`
	Cost            int64     `json:"cost"`
	IsFree          bool      `json:"is_free"`
	MinDeliveryDays int       `json:"min_delivery_days"`
	MaxDeliveryDays int       `json:"max_delivery_days"`
	EstimatedMin    time.Time `json:"estimated_min"`
	EstimatedMax    time.Time `json:"estimated_max"`
	DisplayOrder    int       `json:"display_order"`
}

// ShippingCalculator prices the shipping methods available for a shipment
type ShippingCalculator struct {
	store   Store
	zones   *shipping.ZoneMatcher
	rates   *shipping.RateTable
	gateway carrier.Gateway
	cache   Cache
	cfg     config.ShippingConfig
	logger  *zap.Logger
}

// NewShippingCalculator creates a new shipping calculator
func NewShippingCalculator(store Store, gateway carrier.Gateway, cache Cache, cfg config.ShippingConfig) *ShippingCalculator {
	return &ShippingCalculator{
		store:   store,
		zones:   shipping.NewZoneMatcher(store),
		rates:   shipping.NewRateTable(store),
		gateway: gateway,
		cache:   cache,
		cfg:     cfg,
		logger:  util.GetLogger(),
	}
}

// CalculateForCart quotes a cart for a destination
func (c *ShippingCalculator) CalculateForCart(ctx context.Context, items []CartItem, addr models.Address, opts QuoteOptions) ([]MethodQuote, error) {
	ctx, span := util.StartSpan(ctx, "ShippingCalculator.CalculateForCart")
	defer span.End()

	lines, err := c.loadCartLines(ctx, items)
	if err != nil {
		return nil, err
	}
	return c.calculate(ctx, "cart", lines, addr, opts)
}

// CalculateForOrder quotes an existing order. A nil address means the order's
// stored shipping address.
func (c *ShippingCalculator) CalculateForOrder(ctx context.Context, orderID int64, addr *models.Address, opts QuoteOptions) ([]MethodQuote, error) {
	ctx, span := util.StartSpan(ctx, "ShippingCalculator.CalculateForOrder", attribute.Int64("order.id", orderID))
	defer span.End()

	order, lines, err := loadOrderLines(ctx, c.store, orderID)
	if err != nil {
		return nil, err
	}

	if addr == nil {
		if order.ShippingAddressID == nil {
			return nil, fmt.Errorf("%w: order %d has no shipping address", ErrValidation, orderID)
		}
		stored, err := c.store.GetAddressByID(ctx, *order.ShippingAddressID)
		if err != nil {
			return nil, storeErr(err)
		}
		addr = stored
	}

	return c.calculate(ctx, "order", lines, *addr, opts)
}

// CalculateForProducts quotes products with quantities keyed by product id
func (c *ShippingCalculator) CalculateForProducts(ctx context.Context, products []models.Product, quantities map[int64]int, addr models.Address, opts QuoteOptions) ([]MethodQuote, error) {
	ctx, span := util.StartSpan(ctx, "ShippingCalculator.CalculateForProducts",
		attribute.Int("products.count", len(products)),
		attribute.String("destination.country", addr.Country))
	defer span.End()

	lines := make([]line, 0, len(products))
	for _, p := range products {
		qty, ok := quantities[p.ID]
		if !ok {
			qty = 1
		}
		lines = append(lines, line{Product: p, Quantity: qty})
	}
	return c.calculate(ctx, "products", lines, addr, opts)
}

// GetCheapestMethod returns the lowest priced quote, or nil when nothing ships
func (c *ShippingCalculator) GetCheapestMethod(ctx context.Context, items []CartItem, addr models.Address) (*MethodQuote, error) {
	return c.first(ctx, items, addr, SortCheapest)
}

// GetFastestMethod returns the quote with the shortest delivery, or nil
func (c *ShippingCalculator) GetFastestMethod(ctx context.Context, items []CartItem, addr models.Address) (*MethodQuote, error) {
	return c.first(ctx, items, addr, SortFastest)
}

func (c *ShippingCalculator) first(ctx context.Context, items []CartItem, addr models.Address, order SortOrder) (*MethodQuote, error) {
	quotes, err := c.CalculateForCart(ctx, items, addr, QuoteOptions{Sort: order})
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, nil
	}
	return &quotes[0], nil
}

// GetQuickEstimate quotes a bare weight and value for a country and optional
// postcode. No shipping classes apply. Zones restricted to regions never
// match since no region is known.
func (c *ShippingCalculator) GetQuickEstimate(ctx context.Context, country, postcode string, weightKg float64, value int64) ([]MethodQuote, error) {
	ctx, span := util.StartSpan(ctx, "ShippingCalculator.GetQuickEstimate", attribute.String("destination.country", country))
	defer span.End()

	if len(strings.TrimSpace(country)) != 2 {
		return nil, fmt.Errorf("%w: country must be a two letter code", ErrValidation)
	}
	if weightKg < 0 || value < 0 {
		return nil, fmt.Errorf("%w: weight and value must not be negative", ErrValidation)
	}

	addr := models.Address{Country: country, PostalCode: postcode}
	return c.quote(ctx, "estimate", addr, weightKg, value, nil, QuoteOptions{Sort: SortCheapest})
}

// QuoteForCheckout never fails the checkout: a failed lookup is logged and
// handed back in the result so the caller can show "shipping unavailable"
func (c *ShippingCalculator) QuoteForCheckout(ctx context.Context, items []CartItem, addr models.Address) shipping.Result[[]MethodQuote] {
	quotes, err := c.CalculateForCart(ctx, items, addr, QuoteOptions{})
	if err != nil {
		c.logger.Warn("Checkout shipping quote failed",
			zap.String("country", addr.Country),
			zap.Error(err))
		return shipping.Fail[[]MethodQuote](err)
	}
	return shipping.Ok(quotes)
}

// QuoteLiveRates asks the carrier for live prices of an order's parcel.
// Results are cached for QuoteCacheTTL.
func (c *ShippingCalculator) QuoteLiveRates(ctx context.Context, orderID int64) ([]carrier.Rate, error) {
	ctx, span := util.StartSpan(ctx, "ShippingCalculator.QuoteLiveRates", attribute.Int64("order.id", orderID))
	defer span.End()

	order, lines, err := loadOrderLines(ctx, c.store, orderID)
	if err != nil {
		return nil, err
	}
	lines = shippableLines(lines)
	if len(lines) == 0 {
		return []carrier.Rate{}, nil
	}

	to, from, err := resolveAddresses(ctx, c.store, order, c.cfg.FromAddress)
	if err != nil {
		return nil, err
	}
	parcel := aggregateParcel(lines)

	key := liveRatesKey(*from, *to, parcel)
	var cached []carrier.Rate
	if c.cache != nil {
		found, err := c.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			c.logger.Warn("Rate cache read failed", zap.Error(err))
		} else if found {
			util.ShippingQuotesTotal.WithLabelValues("live", "cached").Inc()
			return cached, nil
		}
	}

	rates, err := c.gateway.GetRates(ctx, *from, *to, []models.Parcel{parcel})
	if err != nil {
		util.ShippingQuotesTotal.WithLabelValues("live", "error").Inc()
		return nil, carrierErr(err)
	}
	sort.SliceStable(rates, func(i, j int) bool { return rates[i].Amount < rates[j].Amount })

	if c.cache != nil && c.cfg.QuoteCacheTTL > 0 {
		if err := c.cache.SetJSON(ctx, key, rates, c.cfg.QuoteCacheTTL); err != nil {
			c.logger.Warn("Rate cache write failed", zap.Error(err))
		}
	}
	util.ShippingQuotesTotal.WithLabelValues("live", "ok").Inc()
	return rates, nil
}

func (c *ShippingCalculator) calculate(ctx context.Context, source string, lines []line, addr models.Address, opts QuoteOptions) ([]MethodQuote, error) {
	lines = shippableLines(lines)
	if len(lines) == 0 {
		util.ShippingQuotesTotal.WithLabelValues(source, "not_shippable").Inc()
		return []MethodQuote{}, nil
	}

	weightKg, value, classes := totals(lines)
	return c.quote(ctx, source, addr, weightKg, value, classes, opts)
}

func (c *ShippingCalculator) quote(ctx context.Context, source string, addr models.Address, weightKg float64, value int64, classes []string, opts QuoteOptions) ([]MethodQuote, error) {
	start := time.Now()
	defer func() {
		util.ShippingQuoteLatency.Observe(time.Since(start).Seconds())
	}()

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	zone, err := c.zones.ResolveZone(ctx, addr)
	if err != nil {
		util.ShippingQuotesTotal.WithLabelValues(source, "error").Inc()
		return nil, err
	}
	if zone == nil {
		c.logger.Debug("No shipping zone for destination",
			zap.String("country", addr.Country),
			zap.String("postal_code", addr.PostalCode))
		util.ShippingQuotesTotal.WithLabelValues(source, "no_zone").Inc()
		return []MethodQuote{}, nil
	}

	methods, err := c.store.ListMethodsForZone(ctx, zone.ID)
	if err != nil {
		util.ShippingQuotesTotal.WithLabelValues(source, "error").Inc()
		return nil, fmt.Errorf("failed to load shipping methods: %w", err)
	}

	grams := toGrams(weightKg)
	quotes := make([]MethodQuote, 0, len(methods))
	for _, m := range methods {
		rate, err := c.rates.FindRate(ctx, m.ID, zone.ID, grams, value, now)
		if err != nil {
			util.ShippingQuotesTotal.WithLabelValues(source, "error").Inc()
			return nil, err
		}
		if rate == nil {
			continue
		}

		if ex := shipping.CheckMethod(m, classes); ex != nil {
			util.ShippingMethodsExcludedTotal.WithLabelValues(ex.Class).Inc()
			c.logger.Debug("Shipping method excluded",
				zap.Int64("method_id", m.ID),
				zap.String("class", ex.Class),
				zap.String("reason", ex.Reason))
			continue
		}

		quotes = append(quotes, MethodQuote{
			MethodID:        m.ID,
			Name:            m.Name,
			Carrier:         m.Carrier,
			ServiceCode:     m.ServiceCode,
			ZoneID:          zone.ID,
			RateID:          rate.ID,
			Cost:            shipping.CalculateCost(rate, value),
			IsFree:          shipping.IsFree(rate, value),
			MinDeliveryDays: m.MinDeliveryDays,
			MaxDeliveryDays: m.MaxDeliveryDays,
			EstimatedMin:    now.AddDate(0, 0, m.MinDeliveryDays),
			EstimatedMax:    now.AddDate(0, 0, m.MaxDeliveryDays),
			DisplayOrder:    m.DisplayOrder,
		})
	}

	sortQuotes(quotes, opts.Sort)
	util.ShippingQuotesTotal.WithLabelValues(source, "ok").Inc()
	return quotes, nil
}

func sortQuotes(quotes []MethodQuote, order SortOrder) {
	switch order {
	case SortCheapest:
		sort.SliceStable(quotes, func(i, j int) bool {
			return quotes[i].Cost < quotes[j].Cost
		})
	case SortFastest:
		sort.SliceStable(quotes, func(i, j int) bool {
			if quotes[i].MaxDeliveryDays != quotes[j].MaxDeliveryDays {
				return quotes[i].MaxDeliveryDays < quotes[j].MaxDeliveryDays
			}
			return quotes[i].MinDeliveryDays < quotes[j].MinDeliveryDays
		})
	}
}

func (c *ShippingCalculator) loadCartLines(ctx context.Context, items []CartItem) ([]line, error) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if item.Quantity < 0 {
			return nil, fmt.Errorf("%w: negative quantity for product %d", ErrValidation, item.ProductID)
		}
		ids = append(ids, item.ProductID)
	}

	products, err := c.store.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	byID := make(map[int64]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	lines := make([]line, 0, len(items))
	for _, item := range items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown product %d", ErrValidation, item.ProductID)
		}
		lines = append(lines, line{Product: p, Quantity: item.Quantity})
	}
	return lines, nil
}

func loadOrderLines(ctx context.Context, st Store, orderID int64) (*models.Order, []line, error) {
	order, err := st.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	items, err := st.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get order items: %w", err)
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := st.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load products: %w", err)
	}
	byID := make(map[int64]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	lines := make([]line, 0, len(items))
	for _, item := range items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: product %d of order %d", ErrNotFound, item.ProductID, orderID)
		}
		lines = append(lines, line{Product: p, Quantity: item.Quantity})
	}
	return order, lines, nil
}

// resolveAddresses returns the destination and sender of an order. The sender
// is the vendor address when set, otherwise the platform default.
func resolveAddresses(ctx context.Context, st Store, order *models.Order, platform config.AddressConfig) (*models.Address, *models.Address, error) {
	if order.ShippingAddressID == nil {
		return nil, nil, fmt.Errorf("%w: order %d has no shipping address", ErrValidation, order.ID)
	}
	to, err := st.GetAddressByID(ctx, *order.ShippingAddressID)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	if order.VendorAddressID != nil {
		from, err := st.GetAddressByID(ctx, *order.VendorAddressID)
		if err != nil {
			return nil, nil, storeErr(err)
		}
		return to, from, nil
	}

	from := &models.Address{
		Name:       platform.Name,
		Company:    platform.Company,
		Street1:    platform.Street1,
		Street2:    platform.Street2,
		City:       platform.City,
		State:      platform.State,
		PostalCode: platform.PostalCode,
		Country:    platform.Country,
		Phone:      platform.Phone,
		Email:      platform.Email,
	}
	return to, from, nil
}

func liveRatesKey(from, to models.Address, p models.Parcel) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%.3f|%.1f|%.1f|%.1f",
		from.Country, from.PostalCode, to.Country, to.State, to.PostalCode, to.Street1,
		p.WeightKg, p.LengthCm, p.WidthCm, p.HeightCm)
	return "rates:" + hex.EncodeToString(h.Sum(nil))
}
