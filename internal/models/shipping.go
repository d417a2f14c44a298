package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Shipping classes
const (
	ShippingClassStandard     = "standard"
	ShippingClassFragile      = "fragile"
	ShippingClassDangerous    = "dangerous"
	ShippingClassRefrigerated = "refrigerated"
	ShippingClassOversized    = "oversized"
	ShippingClassHeavy        = "heavy"
)

// Rate types
const (
	RateTypeFlat       = "flat"
	RateTypePercentage = "percentage"
)

// ShippingZone groups destinations that share pricing
type ShippingZone struct {
	ID               int64          `db:"id" json:"id"`
	Name             string         `db:"name" json:"name" validate:"required"`
	Countries        pq.StringArray `db:"countries" json:"countries" validate:"required,min=1,dive,len=2"`
	Regions          pq.StringArray `db:"regions" json:"regions,omitempty"`
	PostcodePatterns pq.StringArray `db:"postcode_patterns" json:"postcode_patterns,omitempty"`
	IsActive         bool           `db:"is_active" json:"is_active"`
	DisplayOrder     int            `db:"display_order" json:"display_order"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// MethodMetadata is the free-form part of a shipping method
type MethodMetadata struct {
	ShippingClasses []string `json:"shipping_classes,omitempty"`
	ServiceTier     string   `json:"service_tier,omitempty"`
}

// Value implements driver.Valuer
func (m MethodMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *MethodMetadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// ShippingMethod is a carrier service offered to customers
type ShippingMethod struct {
	ID              int64          `db:"id" json:"id"`
	Name            string         `db:"name" json:"name"`
	Carrier         string         `db:"carrier" json:"carrier"`
	ServiceCode     string         `db:"service_code" json:"service_code"`
	IsActive        bool           `db:"is_active" json:"is_active"`
	MinDeliveryDays int            `db:"min_delivery_days" json:"min_delivery_days"`
	MaxDeliveryDays int            `db:"max_delivery_days" json:"max_delivery_days"`
	Metadata        MethodMetadata `db:"metadata" json:"metadata"`
	DisplayOrder    int            `db:"display_order" json:"display_order"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// ShippingRate prices one weight/total band for a (method, zone) pair.
// Bands are inclusive of the minimum and exclusive of the maximum; a nil
// maximum is unbounded.
type ShippingRate struct {
	ID            int64           `db:"id" json:"id"`
	MethodID      int64           `db:"method_id" json:"method_id" validate:"required"`
	ZoneID        int64           `db:"zone_id" json:"zone_id" validate:"required"`
	MinWeight     int64           `db:"min_weight" json:"min_weight" validate:"gte=0"`
	MaxWeight     *int64          `db:"max_weight" json:"max_weight,omitempty" validate:"omitempty,gtfield=MinWeight"`
	MinTotal      int64           `db:"min_total" json:"min_total" validate:"gte=0"`
	MaxTotal      *int64          `db:"max_total" json:"max_total,omitempty" validate:"omitempty,gtfield=MinTotal"`
	RateType      string          `db:"rate_type" json:"rate_type" validate:"required,oneof=flat percentage"`
	Amount        int64           `db:"amount" json:"amount" validate:"gte=0"`
	Percent       decimal.Decimal `db:"percent" json:"percent"`
	FreeThreshold *int64          `db:"free_threshold" json:"free_threshold,omitempty" validate:"omitempty,gte=0"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	EffectiveFrom *time.Time      `db:"effective_from" json:"effective_from,omitempty"`
	EffectiveTo   *time.Time      `db:"effective_to" json:"effective_to,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}
