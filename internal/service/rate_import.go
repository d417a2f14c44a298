package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"shipping-service/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// RateFile is the YAML document accepted by rate imports:
//
//	rates:
//	  - method: royal_mail_tracked_48
//	    zone: UK
//	    max_weight: 2000
//	    amount: 395
//	    free_threshold: 5000
type RateFile struct {
	Rates []RateRow `yaml:"rates" json:"rates"`
}

// RateRow is one rate of a RateFile. A method is referenced by id or service
// code, a zone by id or name.
type RateRow struct {
	MethodID      int64      `yaml:"method_id" json:"method_id"`
	Method        string     `yaml:"method" json:"method"`
	ZoneID        int64      `yaml:"zone_id" json:"zone_id"`
	Zone          string     `yaml:"zone" json:"zone"`
	MinWeight     int64      `yaml:"min_weight" json:"min_weight"`
	MaxWeight     *int64     `yaml:"max_weight" json:"max_weight"`
	MinTotal      int64      `yaml:"min_total" json:"min_total"`
	MaxTotal      *int64     `yaml:"max_total" json:"max_total"`
	RateType      string     `yaml:"rate_type" json:"rate_type"`
	Amount        int64      `yaml:"amount" json:"amount"`
	Percent       string     `yaml:"percent" json:"percent"`
	FreeThreshold *int64     `yaml:"free_threshold" json:"free_threshold"`
	Active        *bool      `yaml:"active" json:"active"`
	EffectiveFrom *time.Time `yaml:"effective_from" json:"effective_from"`
	EffectiveTo   *time.Time `yaml:"effective_to" json:"effective_to"`
}

// ParseRateFile decodes a YAML rate file
func ParseRateFile(r io.Reader) (*RateFile, error) {
	var file RateFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: rate file is empty", ErrValidation)
		}
		return nil, fmt.Errorf("%w: failed to parse rate file: %v", ErrValidation, err)
	}
	if len(file.Rates) == 0 {
		return nil, fmt.Errorf("%w: rate file has no rates", ErrValidation)
	}
	return &file, nil
}

// ImportRateFile resolves the method and zone references of a rate file and
// imports its rates as one batch
func (cs *CatalogService) ImportRateFile(ctx context.Context, file *RateFile) ([]*models.ShippingRate, error) {
	methods, err := cs.store.ListMethods(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list methods: %w", err)
	}
	zones, err := cs.store.ListZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}

	methodByCode := make(map[string]int64, len(methods))
	for _, m := range methods {
		methodByCode[strings.ToLower(m.ServiceCode)] = m.ID
	}
	zoneByName := make(map[string]int64, len(zones))
	for _, z := range zones {
		zoneByName[strings.ToLower(z.Name)] = z.ID
	}

	rates := make([]*models.ShippingRate, 0, len(file.Rates))
	for i, row := range file.Rates {
		rate, err := row.toRate(methodByCode, zoneByName)
		if err != nil {
			return nil, fmt.Errorf("%w: rate #%d: %v", ErrValidation, i+1, err)
		}
		rates = append(rates, rate)
	}

	if err := cs.ImportRates(ctx, rates); err != nil {
		return nil, err
	}
	return rates, nil
}

func (row RateRow) toRate(methodByCode, zoneByName map[string]int64) (*models.ShippingRate, error) {
	methodID := row.MethodID
	if methodID == 0 && row.Method != "" {
		id, ok := methodByCode[strings.ToLower(row.Method)]
		if !ok {
			return nil, fmt.Errorf("unknown method %q", row.Method)
		}
		methodID = id
	}
	zoneID := row.ZoneID
	if zoneID == 0 && row.Zone != "" {
		id, ok := zoneByName[strings.ToLower(row.Zone)]
		if !ok {
			return nil, fmt.Errorf("unknown zone %q", row.Zone)
		}
		zoneID = id
	}

	rateType := row.RateType
	if rateType == "" {
		rateType = models.RateTypeFlat
	}

	percent := decimal.Zero
	if row.Percent != "" {
		p, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(row.Percent), "%"))
		if err != nil {
			return nil, fmt.Errorf("invalid percent %q", row.Percent)
		}
		if strings.HasSuffix(strings.TrimSpace(row.Percent), "%") {
			p = p.Shift(-2)
		}
		percent = p
	}

	active := true
	if row.Active != nil {
		active = *row.Active
	}

	return &models.ShippingRate{
		MethodID:      methodID,
		ZoneID:        zoneID,
		MinWeight:     row.MinWeight,
		MaxWeight:     row.MaxWeight,
		MinTotal:      row.MinTotal,
		MaxTotal:      row.MaxTotal,
		RateType:      rateType,
		Amount:        row.Amount,
		Percent:       percent,
		FreeThreshold: row.FreeThreshold,
		IsActive:      active,
		EffectiveFrom: row.EffectiveFrom,
		EffectiveTo:   row.EffectiveTo,
	}, nil
}
