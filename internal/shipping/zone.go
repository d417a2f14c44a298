package shipping

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"shipping-service/internal/models"
	"shipping-service/internal/util"
)

// ZoneSource lists the configured shipping zones
type ZoneSource interface {
	ListActiveZones(ctx context.Context) ([]models.ShippingZone, error)
}

// ZoneMatcher resolves destination addresses to shipping zones
type ZoneMatcher struct {
	source ZoneSource
}

// NewZoneMatcher creates a new zone matcher
func NewZoneMatcher(source ZoneSource) *ZoneMatcher {
	return &ZoneMatcher{source: source}
}

// ResolveZone returns the first active zone matching the address, or nil when
// the destination is not served. An error is only returned when the zones
// could not be loaded.
func (m *ZoneMatcher) ResolveZone(ctx context.Context, addr models.Address) (*models.ShippingZone, error) {
	ctx, span := util.StartSpan(ctx, "ZoneMatcher.ResolveZone")
	defer span.End()

	zones, err := m.source.ListActiveZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load shipping zones: %w", err)
	}

	return MatchZone(zones, addr), nil
}

// MatchZone picks the first matching active zone by display order, then id.
// Zones that declare regions or postcode patterns only match addresses that
// carry those fields.
func MatchZone(zones []models.ShippingZone, addr models.Address) *models.ShippingZone {
	country := strings.ToUpper(strings.TrimSpace(addr.Country))
	if country == "" {
		return nil
	}

	ordered := make([]models.ShippingZone, 0, len(zones))
	for _, z := range zones {
		if z.IsActive {
			ordered = append(ordered, z)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].DisplayOrder != ordered[j].DisplayOrder {
			return ordered[i].DisplayOrder < ordered[j].DisplayOrder
		}
		return ordered[i].ID < ordered[j].ID
	})

	for i := range ordered {
		if zoneMatches(&ordered[i], country, addr) {
			zone := ordered[i]
			return &zone
		}
	}
	return nil
}

func zoneMatches(z *models.ShippingZone, country string, addr models.Address) bool {
	if !containsFold(z.Countries, country) {
		return false
	}

	if len(z.Regions) > 0 {
		state := strings.TrimSpace(addr.State)
		if state == "" || !containsFold(z.Regions, state) {
			return false
		}
	}

	if len(z.PostcodePatterns) > 0 {
		postcode := normalizePostcode(addr.PostalCode)
		if postcode == "" {
			return false
		}
		matched := false
		for _, p := range z.PostcodePatterns {
			prefix := normalizePostcode(strings.TrimSuffix(p, "*"))
			if prefix != "" && strings.HasPrefix(postcode, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(strings.TrimSpace(candidate), v) {
			return true
		}
	}
	return false
}

func normalizePostcode(p string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p), " ", ""))
}

// ValidateZone checks a zone definition before it is stored
func ValidateZone(zone models.ShippingZone) error {
	if err := validate.Struct(zone); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}
	return nil
}
