package shipping

import (
	"context"
	"errors"
	"testing"
	"time"

	"shipping-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rateSourceFunc func(ctx context.Context, methodID, zoneID int64) ([]models.ShippingRate, error)

func (f rateSourceFunc) ListActiveRates(ctx context.Context, methodID, zoneID int64) ([]models.ShippingRate, error) {
	return f(ctx, methodID, zoneID)
}

func i64(v int64) *int64 { return &v }

func flatRate(id, minW int64, maxW *int64, amount int64) models.ShippingRate {
	return models.ShippingRate{
		ID: id, MethodID: 1, ZoneID: 1,
		MinWeight: minW, MaxWeight: maxW,
		MinTotal: 0, MaxTotal: nil,
		RateType: models.RateTypeFlat, Amount: amount, IsActive: true,
	}
}

func TestSelectRate_WeightBandBoundaries(t *testing.T) {
	rates := []models.ShippingRate{
		flatRate(1, 0, i64(1000), 300),
		flatRate(2, 1000, i64(5000), 600),
	}
	now := time.Now()

	tests := []struct {
		weight int64
		wantID int64
	}{
		{weight: 0, wantID: 1},
		{weight: 999, wantID: 1},
		{weight: 1000, wantID: 2},
		{weight: 4999, wantID: 2},
	}
	for _, tt := range tests {
		rate, matches := SelectRate(rates, tt.weight, 100, now)
		require.NotNil(t, rate, "weight %d", tt.weight)
		assert.Equal(t, tt.wantID, rate.ID, "weight %d", tt.weight)
		assert.Equal(t, 1, matches, "weight %d", tt.weight)
	}

	rate, matches := SelectRate(rates, 5000, 100, now)
	assert.Nil(t, rate)
	assert.Zero(t, matches)
}

func TestSelectRate_TotalBandAndInactive(t *testing.T) {
	r1 := flatRate(1, 0, nil, 500)
	r1.MinTotal, r1.MaxTotal = 0, i64(10000)
	r2 := flatRate(2, 0, nil, 0)
	r2.MinTotal = 10000
	r2.IsActive = false

	rate, _ := SelectRate([]models.ShippingRate{r1, r2}, 100, 9999, time.Now())
	require.NotNil(t, rate)
	assert.Equal(t, int64(1), rate.ID)

	rate, _ = SelectRate([]models.ShippingRate{r1, r2}, 100, 10000, time.Now())
	assert.Nil(t, rate)
}

func TestSelectRate_EffectivePeriod(t *testing.T) {
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	old := flatRate(1, 0, nil, 400)
	old.EffectiveTo = &feb
	current := flatRate(2, 0, nil, 450)
	current.EffectiveFrom = &feb

	rate, matches := SelectRate([]models.ShippingRate{old, current}, 10, 10, jan)
	require.NotNil(t, rate)
	assert.Equal(t, int64(1), rate.ID)
	assert.Equal(t, 1, matches)

	rate, _ = SelectRate([]models.ShippingRate{old, current}, 10, 10, feb)
	require.NotNil(t, rate)
	assert.Equal(t, int64(2), rate.ID)
}

func TestRateTable_FindRate_OverlapPicksLowestID(t *testing.T) {
	table := NewRateTable(rateSourceFunc(func(ctx context.Context, methodID, zoneID int64) ([]models.ShippingRate, error) {
		return []models.ShippingRate{
			flatRate(9, 0, i64(2000), 900),
			flatRate(4, 500, i64(3000), 400),
		}, nil
	}))

	rate, err := table.FindRate(context.Background(), 1, 1, 1000, 100, time.Now())
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.Equal(t, int64(4), rate.ID)
	assert.Equal(t, int64(400), rate.Amount)
}

func TestRateTable_FindRate_Errors(t *testing.T) {
	boom := errors.New("db down")
	table := NewRateTable(rateSourceFunc(func(ctx context.Context, methodID, zoneID int64) ([]models.ShippingRate, error) {
		return nil, boom
	}))

	_, err := table.FindRate(context.Background(), 1, 1, 100, 100, time.Now())
	assert.ErrorIs(t, err, boom)

	_, err = table.FindRate(context.Background(), 1, 1, -1, 100, time.Now())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCalculateCost_FreeThreshold(t *testing.T) {
	rate := flatRate(1, 0, nil, 500)
	rate.FreeThreshold = i64(5000)

	assert.Equal(t, int64(0), CalculateCost(&rate, 5000))
	assert.True(t, IsFree(&rate, 5000))
	assert.Equal(t, int64(500), CalculateCost(&rate, 4999))
	assert.False(t, IsFree(&rate, 4999))
}

func TestCalculateCost_Percentage(t *testing.T) {
	rate := models.ShippingRate{
		RateType: models.RateTypePercentage,
		Percent:  decimal.RequireFromString("0.075"),
		IsActive: true,
	}

	assert.Equal(t, int64(750), CalculateCost(&rate, 10000))
	assert.Equal(t, int64(1), CalculateCost(&rate, 10), "0.75 rounds up")
	assert.Equal(t, int64(0), CalculateCost(&rate, 6), "0.45 rounds down")
}

func TestOverlaps(t *testing.T) {
	a := flatRate(1, 0, i64(1000), 300)
	b := flatRate(2, 1000, i64(5000), 600)
	c := flatRate(3, 500, i64(1500), 400)

	assert.False(t, Overlaps(a, b), "adjacent bands do not overlap")
	assert.True(t, Overlaps(a, c))
	assert.True(t, Overlaps(b, c))

	otherZone := c
	otherZone.ZoneID = 2
	assert.False(t, Overlaps(a, otherZone))

	disjointTotals := c
	disjointTotals.MinTotal, disjointTotals.MaxTotal = 0, i64(100)
	a2 := a
	a2.MinTotal = 100
	assert.False(t, Overlaps(a2, disjointTotals))

	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ended := a
	ended.EffectiveTo = &feb
	later := c
	later.EffectiveFrom = &feb
	assert.False(t, Overlaps(ended, later), "consecutive effective periods do not overlap")
}

func TestValidateBatch(t *testing.T) {
	existing := []models.ShippingRate{flatRate(1, 0, i64(1000), 300)}

	ok := []models.ShippingRate{
		flatRate(0, 1000, i64(2000), 500),
		flatRate(0, 2000, nil, 700),
	}
	require.NoError(t, ValidateBatch(existing, ok))

	clashWithExisting := []models.ShippingRate{flatRate(0, 900, i64(2000), 500)}
	err := ValidateBatch(existing, clashWithExisting)
	var overlap *OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, int64(1), overlap.Existing.ID)

	clashWithinBatch := []models.ShippingRate{
		flatRate(0, 1000, i64(3000), 500),
		flatRate(0, 2500, nil, 700),
	}
	err = ValidateBatch(existing, clashWithinBatch)
	assert.ErrorAs(t, err, &overlap)
}

func TestValidateRate(t *testing.T) {
	valid := flatRate(0, 0, i64(1000), 300)
	assert.NoError(t, ValidateRate(valid))

	inverted := flatRate(0, 1000, i64(500), 300)
	assert.ErrorIs(t, ValidateRate(inverted), ErrInvalidRate)

	badType := flatRate(0, 0, nil, 300)
	badType.RateType = "tiered"
	assert.ErrorIs(t, ValidateRate(badType), ErrInvalidRate)

	noMethod := flatRate(0, 0, nil, 300)
	noMethod.MethodID = 0
	assert.ErrorIs(t, ValidateRate(noMethod), ErrInvalidRate)
}
