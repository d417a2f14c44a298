package service

import (
	"math"

	"shipping-service/internal/models"
)

const (
	minParcelDimensionCm = 1.0
	minParcelWeightKg    = 0.1
)

type line struct {
	Product  models.Product
	Quantity int
}

func shippableLines(lines []line) []line {
	out := make([]line, 0, len(lines))
	for _, l := range lines {
		if l.Quantity > 0 && l.Product.RequiresShipping() {
			out = append(out, l)
		}
	}
	return out
}

// aggregateParcel packs lines into one box: items are stacked, so the box is
// as long and wide as the largest item and as tall as all of them together
func aggregateParcel(lines []line) models.Parcel {
	var p models.Parcel
	for _, l := range lines {
		qty := float64(l.Quantity)
		p.LengthCm = math.Max(p.LengthCm, l.Product.LengthCm)
		p.WidthCm = math.Max(p.WidthCm, l.Product.WidthCm)
		p.HeightCm += l.Product.HeightCm * qty
		p.WeightKg += l.Product.WeightKg * qty
	}

	p.LengthCm = math.Max(p.LengthCm, minParcelDimensionCm)
	p.WidthCm = math.Max(p.WidthCm, minParcelDimensionCm)
	p.HeightCm = math.Max(p.HeightCm, minParcelDimensionCm)
	p.WeightKg = math.Max(p.WeightKg, minParcelWeightKg)
	return p
}

func totals(lines []line) (weightKg float64, value int64, classes []string) {
	seen := make(map[string]bool)
	for _, l := range lines {
		weightKg += l.Product.WeightKg * float64(l.Quantity)
		value += l.Product.Price * int64(l.Quantity)
		if c := l.Product.ShippingClass; c != "" && !seen[c] {
			seen[c] = true
			classes = append(classes, c)
		}
	}
	return weightKg, value, classes
}

func toGrams(kg float64) int64 {
	return int64(math.Round(kg * 1000))
}
