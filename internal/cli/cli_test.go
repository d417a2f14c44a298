package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shipping-service/internal/models"
	"shipping-service/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"migrate"},
		{"rates", "import"},
		{"rates", "list"},
		{"estimate"},
		{"tracking", "refresh"},
		{"labels", "retry"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestRatesImport_DryRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rates:
  - method: royal_mail_tracked_48
    zone: UK
    max_weight: 2000
    amount: 395
  - method: royal_mail_tracked_48
    zone: UK
    min_weight: 2000
    amount: 595
`), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"rates", "import", "--dry-run", path})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		dryRun = false
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "2 rates parsed, nothing stored\n", out.String())
}

func TestRatesImport_RequiresFile(t *testing.T) {
	rootCmd.SetArgs([]string{"rates", "import"})
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetErr(nil)
	})

	assert.Error(t, rootCmd.Execute())
}

func TestPrintRates(t *testing.T) {
	maxWeight := int64(5000)
	free := int64(10000)
	var out bytes.Buffer
	printRates(&out, []models.ShippingRate{
		{ID: 1, MethodID: 10, ZoneID: 1, MaxWeight: &maxWeight, RateType: models.RateTypeFlat, Amount: 500, FreeThreshold: &free, IsActive: true},
		{ID: 2, MethodID: 11, ZoneID: 1, RateType: models.RateTypePercentage, Percent: decimal.RequireFromString("0.05")},
	})

	text := out.String()
	assert.Contains(t, text, "[0, 5000)")
	assert.Contains(t, text, "10000")
	assert.Contains(t, text, "5%")
	assert.Contains(t, text, "[0, -)")
}

func TestPrintQuotes(t *testing.T) {
	var out bytes.Buffer
	printQuotes(&out, nil)
	assert.Equal(t, "no shipping methods available\n", out.String())

	out.Reset()
	day := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)
	printQuotes(&out, []service.MethodQuote{
		{Name: "Standard", Carrier: "royal_mail", IsFree: true, MinDeliveryDays: 2, MaxDeliveryDays: 3, EstimatedMin: day, EstimatedMax: day.AddDate(0, 0, 1)},
	})
	assert.Contains(t, out.String(), "free")
	assert.Contains(t, out.String(), "Mon 13 May - Tue 14 May")
}
