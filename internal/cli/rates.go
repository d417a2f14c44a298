package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"shipping-service/internal/models"
	"shipping-service/internal/service"
	"shipping-service/internal/store"

	"github.com/spf13/cobra"
)

var (
	dryRun      bool
	rateMethod  int64
	rateZone    int64
	activeRates bool
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Manage shipping rate tables",
}

var ratesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a YAML rate file as one batch",
	Long: `Import reads a rate file and stores every rate in it atomically.
Methods may be referenced by service code and zones by name. The whole
file is rejected when any rate is malformed or overlaps another.`,
	Args: cobra.ExactArgs(1),
	RunE: runRatesImport,
}

var ratesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shipping rates",
	RunE:  runRatesList,
}

func init() {
	rootCmd.AddCommand(ratesCmd)
	ratesCmd.AddCommand(ratesImportCmd, ratesListCmd)

	ratesImportCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Parse and print the file without storing it")

	ratesListCmd.Flags().Int64Var(&rateMethod, "method", 0, "Only rates of this method id")
	ratesListCmd.Flags().Int64Var(&rateZone, "zone", 0, "Only rates of this zone id")
	ratesListCmd.Flags().BoolVar(&activeRates, "active", false, "Only active rates")
}

func runRatesImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open rate file: %w", err)
	}
	defer f.Close()

	file, err := service.ParseRateFile(f)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "%d rates parsed, nothing stored\n", len(file.Rates))
		return nil
	}

	e, err := connect(false)
	if err != nil {
		return err
	}
	defer e.Close()

	rates, err := service.NewCatalogService(e.store).ImportRateFile(cmd.Context(), file)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d rates imported\n", len(rates))
	return nil
}

func runRatesList(cmd *cobra.Command, args []string) error {
	e, err := connect(false)
	if err != nil {
		return err
	}
	defer e.Close()

	filter := store.RateFilter{ActiveOnly: activeRates}
	if rateMethod > 0 {
		filter.MethodID = &rateMethod
	}
	if rateZone > 0 {
		filter.ZoneID = &rateZone
	}

	rates, err := service.NewCatalogService(e.store).ListRates(cmd.Context(), filter)
	if err != nil {
		return err
	}
	printRates(cmd.OutOrStdout(), rates)
	return nil
}

func printRates(out io.Writer, rates []models.ShippingRate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMETHOD\tZONE\tWEIGHT (g)\tTOTAL\tTYPE\tAMOUNT\tFREE FROM\tACTIVE")
	for _, r := range rates {
		amount := strconv.FormatInt(r.Amount, 10)
		if r.RateType == models.RateTypePercentage {
			amount = r.Percent.Shift(2).String() + "%"
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%t\n",
			r.ID, r.MethodID, r.ZoneID,
			band(r.MinWeight, r.MaxWeight), band(r.MinTotal, r.MaxTotal),
			r.RateType, amount, optional(r.FreeThreshold), r.IsActive)
	}
	w.Flush()
}

func band(lo int64, hi *int64) string {
	return fmt.Sprintf("[%d, %s)", lo, optional(hi))
}

func optional(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}
