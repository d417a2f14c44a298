package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"shipping-service/internal/service"

	"github.com/spf13/cobra"
)

var (
	estCountry  string
	estPostcode string
	estWeight   float64
	estValue    int64
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Quote a bare weight and order value from the rate tables",
	RunE:  runEstimate,
}

func init() {
	rootCmd.AddCommand(estimateCmd)

	estimateCmd.Flags().StringVar(&estCountry, "country", "", "Destination country (ISO alpha-2)")
	estimateCmd.Flags().StringVar(&estPostcode, "postcode", "", "Destination postcode")
	estimateCmd.Flags().Float64Var(&estWeight, "weight", 1, "Parcel weight in kg")
	estimateCmd.Flags().Int64Var(&estValue, "value", 0, "Order value in minor units")
	_ = estimateCmd.MarkFlagRequired("country")
}

func runEstimate(cmd *cobra.Command, args []string) error {
	e, err := connect(false)
	if err != nil {
		return err
	}
	defer e.Close()

	calc := service.NewShippingCalculator(e.store, nil, nil, e.cfg.Shipping)
	quotes, err := calc.GetQuickEstimate(cmd.Context(), estCountry, estPostcode, estWeight, estValue)
	if err != nil {
		return err
	}
	printQuotes(cmd.OutOrStdout(), quotes)
	return nil
}

func printQuotes(out io.Writer, quotes []service.MethodQuote) {
	if len(quotes) == 0 {
		fmt.Fprintln(out, "no shipping methods available")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tCARRIER\tCOST\tDAYS\tARRIVES")
	for _, q := range quotes {
		cost := fmt.Sprintf("%d", q.Cost)
		if q.IsFree {
			cost = "free"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d-%d\t%s - %s\n",
			q.Name, q.Carrier, cost, q.MinDeliveryDays, q.MaxDeliveryDays,
			q.EstimatedMin.Format("Mon 02 Jan"), q.EstimatedMax.Format("Mon 02 Jan"))
	}
	w.Flush()
}
