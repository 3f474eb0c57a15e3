package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/warp/printshop-ledger/ledger"
	"github.com/warp/printshop-ledger/sequence"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the store migrates it.
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			version, dirty, err := a.store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [client-id]",
		Short: "Check ledger consistency for one client or all clients",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			var reports []*ledger.ReconciliationReport
			if len(args) == 1 {
				r, err := a.engine.Reconcile(cmd.Context(), ledger.ClientID(args[0]))
				if err != nil {
					return err
				}
				reports = append(reports, r)
			} else if reports, err = a.engine.ReconcileAll(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			unbalanced := 0
			for _, r := range reports {
				if r.Balanced() {
					continue
				}
				unbalanced++
				fmt.Fprintf(out, "client %s:\n", r.ClientID)
				for _, d := range r.Discrepancies {
					fmt.Fprintf(out, "  %s\n", d)
				}
			}
			fmt.Fprintf(out, "%d clients checked, %d unbalanced\n", len(reports), unbalanced)
			if unbalanced > 0 {
				return fmt.Errorf("%d clients have discrepancies", unbalanced)
			}
			return nil
		},
	}
}

func balanceCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "balance <client-id>",
		Short: "Print a client's pending balance and credit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, err := language.Parse(lang)
			if err != nil {
				return fmt.Errorf("invalid --lang: %w", err)
			}
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			b, err := a.engine.GetClientBalance(cmd.Context(), ledger.ClientID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatBalance(message.NewPrinter(tag), b))
			return nil
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "en", "language tag for number formatting")
	return cmd
}

func formatBalance(p *message.Printer, b *ledger.ClientBalance) string {
	return p.Sprintf("pending balance: %s\ncredit balance:  %s\nopen invoices:   %d\n",
		formatMoney(p, b.PendingBalance), formatMoney(p, b.CreditBalance), b.OpenInvoices)
}

// formatMoney groups the whole part for the printer's locale and keeps the
// fraction digits from the decimal itself, so no amount goes through float64.
func formatMoney(p *message.Printer, d decimal.Decimal) string {
	fixed := d.StringFixed(ledger.MoneyPlaces)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	whole, frac, _ := strings.Cut(fixed, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return sign + fixed
	}
	// 0.5 is exact in binary; only its separator is used.
	sep := strings.Trim(p.Sprintf("%v", number.Decimal(0.5, number.Scale(1))), "05")
	return sign + p.Sprintf("%v", number.Decimal(n)) + sep + frac
}

func seedSequenceCmd() *cobra.Command {
	var value int64
	cmd := &cobra.Command{
		Use:   "seed-sequence <CLIENT|INVOICE|RECEIPT|VOUCHER>",
		Short: "Raise a Redis sequence so it continues after existing numbers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := ledger.ParseSequenceKind(args[0])
			if err != nil {
				return err
			}
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			seq, ok := a.engine.Sequences().(*sequence.Redis)
			if !ok {
				return fmt.Errorf("seed-sequence requires SEQUENCE_BACKEND=redis")
			}
			if err := seq.Seed(cmd.Context(), kind, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sequence is at least %d\n", kind, value)
			return nil
		},
	}
	cmd.Flags().Int64Var(&value, "value", 0, "minimum counter value")
	cmd.MarkFlagRequired("value")
	return cmd
}
