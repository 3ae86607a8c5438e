package main

import (
	"encoding/json"
	"fmt"
	"io"

	"course-checkout/config"
	"course-checkout/internal/app"
	"course-checkout/internal/service"
	"course-checkout/internal/store"

	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// withApp builds the application for one command and tears it down after
func withApp(cmd *cobra.Command, load func() *config.Config, fn func(a *app.App) error) error {
	a, err := app.New(cmd.Context(), load())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func migrateCmd(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := load()
			if cfg.UsesMemoryStore() {
				fmt.Fprintln(cmd.OutOrStdout(), "In-memory store needs no migration")
				return nil
			}

			db, err := store.NewStore(cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema applied")
			return nil
		},
	}
}

func reconcileCmd(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <session-id>",
		Short: "Re-read a checkout session from Stripe and reconcile its order",
		Long: `Fetch the checkout session from Stripe and, when it is paid, run the
same reconciliation the webhook runs. Safe to repeat: a reconciled order is
reported as a duplicate and nothing is written twice.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(a *app.App) error {
				session, err := a.Gateway.GetSession(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("%w: %v", service.ErrGatewayUnavailable, err)
				}
				if !session.Paid() {
					fmt.Fprintf(cmd.OutOrStdout(), "Session %s is %s, nothing to reconcile\n",
						session.Ref, session.PaymentStatus)
					return nil
				}

				outcome, err := a.Reconciler.Reconcile(cmd.Context(),
					service.RequestFromSession(session, service.SourceCLI))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"order":              outcome.Order,
					"did_transition":     outcome.DidTransition,
					"payment_created":    outcome.PaymentCreated,
					"enrollment_created": outcome.EnrollmentCreated,
				})
			})
		},
	}
}

func sweepCmd(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of the pending order sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(a *app.App) error {
				result, err := a.Sweeper.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				if result.Skipped {
					fmt.Fprintln(cmd.OutOrStdout(), "Another replica holds the sweep lock")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "visited=%d reconciled=%d healed=%d unpaid=%d failed=%d\n",
					result.Visited, result.Reconciled, result.Healed, result.Unpaid, result.Failed)
				return nil
			})
		},
	}
}

func orderCmd(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "order <order-id>",
		Short: "Show an order and its payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(a *app.App) error {
				order, err := a.Ledger.FindByOrderID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if order == nil {
					return fmt.Errorf("order %s: %w", args[0], service.ErrOrderNotFound)
				}
				payment, err := a.Payments.GetForOrder(cmd.Context(), order.OrderID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"order":   order,
					"payment": payment,
				})
			})
		},
	}
}

func cancelCmd(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel a pending order",
		Long: `Move a pending order to cancelled. Completed and failed orders are
refused. A late payment for a cancelled order is reported as an invalid
state and must be refunded by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(a *app.App) error {
				order, err := a.Ledger.FindByOrderID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if order == nil {
					return fmt.Errorf("order %s: %w", args[0], service.ErrOrderNotFound)
				}
				cancelled, _, err := a.Ledger.MarkCancelled(cmd.Context(), order)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Order %s is %s\n", cancelled.OrderID, cancelled.Status)
				return nil
			})
		},
	}
}
