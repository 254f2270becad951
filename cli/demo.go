package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/compozy/unitofwork/engine/order"
	"github.com/compozy/unitofwork/engine/uow"
	"github.com/compozy/unitofwork/pkg/config"
	"github.com/spf13/cobra"
)

var errSimulated = errors.New("simulated failure")

type demoOptions struct {
	backend  string
	customer string
	orders   int
	fail     bool
}

// DemoCmd places orders through the unit of work against the configured
// stores and reports what was committed and delivered.
func DemoCmd() *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Place orders in one unit of work and show committed writes and events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), config.FromContext(cmd.Context()), opts)
		},
	}
	cmd.Flags().StringVar(&opts.backend, "store", backendSQLite, "Order store backend (sqlite, postgres)")
	cmd.Flags().StringVar(&opts.customer, "customer", "demo", "Customer placing the orders")
	cmd.Flags().IntVar(&opts.orders, "orders", 2, "Number of orders placed in the committed scope")
	cmd.Flags().BoolVar(&opts.fail, "fail", true, "Also run a scope that fails and is rolled back")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, cfg *config.Config, opts demoOptions) error {
	if opts.orders < 1 {
		return fmt.Errorf("--orders must be at least 1")
	}
	rt, err := NewRuntime(ctx, cfg, opts.backend)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	var placed []*order.Order
	err = rt.Manager.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
		for i := range opts.orders {
			o, err := rt.Orders.Place(ctx, opts.customer, int64(1000*(i+1)))
			if err != nil {
				return err
			}
			placed = append(placed, o)
		}
		_, err := rt.Orders.Pay(ctx, placed[0].ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("committed scope failed: %w", err)
	}
	fmt.Fprintf(out, "committed %d order(s) for %s\n", len(placed), opts.customer)
	for _, o := range placed {
		stored, err := rt.Repo.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s %s %d\n", stored.ID, stored.Status, stored.AmountCents)
	}

	if opts.fail {
		var doomed *order.Order
		err = rt.Manager.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
			o, err := rt.Orders.Place(ctx, opts.customer, 999)
			if err != nil {
				return err
			}
			doomed = o
			return errSimulated
		})
		if !errors.Is(err, errSimulated) {
			return fmt.Errorf("rolled back scope: unexpected result: %w", err)
		}
		if _, err := rt.Repo.Get(ctx, doomed.ID); !errors.Is(err, order.ErrNotFound) {
			return fmt.Errorf("order %s survived rollback", doomed.ID)
		}
		fmt.Fprintf(out, "rolled back order %s: %v\n", doomed.ID, errSimulated)
	}

	fmt.Fprintf(out, "events delivered: %d\n", rt.Delivered.Load())
	if rt.Index != nil {
		n, err := rt.Index.Count(ctx, opts.customer)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "redis index holds %d order(s) for %s\n", n, opts.customer)
	}
	outcomes, err := scopeOutcomes(ctx, installMetrics())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "scope outcomes: committed=%d rolled_back=%d\n", outcomes["committed"], outcomes["rolled_back"])
	return nil
}
