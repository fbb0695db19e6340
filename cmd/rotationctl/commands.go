package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

type rotationAPI interface {
	Allocate(ctx context.Context, amount decimal.Decimal, partitionKey string) (*domain.Allocation, error)
	Status(ctx context.Context, partitionKey string) (*domain.RotationStatus, error)
	Reset(ctx context.Context, partitionKey string) (int64, error)
	RecordRealizedAmount(ctx context.Context, cbu string, amount decimal.Decimal) error
}

type opener func(ctx context.Context) (rotationAPI, func(), error)

func newRootCmd(open opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rotationctl",
		Short:         "Inspect and operate the receiving-account rotation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("partition", "p", "", "Partition key (empty means the default pool)")

	rootCmd.AddCommand(statusCmd(open))
	rootCmd.AddCommand(resetCmd(open))
	rootCmd.AddCommand(allocateCmd(open))
	rootCmd.AddCommand(creditCmd(open))

	return rootCmd
}

// withService opens the service for the duration of one command.
func withService(cmd *cobra.Command, open opener, fn func(ctx context.Context, svc rotationAPI) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, closeFn, err := open(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer closeFn()

	return fn(ctx, svc)
}

func statusCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show accumulated amounts and the next available account",
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, _ := cmd.Flags().GetString("partition")
			return withService(cmd, open, func(ctx context.Context, svc rotationAPI) error {
				status, err := svc.Status(ctx, partition)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CBU\tACCUMULATED\tAVAILABLE")
				for _, a := range status.Accounts {
					fmt.Fprintf(tw, "%s\t%s\t%t\n", a.CBU, a.Accumulated.StringFixed(2), a.IsAvailable)
				}
				if err := tw.Flush(); err != nil {
					return err
				}

				next := status.NextAvailableCBU
				if next == "" {
					next = "(none)"
				}
				fmt.Fprintf(out, "\nnext: %s\n", next)
				return nil
			})
		},
	}
}

func resetCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero the accumulated amounts and clear the sticky account",
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, _ := cmd.Flags().GetString("partition")
			all, _ := cmd.Flags().GetBool("all")
			if all {
				partition = ""
			} else if partition == "" && !cmd.Flags().Changed("partition") {
				return fmt.Errorf("reset: pass --partition or --all")
			}

			return withService(cmd, open, func(ctx context.Context, svc rotationAPI) error {
				count, err := svc.Reset(ctx, partition)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d account(s)\n", count)
				return nil
			})
		},
	}
	cmd.Flags().Bool("all", false, "Reset every partition")
	return cmd
}

func allocateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "allocate [amount]",
		Short: "Allocate an account for a deposit of the given amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("allocate: invalid amount %q", args[0])
			}
			partition, _ := cmd.Flags().GetString("partition")

			return withService(cmd, open, func(ctx context.Context, svc rotationAPI) error {
				alloc, err := svc.Allocate(ctx, amount, partition)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", alloc.CBU, alloc.DisplayName)
				return nil
			})
		},
	}
}

func creditCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "credit [cbu] [amount]",
		Short: "Add a realized amount to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("credit: invalid amount %q", args[1])
			}

			return withService(cmd, open, func(ctx context.Context, svc rotationAPI) error {
				if err := svc.RecordRealizedAmount(ctx, args[0], amount); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credited %s to %s\n", amount.String(), args[0])
				return nil
			})
		},
	}
}
