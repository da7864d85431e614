package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(opsCmd)
	opsCmd.AddCommand(opsRetryCmd)
	opsCmd.AddCommand(opsDismissCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check API reachability and session validity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := shortContext()
		defer cancel()
		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("API unreachable or session invalid: %w", err)
		}
		fmt.Println("OK")
		return nil
	},
}

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect pending operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}

		ops := engine.PendingOperations()
		if len(ops) == 0 {
			fmt.Println("No pending operations.")
			return nil
		}
		for _, op := range ops {
			line := fmt.Sprintf("%s  %-12s %-10s attempts=%d", op.ID, op.Kind, op.Status, op.Attempts)
			if op.LastError != "" {
				line += "  " + op.LastError
			}
			fmt.Println(line)
		}
		return nil
	},
}

var opsRetryCmd = &cobra.Command{
	Use:   "retry <operation-id>",
	Short: "Retry a failed operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}

		done, err := engine.RetryOperation(args[0])
		if err != nil {
			return err
		}
		if err := <-done; err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		fmt.Println("Operation completed.")
		return nil
	},
}

var opsDismissCmd = &cobra.Command{
	Use:   "dismiss <operation-id>",
	Short: "Dismiss a failed operation, keeping its local artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}

		if err := engine.DismissOperation(args[0]); err != nil {
			return err
		}
		fmt.Println("Operation dismissed.")
		return nil
	},
}
