package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay failed operations and flush local state",
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
			fmt.Println("Nothing to sync.")
			return engine.Flush(ctx)
		}

		var failed int
		for _, op := range ops {
			done, err := engine.RetryOperation(op.ID)
			if err != nil {
				failed++
				fmt.Printf("%s  %-12s %v\n", op.ID, op.Kind, err)
				continue
			}
			if err := <-done; err != nil {
				failed++
				fmt.Printf("%s  %-12s %v\n", op.ID, op.Kind, err)
				continue
			}
			fmt.Printf("%s  %-12s completed\n", op.ID, op.Kind)
		}

		if err := engine.Flush(ctx); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d operations still failing", failed, len(ops))
		}
		return nil
	},
}
