package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVar(&askCase, "case", "", "submit into an existing case instead of the active one")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 2*time.Minute, "how long to wait for the agent response")
}

var (
	askCase    string
	askTimeout time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask <query...>",
	Short: "Submit a troubleshooting question",
	Long:  "Submit a question to the FaultMaven agent. Without --case, the active case is used; with no active case a new one is opened.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
		defer cancel()

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		if askCase != "" {
			if err := engine.OpenCase(ctx, askCase); err != nil {
				return err
			}
		}

		result, err := engine.SubmitQuery(ctx, query)
		if err != nil {
			return err
		}
		fmt.Printf("Case: %s\n", result.CaseID)

		select {
		case err := <-result.Done:
			if err != nil {
				return fmt.Errorf("submit failed: %w (use 'faultmaven-copilot ops' to retry)", err)
			}
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for response; the operation stays queued")
		}

		for _, item := range engine.Conversation(result.CaseID) {
			if item.ID == result.ResponseID {
				fmt.Println(item.Response)
				break
			}
		}
		return nil
	},
}
