package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(casesCmd)
	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
	casesCmd.AddCommand(casesRenameCmd)
	casesCmd.AddCommand(casesDeleteCmd)
	casesCmd.AddCommand(casesPinCmd)
	casesCmd.AddCommand(casesUnpinCmd)
	casesCmd.AddCommand(casesUploadCmd)
}

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Manage troubleshooting cases",
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally cached cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}

		cases := engine.Cases()
		if len(cases) == 0 {
			fmt.Println("No cases.")
			return nil
		}
		active := engine.ActiveCase()
		for _, c := range cases {
			marker := "  "
			if c.CaseID == active {
				marker = "* "
			}
			flags := ""
			if c.Pinned {
				flags += " [pinned]"
			}
			if c.Optimistic {
				flags += " [unsynced]"
			}
			fmt.Printf("%s%-40s %-10s %s%s\n", marker, c.CaseID, c.Status, c.Title, flags)
		}
		return nil
	},
}

var casesShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Print a case's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}
		if err := engine.OpenCase(ctx, args[0]); err != nil {
			return err
		}

		for _, item := range engine.Conversation(args[0]) {
			switch {
			case item.Loading:
				fmt.Println("  ... (pending)")
			case item.Question != "":
				fmt.Printf("> %s\n", item.Question)
			case item.Response != "":
				fmt.Println(indent(item.Response))
			}
			if item.Failed {
				fmt.Println("  [failed]")
			}
		}
		return nil
	},
}

var casesRenameCmd = &cobra.Command{
	Use:   "rename <case-id> <title>",
	Short: "Rename a case",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}
		if _, err := engine.RenameCase(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed %s\n", args[0])
		return nil
	},
}

var casesDeleteCmd = &cobra.Command{
	Use:   "delete <case-id>",
	Short: "Delete a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}
		if _, err := engine.DeleteCase(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var casesPinCmd = &cobra.Command{
	Use:   "pin <case-id>",
	Short: "Pin a case to the top of the list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}
		engine.PinCase(args[0])
		fmt.Printf("Pinned %s\n", args[0])
		return nil
	},
}

var casesUnpinCmd = &cobra.Command{
	Use:   "unpin <case-id>",
	Short: "Unpin a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}
		engine.UnpinCase(args[0])
		fmt.Printf("Unpinned %s\n", args[0])
		return nil
	},
}

var casesUploadCmd = &cobra.Command{
	Use:   "upload <case-id> <file>",
	Short: "Attach diagnostic data to a case",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readFileArg(args[1])
		if err != nil {
			return err
		}

		engine, cleanup := getEngine()
		defer cleanup()

		ctx, cancel := shortContext()
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return err
		}
		op, err := engine.UploadData(ctx, args[0], fileBase(args[1]), data)
		if err != nil {
			return err
		}
		fmt.Printf("Upload queued (operation %s)\n", op.ID)
		return nil
	},
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
