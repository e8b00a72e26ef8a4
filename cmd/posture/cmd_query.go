package main

import (
	"github.com/spf13/cobra"

	"github.com/yairfalse/posture/pkg/resource"
)

var (
	resultsRule   string
	resultsLatest bool
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory <kind>",
	Short: "Print the stored inventory of one resource kind",
	Example: `  posture inventory ec2_instance
  posture inventory s3_bucket`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: kindNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := resource.ParseKind(args[0])
		if err != nil {
			return err
		}
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.readOnlyService().CurrentInventory(cmd.Context(), kind)
		if err != nil {
			return err
		}
		if records == nil {
			records = []resource.Record{}
		}
		return printJSON(cmd.OutOrStdout(), records)
	},
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Print check result history, newest first",
	Example: `  posture results
  posture results --rule CIS-2.1.5
  posture results --latest`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		svc := a.readOnlyService()
		if resultsLatest {
			latest, err := svc.LatestResults(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), latest)
		}
		results, err := svc.CheckResults(cmd.Context(), resultsRule)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), results)
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the dashboard summary of stored inventory and latest results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.readOnlyService().Dashboard(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), d)
	},
}

func init() {
	rootCmd.AddCommand(inventoryCmd, resultsCmd, summaryCmd)

	resultsCmd.Flags().StringVar(&resultsRule, "rule", "", "Only results of this rule id")
	resultsCmd.Flags().BoolVar(&resultsLatest, "latest", false, "Only the newest result of each rule")
	resultsCmd.MarkFlagsMutuallyExclusive("rule", "latest")
}

func kindNames() []string {
	kinds := resource.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
