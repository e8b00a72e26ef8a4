package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yairfalse/posture/internal/service"
	"github.com/yairfalse/posture/pkg/compliance"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one compliance scan and print its summary",
	Long: `Run a single scan: discover every configured resource kind, evaluate
the CIS rules, persist inventory and results, then print the scan summary
as JSON.

The command exits non-zero only when the scan could not begin (FAILED).
A scan that COMPLETED_WITH_ERRORS still exits zero; inspect "errors".`,
	Example: `  posture scan
  posture scan --region eu-west-1
  posture scan --config posture.yaml`,
	RunE: runScanCmd,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScanCmd(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := loadApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.scanningService(ctx)
	if err != nil {
		return err
	}
	return scanOnce(ctx, svc, cmd.OutOrStdout())
}

// scanOnce triggers a scan, prints the summary and maps FAILED to errScanFailed.
func scanOnce(ctx context.Context, svc *service.Service, out io.Writer) error {
	summary, err := svc.TriggerScan(ctx)
	if summary == nil {
		if err != nil {
			return err
		}
		return errScanFailed
	}
	if perr := printJSON(out, summary); perr != nil {
		return perr
	}
	if summary.Status == compliance.ScanFailed {
		return errScanFailed
	}
	return nil
}
