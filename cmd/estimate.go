package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/estimator"
)

// newEstimateCmd creates the 'estimate' subcommand.
func newEstimateCmd() *cobra.Command {
	var (
		maxDepth  int
		timeoutMs int
	)
	cmd := &cobra.Command{
		Use:   "estimate <url>",
		Short: "Estimate how many pages a site has",
		Long: `Probes robots.txt and sitemaps, samples the site with a shallow crawl and
looks for pagination, then prints the estimate as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			est := estimator.New(estimatorConfig(rt.cfg), httpClient(rt.cfg), nil, rt.logger.Named("estimator"))
			result := est.Estimate(cmd.Context(), estimator.EstimateRequest{
				URL:       args[0],
				MaxDepth:  maxDepth,
				TimeoutMs: timeoutMs,
			})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("write estimate: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "sample crawl depth (0 uses the configured default)")
	cmd.Flags().IntVar(&timeoutMs, "timeout", 0, "estimation timeout in milliseconds")
	return cmd
}
