package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genimpute/internal/observability"
	"github.com/3leaps/genimpute/pkg/export"
	"github.com/3leaps/genimpute/pkg/region"
	"github.com/3leaps/genimpute/pkg/storage"
)

var regionsCmd = &cobra.Command{
	Use:   "regions [output_prefix]",
	Short: "List the region bundles an export would package",
	Long: `Group the raw per-region output directories into export bundles and show
the shards of each bundle in merge order. The prefix defaults to
run.output_prefix.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRegions,
}

func init() {
	rootCmd.AddCommand(regionsCmd)
	regionsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRegions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := currentConfig()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	root := cfg.Run.OutputPrefix
	if len(args) == 1 {
		root = args[0]
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open storage", err)
	}
	defer closeStore()

	if err := listRegions(ctx, store, root, os.Stdout, jsonOutput); err != nil {
		observability.CLILogger.Error("Failed to discover regions", zap.String("root", root), zap.Error(err))
		return exitError(foundry.ExitFileReadError, "Failed to discover regions", err)
	}
	return nil
}

func listRegions(ctx context.Context, store *storage.Store, root string, w io.Writer, jsonOutput bool) error {
	bundles, err := region.NewRegistry(store, observability.CLILogger).Discover(ctx, root)
	if err != nil {
		return err
	}
	if len(bundles) == 0 {
		_, _ = fmt.Fprintln(w, "No regions found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(bundles)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "REGION\tDIRS\tHEADER\tDATA\tINFO\tARCHIVE")
	for _, b := range bundles {
		header := b.Header()
		if header == "" {
			header = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%s\n",
			b.Name,
			len(b.Dirs),
			storage.Base(header),
			len(b.DataShards),
			len(b.InfoShards),
			export.ArchiveName(b.Name),
		)
	}
	return nil
}
