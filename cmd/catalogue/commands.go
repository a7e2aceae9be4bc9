package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalogue-rag/internal/api"
	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
	"github.com/JakeFAU/catalogue-rag/internal/ingestion"
	"github.com/JakeFAU/catalogue-rag/internal/retrieval"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl [seed-url]",
		Short: "Crawl the catalogue and record its documents as sources",
		Long: `Walks the catalogue depth-first from the seed (crawler.seed_url when no
argument is given) and upserts every PDF and content page it finds.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			seed := ""
			if len(args) == 1 {
				seed = args[0]
			}
			summary, err := appInstance.Crawler().CrawlCatalogue(cmd.Context(), seed)
			if printErr := printJSON(cmd.OutOrStdout(), summary); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			return nil
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "discover <source-id>",
		Short: "Expand a directory source into child sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := appInstance.Discovery().DiscoverFromSource(cmd.Context(), args[0], depth)
			if err != nil {
				return fmt.Errorf("discover %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "starting depth of the source")
	return cmd
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <source-id>",
		Short: "Fetch, chunk, embed and store one source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Ingestion().IngestSource(cmd.Context(), args[0]); err != nil {
				return err
			}
			src, err := appInstance.Repository().GetSource(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reload source: %w", err)
			}
			appInstance.Logger().Info("ingest finished",
				zap.String("source_id", src.ID),
				zap.String("status", string(src.IngestStatus)),
			)
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"source_id":     src.ID,
				"ingest_status": string(src.IngestStatus),
				"error_message": src.ErrorMessage,
			})
		},
	}
}

func newIngestBatchCmd() *cobra.Command {
	var (
		category   string
		sourceType string
		priority   string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "ingest-batch",
		Short: "Ingest every matching source sequentially",
		Long: `Ingests the sources matching the filters one at a time. Without --limit,
sources that are already ingested are left out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Ingestion().IngestBatch(cmd.Context(), ingestion.Filter{
				Category:   category,
				SourceType: catalogue.SourceType(sourceType),
				Priority:   catalogue.Priority(priority),
				Limit:      limit,
			})
			if printErr := printJSON(cmd.OutOrStdout(), summary); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only sources in this category")
	cmd.Flags().StringVar(&sourceType, "source-type", "", "only sources of this type (html, pdf, folio_content, ...)")
	cmd.Flags().StringVar(&priority, "priority", "", "only sources with this priority (low, medium, high)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of sources; includes already ingested ones")
	return cmd
}

func newRetrieveCmd() *cobra.Command {
	var opts retrieval.Options
	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Return the chunks that best answer a query, with citations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			results, err := appInstance.Retrieval().Retrieve(cmd.Context(), strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().IntVar(&opts.TopK, "top-k", 0, "number of chunks to return (default retrieval.top_k)")
	cmd.Flags().Float64Var(&opts.MinSimilarity, "min-similarity", 0, "drop matches below this cosine similarity")
	cmd.Flags().StringVar(&opts.Category, "category", "", "only search sources in this category")
	return cmd
}

func newServeMetricsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve /healthz, /readyz and /metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = appInstance.Config().Metrics.Addr
			}
			server := api.NewServer(appInstance.Ready, appInstance.Logger())
			return server.ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default metrics.addr)")
	return cmd
}
