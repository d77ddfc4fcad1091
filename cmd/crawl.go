package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/manager"
)

const shutdownGrace = 10 * time.Second

type crawlFlags struct {
	maxDepth       int
	maxPages       int
	concurrency    int
	delayMs        int
	randomDelay    bool
	fileTypes      []string
	stayOnDomain   bool
	allowDomains   []string
	blockDomains   []string
	respectRobots  bool
	outputDir      string
	savePages      bool
	pageFormat     string
	minSize        int64
	maxSize        int64
	timeoutMs      int
	download       bool
	estimate       bool
	layout         string
	overwrite      bool
	userAgent      string
	requestTimeout time.Duration
}

func (f *crawlFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.maxDepth, "max-depth", 0, "maximum link depth from the start URL")
	fs.IntVar(&f.maxPages, "max-pages", 0, "maximum number of pages to crawl")
	fs.IntVar(&f.concurrency, "concurrency", 0, "pages fetched in parallel")
	fs.IntVar(&f.delayMs, "delay", 0, "delay between requests in milliseconds")
	fs.BoolVar(&f.randomDelay, "random-delay", false, "jitter the delay between 0.5x and 1.5x")
	fs.StringSliceVar(&f.fileTypes, "types", nil, "document extensions to collect, e.g. pdf,docx")
	fs.BoolVar(&f.stayOnDomain, "stay-on-domain", true, "only follow links on the start URL's domain")
	fs.StringSliceVar(&f.allowDomains, "allow-domain", nil, "additional domains to follow")
	fs.StringSliceVar(&f.blockDomains, "block-domain", nil, "domains never to follow")
	fs.BoolVar(&f.respectRobots, "respect-robots", true, "honour robots.txt")
	fs.StringVar(&f.outputDir, "output", "", "directory for downloaded documents and saved pages")
	fs.BoolVar(&f.savePages, "save-pages", false, "save the content of every crawled page")
	fs.StringVar(&f.pageFormat, "page-format", "", "saved page format: html, text or markdown")
	fs.Int64Var(&f.minSize, "min-size", 0, "skip documents smaller than this many bytes")
	fs.Int64Var(&f.maxSize, "max-size", 0, "skip documents larger than this many bytes")
	fs.IntVar(&f.timeoutMs, "timeout", 0, "overall crawl timeout in milliseconds")
	fs.BoolVar(&f.download, "download", false, "download documents as they are discovered")
	fs.BoolVar(&f.estimate, "estimate", false, "estimate the site size before crawling")
	fs.StringVar(&f.layout, "layout", "", "download layout: mirrored or flat")
	fs.BoolVar(&f.overwrite, "overwrite", false, "replace files that already exist")
	fs.StringVar(&f.userAgent, "user-agent", "", "User-Agent header for every request")
	fs.DurationVar(&f.requestTimeout, "request-timeout", 0, "per-request timeout")
}

// apply overrides the configured defaults with every flag the user set.
func (f *crawlFlags) apply(fs *pflag.FlagSet, req crawler.CrawlRequest) crawler.CrawlRequest {
	set := func(name string) bool { return fs.Changed(name) }
	if set("max-depth") {
		req.MaxDepth = f.maxDepth
	}
	if set("max-pages") {
		req.MaxPages = f.maxPages
	}
	if set("concurrency") {
		req.Concurrency = f.concurrency
	}
	if set("delay") {
		req.DelayMs = f.delayMs
	}
	if set("random-delay") {
		req.RandomDelay = f.randomDelay
	}
	if set("types") {
		req.AllowedFileTypes = f.fileTypes
	}
	if set("stay-on-domain") {
		req.StayOnDomain = f.stayOnDomain
	}
	if set("allow-domain") {
		req.AllowedDomains = f.allowDomains
	}
	if set("block-domain") {
		req.BlockedDomains = f.blockDomains
	}
	if set("respect-robots") {
		req.RespectRobotsTxt = f.respectRobots
	}
	if set("output") {
		req.OutputDir = f.outputDir
	}
	if set("save-pages") {
		req.SavePageContent = f.savePages
	}
	if set("page-format") {
		req.PageContentFormat = crawler.PageContentFormat(f.pageFormat)
	}
	if set("min-size") {
		req.MinFileSize = f.minSize
	}
	if set("max-size") {
		req.MaxFileSize = f.maxSize
	}
	if set("timeout") {
		req.TimeoutMs = f.timeoutMs
	}
	if set("download") {
		req.DownloadDocuments = f.download
	}
	if set("estimate") {
		req.EstimateFirst = f.estimate
	}
	if set("layout") {
		req.Layout = crawler.Layout(f.layout)
	}
	if set("overwrite") {
		req.Overwrite = f.overwrite
	}
	if set("user-agent") {
		req.UserAgent = f.userAgent
	}
	if set("request-timeout") {
		req.RequestTimeoutMs = int(f.requestTimeout / time.Millisecond)
	}
	return req
}

// crawlSummary is printed to stdout once the session ends.
type crawlSummary struct {
	Session   crawler.StatusSnapshot       `json:"session"`
	Estimate  *crawler.EstimationResult    `json:"estimate,omitempty"`
	Documents []crawler.DiscoveredDocument `json:"documents"`
	Errors    []crawler.ErrorEntry         `json:"errors"`
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one session in the
// foreground and prints its summary as JSON.
func newCrawlCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a site and report the documents it links to",
		Long: `Runs a single crawl session from the given start URL. Flags override the
crawl section of the config file. Interrupting the command aborts the session
and still prints what was collected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			mgr := manager.New(managerConfig(rt.cfg), manager.Deps{
				Client: httpClient(rt.cfg),
				Logger: rt.logger,
			})
			req := flags.apply(cmd.Flags(), mgr.Defaults())
			req.StartURL = args[0]
			return runCrawl(cmd.Context(), mgr, req, cmd.OutOrStdout(), rt.logger)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func runCrawl(ctx context.Context, mgr *manager.Manager, req crawler.CrawlRequest, out io.Writer, logger *zap.Logger) error {
	id, err := mgr.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}

	if _, err := mgr.Wait(ctx, id); err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Warn("interrupted, aborting crawl", zap.String("session_id", id))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("crawl did not stop cleanly", zap.Error(err))
	}

	summary, err := summarize(shutdownCtx, mgr, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if summary.Session.Status == crawler.StatusFailed {
		return fmt.Errorf("crawl failed: %s", summary.Session.Error)
	}
	return nil
}

func summarize(ctx context.Context, mgr *manager.Manager, id string) (crawlSummary, error) {
	snap, err := mgr.Status(ctx, id)
	if err != nil {
		return crawlSummary{}, fmt.Errorf("read session status: %w", err)
	}
	docs, err := mgr.Documents(id)
	if err != nil {
		return crawlSummary{}, fmt.Errorf("read documents: %w", err)
	}
	errs, err := mgr.Errors(id)
	if err != nil {
		return crawlSummary{}, fmt.Errorf("read errors: %w", err)
	}
	summary := crawlSummary{Session: snap, Documents: docs, Errors: errs}
	if records, err := mgr.List(ctx); err == nil {
		for _, rec := range records {
			if rec.ID == id {
				summary.Estimate = rec.Estimate
				break
			}
		}
	}
	if summary.Documents == nil {
		summary.Documents = []crawler.DiscoveredDocument{}
	}
	if summary.Errors == nil {
		summary.Errors = []crawler.ErrorEntry{}
	}
	return summary, nil
}
