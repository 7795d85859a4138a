package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/venue-crawler/internal/api"
	"github.com/JakeFAU/venue-crawler/internal/logstream"
	"github.com/JakeFAU/venue-crawler/internal/orchestrator"
)

func newCrawlCmd() *cobra.Command {
	var (
		baseURL  string
		selector string
		keys     []string
		maxPages int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the configured scrape once",
		Long: `Scrapes the listing configured under crawl.* (or given by flags), printing
the narration to stdout and writing the CSV export when venues are found.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config().Crawl
			req := orchestrator.Request{
				BaseURL:      cfg.BaseURL,
				CSSSelector:  cfg.CSSSelector,
				RequiredKeys: cfg.RequiredKeys,
				MaxPages:     cfg.MaxPages,
				PageDelay:    cfg.PageDelay,
				SessionID:    cfg.SessionID,
			}
			flags := cmd.Flags()
			if flags.Changed("base-url") {
				req.BaseURL = baseURL
			}
			if flags.Changed("selector") {
				req.CSSSelector = selector
			}
			if flags.Changed("keys") {
				req.RequiredKeys = keys
			}
			if flags.Changed("max-pages") {
				req.MaxPages = maxPages
			}
			return runCrawl(cmd.Context(), appInstance.Runner(), appInstance.Broker(), req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "listing URL (overrides crawl.base_url)")
	cmd.Flags().StringVar(&selector, "selector", "", "CSS selector (overrides crawl.css_selector)")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "required keys (overrides crawl.required_keys)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page limit, 0 for none (overrides crawl.max_pages)")
	return cmd
}

// runCrawl executes req, echoing narration to out until the run finishes.
func runCrawl(ctx context.Context, scraper api.Scraper, broker *logstream.Broker, req orchestrator.Request, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := broker.Subscribe("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			line, err := sub.Next(context.Background())
			if err != nil {
				return
			}
			_, _ = fmt.Fprintln(out, line.Text)
		}
	}()

	res, err := scraper.Run(ctx, req)
	sub.Close()
	<-done

	switch {
	case errors.Is(err, context.Canceled):
		_, _ = fmt.Fprintln(out, "Crawl interrupted.")
		return nil
	case err != nil:
		return fmt.Errorf("crawl: %w", err)
	}
	c := res.Run.Counters
	_, _ = fmt.Fprintf(out, "Pages: %d  Venues: %d  Incomplete: %d  Duplicates: %d\n",
		c.Pages, c.Venues, c.Incomplete, c.Duplicates)
	_, _ = fmt.Fprintf(out, "Tokens used: %d\n", res.Usage.TotalTokens())
	return nil
}
