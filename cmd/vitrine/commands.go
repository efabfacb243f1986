package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/vitrine/api"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var withMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(g.configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a, withMCP)
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", true, "Also serve MCP (streamable HTTP) at /mcp")
	return cmd
}

func serve(ctx context.Context, a *app, withMCP bool) error {
	opts := api.Options{
		Metrics:    a.metrics.Handler(),
		RunTimeout: a.cfg.HTTP.RunTimeout,
		MaxBody:    a.cfg.HTTP.MaxBody,
		RateLimit:  a.cfg.HTTP.RateLimit,
		Logger:     a.log,
	}
	if withMCP {
		srv := newMCPServer(a)
		opts.MCP = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
	}
	httpSrv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           api.NewRouter(a.pipeline, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("vitrine: listening", "addr", httpSrv.Addr, "sites", len(a.cfg.Sites), "mcp", withMCP)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("vitrine: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func ingestCmd(g *globalFlags) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one harvest and store reconciliation, print the summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(g.configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if pages <= 0 {
				pages = a.cfg.Harvest.DefaultPages
			}
			sum, err := a.pipeline.Run(cmd.Context(), pages)
			if err != nil {
				return err
			}
			return printJSON(sum)
		},
	}
	cmd.Flags().IntVarP(&pages, "pages", "p", 0, "Pages per site (default: harvest.default_pages)")
	return cmd
}

func searchCmd(g *globalFlags) *cobra.Command {
	var text, image string
	var k int
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search items by text or by a local image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (text == "") == (image == "") {
				return errors.New("exactly one of --text or --image is required")
			}
			a, err := openApp(g.configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if text != "" {
				hits, err := a.pipeline.SearchByText(cmd.Context(), text, k)
				if err != nil {
					return err
				}
				return printJSON(hits)
			}
			hits, err := a.pipeline.SearchByImage(cmd.Context(), image, k)
			if err != nil {
				return fmt.Errorf("search by image %s: %w", image, err)
			}
			return printJSON(hits)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Text query")
	cmd.Flags().StringVar(&image, "image", "", "Path of a query image")
	cmd.Flags().IntVarP(&k, "k", "k", 10, "Number of results")
	return cmd
}

func statsCmd(g *globalFlags) *cobra.Command {
	var runs int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print store sizes and recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(g.configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.pipeline.Stats(cmd.Context(), runs)
			if err != nil {
				return err
			}
			vs, err := a.vectors.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"stores": st, "similarity_index": vs})
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 5, "Recent runs to list")
	return cmd
}

func mcpCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(g.configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return newMCPServer(a).Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}

func newMCPServer(a *app) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "vitrine", Version: version}, nil)
	a.pipeline.RegisterMCP(srv)
	return srv
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
