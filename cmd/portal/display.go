package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"qms/token-portal/internal/display"
	"qms/token-portal/internal/displayapi"
	"qms/token-portal/internal/hub"
	"qms/token-portal/internal/models"
	"qms/token-portal/internal/poller"
	"qms/token-portal/internal/tokenapi"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const clearScreen = "\x1b[H\x1b[2J"

func runDisplay(ctx context.Context, a *app, args []string) error {
	var tv, serve bool
	var departmentID, divisionID int64
	var interval time.Duration
	var port string
	var limit, width, columns int
	flags := pflag.NewFlagSet("display", pflag.ContinueOnError)
	flags.BoolVar(&tv, "tv", false, "draw the board on this terminal")
	flags.BoolVar(&serve, "serve", true, "serve the board to screens over HTTP and SockJS")
	flags.Int64Var(&departmentID, "department", 0, "only show one department")
	flags.Int64Var(&divisionID, "division", 0, "only show one division")
	flags.DurationVar(&interval, "interval", 0, "poll interval (default DISPLAY_POLL_SECONDS, or TV_POLL_SECONDS with --tv)")
	flags.StringVar(&port, "port", a.cfg.DisplayPort, "HTTP port for --serve")
	flags.IntVar(&limit, "limit", a.cfg.WaitingLimit, "waiting tickets shown per division")
	flags.IntVar(&width, "width", 120, "board width in columns")
	flags.IntVar(&columns, "columns", 3, "divisions per row")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if interval <= 0 {
		interval = a.cfg.DisplayInterval
		if tv {
			interval = a.cfg.TVInterval
		}
	}
	name := "display"
	if tv {
		name = "tv"
	}

	store := display.NewStore(limit)
	p := poller.New(poller.Config[[]models.Token]{
		Name:     name,
		Interval: interval,
		Timeout:  a.cfg.APITimeout,
		Fetch: func(ctx context.Context) ([]models.Token, error) {
			return a.api.ListTokens(ctx, tokenapi.Filter{DepartmentID: departmentID, DivisionID: divisionID})
		},
		OnSuccess: func(generation uint64, tokens []models.Token) {
			store.Apply(generation, tokens)
		},
		OnError: func(generation uint64, err error) {
			log.Printf("display poll error generation=%d: %v", generation, err)
			store.Fail(generation, err)
		},
	})

	renderOptions := display.RenderOptions{Title: a.cfg.OfficeName, Width: width, Columns: columns}

	var server *http.Server
	if serve {
		srv := displayapi.New(store, hub.New(), displayapi.Options{Title: renderOptions.Title, Width: width, Columns: columns})
		server = &http.Server{
			Addr:        ":" + port,
			Handler:     otelhttp.NewHandler(srv.Routes(), "portal-display"),
			ReadTimeout: 10 * time.Second,
			IdleTimeout: 60 * time.Second,
		}
		go srv.Run(ctx)
		go func() {
			log.Printf("display listening on %s interval=%s", server.Addr, interval)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("display server error: %v", err)
			}
		}()
	}

	if tv {
		go drawBoard(ctx, a, store, renderOptions)
	}

	err := p.Run(ctx)
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("display shutdown error: %v", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func drawBoard(ctx context.Context, a *app, store *display.Store, opts display.RenderOptions) {
	updates, cancel := store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			fmt.Fprint(a.out, clearScreen+display.Render(state, opts)+"\n")
		}
	}
}
