package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/config"
	"github.com/scalyclaw/scalyclaw-sub000/internal/registry"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// processStatus is one row of `scalyclaw status`.
type processStatus struct {
	models.ProcessRecord
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// runStatus lists registered processes and whether they answer.
func runStatus(ctx context.Context, out io.Writer, configPath string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	records, reg, closeFn, err := knownProcesses(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	rows := make([]processStatus, 0, len(records))
	for _, rec := range records {
		row := processStatus{ProcessRecord: rec, Reachable: true}
		if err := reg.Probe(ctx, rec); err != nil {
			row.Reachable = false
			row.Error = err.Error()
		}
		row.AuthToken = ""
		rows = append(rows, row)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No processes registered.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tADDRESS\tVERSION\tUPTIME\tSTATUS")
	for _, row := range rows {
		status := "up"
		if !row.Reachable {
			status = "unreachable"
		}
		uptime := "-"
		if !row.StartedAt.IsZero() {
			uptime = time.Since(row.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", row.ID, row.Type, row.BaseURL(), orDash(row.Version), uptime, status)
	}
	return tw.Flush()
}

// knownProcesses lists the registry of a shared backend. With an in-process
// backend nothing is shared, so the configured node and worker addresses
// stand in for the registry.
func knownProcesses(ctx context.Context, cfg *config.Config) ([]models.ProcessRecord, *registry.Registry, func(), error) {
	logger := slog.Default()
	if strings.EqualFold(cfg.Queue.Backend, "postgres") {
		be, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		records, err := be.registry.List(ctx, "")
		if err != nil {
			_ = be.Close()
			return nil, nil, nil, err
		}
		return records, be.registry, func() { _ = be.Close() }, nil
	}

	reg := registry.NewRegistry(registry.NewMemoryStore(), logger, registry.WithHTTPClient(probeClient))
	records := []models.ProcessRecord{
		{ID: orDefault(cfg.Node.ID, "node"), Type: models.ProcessNode, Host: cfg.Node.Host, Port: cfg.Node.Port, AuthToken: cfg.Node.AuthToken},
		{ID: orDefault(cfg.Worker.ID, "worker"), Type: models.ProcessWorker, Host: cfg.Worker.Host, Port: cfg.Worker.Port, AuthToken: cfg.Worker.AuthToken},
	}
	return records, reg, func() {}, nil
}

// stopOptions selects what `scalyclaw stop` targets.
type stopOptions struct {
	ID       string
	URL      string
	Token    string
	All      bool
	Timeout  time.Duration
	Interval time.Duration
}

// runStop asks processes to shut down and waits until they stop answering.
func runStop(ctx context.Context, out io.Writer, configPath string, opts stopOptions) error {
	if opts.URL != "" {
		rec, err := recordFromURL(opts.URL)
		if err != nil {
			return err
		}
		rec.AuthToken = opts.Token
		return stopProcesses(ctx, out, []models.ProcessRecord{rec}, opts)
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	records, _, closeFn, err := knownProcesses(ctx, cfg)
	if err != nil {
		return err
	}
	closeFn()
	targets := selectTargets(records, opts)
	if len(targets) == 0 {
		return errors.New("no matching process")
	}
	return stopProcesses(ctx, out, targets, opts)
}

// selectTargets picks nodes only unless an id or --all says otherwise. An
// explicit token overrides the registered one.
func selectTargets(records []models.ProcessRecord, opts stopOptions) []models.ProcessRecord {
	var targets []models.ProcessRecord
	for _, rec := range records {
		switch {
		case opts.ID != "" && rec.ID != opts.ID:
			continue
		case opts.ID == "" && !opts.All && rec.Type != models.ProcessNode:
			continue
		}
		if opts.Token != "" {
			rec.AuthToken = opts.Token
		}
		targets = append(targets, rec)
	}
	return targets
}

func stopProcesses(ctx context.Context, out io.Writer, targets []models.ProcessRecord, opts stopOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	var errs []error
	for _, rec := range targets {
		base := rec.BaseURL()
		if err := requestShutdown(ctx, probeClient, base, rec.AuthToken); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.ID, err))
			continue
		}
		fmt.Fprintf(out, "Stopping %s (%s)...\n", rec.ID, base)
		wctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		err := waitUnreachable(wctx, probeClient, base, opts.Interval)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s still running: %w", rec.ID, err))
			continue
		}
		fmt.Fprintf(out, "%s stopped.\n", rec.ID)
	}
	return errors.Join(errs...)
}

// requestShutdown posts to the process's authenticated shutdown endpoint.
func requestShutdown(ctx context.Context, client *http.Client, baseURL, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/shutdown", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("shutdown request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return errors.New("shutdown rejected: bad or missing token")
	default:
		return fmt.Errorf("shutdown request returned %d", resp.StatusCode)
	}
}

// waitUnreachable polls the health endpoint until it stops answering.
func waitUnreachable(ctx context.Context, client *http.Client, baseURL string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+registry.HealthPath, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func recordFromURL(raw string) (models.ProcessRecord, error) {
	hostport := strings.TrimPrefix(strings.TrimPrefix(raw, "http://"), "https://")
	hostport = strings.TrimRight(hostport, "/")
	host, portText, err := net.SplitHostPort(hostport)
	if err != nil {
		return models.ProcessRecord{}, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return models.ProcessRecord{}, fmt.Errorf("invalid port in %q", raw)
	}
	return models.ProcessRecord{ID: hostport, Host: host, Port: port}, nil
}

func orDash(s string) string { return orDefault(s, "-") }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
