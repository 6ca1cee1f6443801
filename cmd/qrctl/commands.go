package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/DynQR/internal/analytics"
	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/bootstrap"
	"github.com/dharsanguruparan/DynQR/internal/config"
	"github.com/dharsanguruparan/DynQR/internal/export"
	"github.com/dharsanguruparan/DynQR/internal/logging"
	"github.com/dharsanguruparan/DynQR/internal/model"
	"github.com/dharsanguruparan/DynQR/internal/redirect"
	"github.com/dharsanguruparan/DynQR/internal/render"
	"github.com/dharsanguruparan/DynQR/internal/seed"
	"github.com/dharsanguruparan/DynQR/internal/signing"
	"github.com/dharsanguruparan/DynQR/internal/store"
)

// app holds what every subcommand needs once the root command has opened
// the store.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.RecordStore
	close  func()
	origin string
}

func (a *app) link(rec model.Record) string {
	return redirect.Link(a.origin, a.cfg.RedirectPrefix, rec.ShortCode)
}

func newRootCommand() *cobra.Command {
	a := &app{close: func() {}}
	var verbose bool
	cmd := &cobra.Command{
		Use:   "qrctl",
		Short: "Manage DynQR codes from the command line",
		Long: `qrctl reads the same DYNQR_* environment (and .env file) as the server and
operates on the configured state backend directly.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			level := "warn"
			if verbose {
				level = "debug"
			}
			a.cfg = cfg
			a.logger = logging.Setup(cmd.ErrOrStderr(), level, cfg.LogFormat)
			if a.origin == "" {
				a.origin = cfg.PublicOrigin
			}
			if a.origin == "" {
				a.origin = "http://localhost" + cfg.Address
			}
			st, closeStore, err := bootstrap.OpenStore(cmd.Context(), cfg, a.logger)
			if err != nil {
				return err
			}
			a.store, a.close = st, closeStore
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	cmd.PersistentFlags().StringVar(&a.origin, "origin", "", "Origin short links are built on (defaults to DYNQR_PUBLIC_ORIGIN)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	cmd.AddCommand(
		newCreateCmd(a),
		newListCmd(a),
		newSetURLCmd(a),
		newSelectCmd(a),
		newDeleteCmd(a),
		newScanCmd(a),
		newStatsCmd(a),
		newSeedCmd(a),
		newPNGCmd(a),
		newExportCmd(a),
	)
	return cmd
}

func newCreateCmd(a *app) *cobra.Command {
	var (
		name, target, color, background, level string
		size, margin                           int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a QR code and make it current",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := model.ValidateNew(name, target); err != nil {
				return err
			}
			var o model.StyleOverrides
			if cmd.Flags().Changed("size") {
				o.Size = &size
			}
			if cmd.Flags().Changed("margin") {
				o.Margin = &margin
			}
			if cmd.Flags().Changed("color") {
				o.Color = &color
			}
			if cmd.Flags().Changed("background") {
				o.BackgroundColor = &background
			}
			if cmd.Flags().Changed("level") {
				l := model.ErrorCorrection(strings.ToUpper(level))
				o.ErrorCorrectionLevel = &l
			}
			if err := model.ValidateStyle(model.MergeStyle(model.DefaultStyle(), o)); err != nil {
				return err
			}
			rec, err := a.store.Create(cmd.Context(), strings.TrimSpace(name), strings.TrimSpace(target), o)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\nshort code: %s\nlink: %s\n", rec.ID, rec.ShortCode, a.link(rec))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&target, "url", "", "Target URL")
	cmd.Flags().IntVar(&size, "size", 200, "Image size in pixels (100-500)")
	cmd.Flags().IntVar(&margin, "margin", 4, "Quiet zone in modules (0-10)")
	cmd.Flags().StringVar(&color, "color", "#000000", "Foreground color")
	cmd.Flags().StringVar(&background, "background", "#ffffff", "Background color")
	cmd.Flags().StringVar(&level, "level", "M", "Error correction level (L, M, Q, H)")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List QR codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			current, _ := a.store.Current()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tID\tNAME\tCODE\tSCANS\tTARGET")
			for _, rec := range a.store.List() {
				marker := ""
				if rec.ID == current.ID {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", marker, rec.ID, rec.Name, rec.ShortCode, len(rec.Scans), rec.CurrentURL)
			}
			return tw.Flush()
		},
	}
}

// find resolves an id or a short code.
func (a *app) find(ref string) (model.Record, error) {
	if rec, ok := a.store.Get(ref); ok {
		return rec, nil
	}
	if rec, ok := a.store.FindByShortCode(ref); ok {
		return rec, nil
	}
	return model.Record{}, apperr.NotFound(fmt.Sprintf("no qr code with id or short code %q", ref))
}

func newSetURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-url <id|code> <url>",
		Short: "Change where a code redirects",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.find(args[0])
			if err != nil {
				return err
			}
			target := strings.TrimSpace(args[1])
			if err := model.ValidateURL(target); err != nil {
				return err
			}
			if err := a.store.SetCurrentURL(cmd.Context(), rec.ID, target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now redirects to %s\n", a.link(rec), target)
			return nil
		},
	}
}

func newSelectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "select <id|code>",
		Short: "Make a code current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.find(args[0])
			if err != nil {
				return err
			}
			if err := a.store.Select(cmd.Context(), rec.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "current: %s (%s)\n", rec.Name, rec.ID)
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id|code>",
		Short: "Delete a code and its scan history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.find(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to delete %q (%d scans) without --yes", rec.Name, len(rec.Scans))
			}
			if err := a.store.Delete(cmd.Context(), rec.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", rec.ID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

func newScanCmd(a *app) *cobra.Command {
	var userAgent string
	cmd := &cobra.Command{
		Use:   "scan <code>",
		Short: "Resolve a short code as a visitor would, recording a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := redirect.NewResolver(a.store, redirect.Options{
				Attempts: a.cfg.ResolveAttempts,
				Backoff:  a.cfg.ResolveBackoff,
				Logger:   a.logger,
			})
			out := resolver.Resolve(cmd.Context(), args[0], userAgent)
			for _, step := range out.Trace {
				a.logger.Debug(step)
			}
			if out.State != redirect.StateRedirecting {
				return errors.New(out.Reason)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&userAgent, "user-agent", "qrctl", "User agent recorded on the scan")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var (
		ref    string
		days   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show scan analytics",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := analytics.Query{Days: days}
			if ref != "" {
				rec, err := a.find(ref)
				if err != nil {
					return err
				}
				q.RecordID = rec.ID
			}
			rep, err := analytics.Compute(a.store.List(), q, model.Now().Local())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return printReport(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&ref, "qr", "", "Limit to one code (id or short code)")
	cmd.Flags().IntVar(&days, "days", analytics.DefaultDays, "Window in days (7, 30 or 90)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func printReport(w io.Writer, rep analytics.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "window\t%d days\n", rep.Days)
	fmt.Fprintf(tw, "scans\t%d\n", rep.TotalScans)
	fmt.Fprintf(tw, "device types\t%d\n", rep.UniqueDevices)
	fmt.Fprintf(tw, "unique ips\t%d\n", rep.UniqueIPs)
	fmt.Fprintf(tw, "avg per day\t%d\n", rep.AvgScansPerDay)
	for _, d := range rep.Devices {
		fmt.Fprintf(tw, "  %s\t%d\n", d.Device, d.Count)
	}
	if len(rep.Ranking) > 0 {
		fmt.Fprintln(tw, "ranking")
		for i, r := range rep.Ranking {
			fmt.Fprintf(tw, "  %d. %s\t%d\n", i+1, r.Name, r.RecentScans)
		}
	}
	return tw.Flush()
}

func newSeedCmd(a *app) *cobra.Command {
	var seedValue int64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill an empty store with demo codes and scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := model.Now()
			if !cmd.Flags().Changed("seed") {
				seedValue = now.UnixNano()
			}
			recs, err := seed.Demo(cmd.Context(), a.store, rand.New(rand.NewSource(seedValue)), now)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d scans\n", rec.ShortCode, rec.Name, len(rec.Scans))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&seedValue, "seed", 0, "Random seed for reproducible demo data")
	return cmd
}

func (a *app) renderer(ctx context.Context) (*export.Renderer, *bootstrap.Blobs, error) {
	blobs, err := bootstrap.OpenBlobs(ctx, a.cfg, signing.NewSigner(a.cfg.SigningSecret))
	if err != nil {
		return nil, nil, err
	}
	return &export.Renderer{Logos: blobs.Logos, Prefix: a.cfg.RedirectPrefix, Logger: a.logger}, &blobs, nil
}

func newPNGCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "png <id|code>",
		Short: "Render a code to a PNG file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.find(args[0])
			if err != nil {
				return err
			}
			renderer, _, err := a.renderer(cmd.Context())
			if err != nil {
				return err
			}
			data, err := renderer.PNG(cmd.Context(), rec, a.origin)
			if err != nil {
				return err
			}
			if out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if out == "" {
				out = render.Filename(rec.Name) + ".png"
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", `Output file ("-" for stdout, default <name>.png)`)
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <id|code>",
		Short: "Render a code into the export store and print a signed URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.find(args[0])
			if err != nil {
				return err
			}
			renderer, blobs, err := a.renderer(cmd.Context())
			if err != nil {
				return err
			}
			exporter := export.NewExporter(a.store, renderer, blobs.Exports, a.logger)
			key, err := exporter.Run(cmd.Context(), export.Job{RecordID: rec.ID, Origin: a.origin})
			if err != nil {
				return err
			}
			u, err := exporter.URL(cmd.Context(), rec.ID, a.cfg.SignedURLTTL)
			if err != nil {
				return err
			}
			if strings.HasPrefix(u, "/") {
				u = strings.TrimRight(a.origin, "/") + u
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s as %s\n%s\n", key, export.Filename(rec), u)
			return nil
		},
	}
}
