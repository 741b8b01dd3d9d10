package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"bellkeeper/internal/app"
	"bellkeeper/internal/clock"
	"bellkeeper/internal/config"
	"bellkeeper/internal/nightly"
	"bellkeeper/internal/notification"
	"bellkeeper/internal/reconciler"
	"bellkeeper/internal/recurrence"
	"bellkeeper/internal/settings"
	logx "bellkeeper/pkg/logx"
)

type previewFlags struct {
	settingsPath string
	at           string
	deviceZone   string
	asJSON       bool
}

type preview struct {
	Fingerprint     string                  `json:"fingerprint"`
	From            time.Time               `json:"from"`
	NextMaintenance time.Time               `json:"next_maintenance"`
	Capacity        int                     `json:"capacity"`
	Instances       []notification.Instance `json:"-"`
}

// buildPreview computes the instance set a reconcile at "at" would submit
// without touching any platform or storage.
func buildPreview(fs afero.Fs, cfgPath string, f previewFlags) (preview, error) {
	cfg, err := config.Load(fs, cfgPath)
	if err != nil {
		return preview{}, err
	}
	path := cfg.Settings.Path
	if strings.TrimSpace(f.settingsPath) != "" {
		path = f.settingsPath
	}
	st, err := settings.OpenFile(fs, path, logx.Nop())
	if err != nil {
		return preview{}, err
	}

	now := time.Now()
	if strings.TrimSpace(f.at) != "" {
		if now, err = time.Parse(time.RFC3339, f.at); err != nil {
			return preview{}, fmt.Errorf("--at: %w", err)
		}
	}
	opts := []clock.Option{clock.WithNow(func() time.Time { return now })}
	if strings.TrimSpace(f.deviceZone) != "" {
		loc, err := time.LoadLocation(f.deviceZone)
		if err != nil {
			return preview{}, fmt.Errorf("--device-zone: %w", err)
		}
		opts = append(opts, clock.WithDeviceLocation(loc))
	}
	clk := clock.New(opts...)

	rc := recurrence.FromSettings(st)
	ropts := reconciler.Options{
		Capacity:     cfg.Scheduler.Capacity,
		BackupOffset: config.Duration(cfg.Scheduler.BackupOffset, 0),
		ZoneMode:     cfg.Scheduler.ZoneMode,
	}
	in := reconciler.Build(rc, clk.Now(), clk, notification.NewIDSource(now), ropts)
	sort.SliceStable(in, func(i, j int) bool { return in[i].At.Before(in[j].At) })

	hour := nightly.DefaultHour
	if cfg.Scheduler.MaintenanceHour != nil {
		hour = *cfg.Scheduler.MaintenanceHour
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("0 %d * * *", hour))
	if err != nil {
		return preview{}, err
	}
	return preview{
		Fingerprint:     recurrence.Fingerprint(rc),
		From:            clk.Now(),
		NextMaintenance: sched.Next(clk.Now()),
		Capacity:        cfg.Scheduler.Capacity,
		Instances:       in,
	}, nil
}

func newPreviewCmd(opts *rootOptions) *cobra.Command {
	var f previewFlags
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the schedule a reconcile would submit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := buildPreview(afero.NewOsFs(), opts.configPath, f)
			if err != nil {
				return err
			}
			if f.asJSON {
				return writePreviewJSON(cmd.OutOrStdout(), p)
			}
			return writePreview(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVar(&f.settingsPath, "settings", "", "settings file; defaults to settings.path from the config")
	cmd.Flags().StringVar(&f.at, "at", "", "reference time (RFC 3339); defaults to now")
	cmd.Flags().StringVar(&f.deviceZone, "device-zone", "", "IANA zone used as the device calendar; defaults to the local zone")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print JSON")
	return cmd
}

func writePreview(w io.Writer, p preview) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "fingerprint\t%s\n", p.Fingerprint)
	fmt.Fprintf(tw, "from\t%s\n", p.From.Format(time.RFC3339))
	fmt.Fprintf(tw, "next maintenance\t%s\n", p.NextMaintenance.Format(time.RFC3339))
	fmt.Fprintf(tw, "instances\t%d / %d\n\n", len(p.Instances), p.Capacity)
	fmt.Fprintln(tw, "ID\tAT\tLEVEL\tORIGINAL\tCHANNEL\tTITLE\tBODY")
	for _, i := range p.Instances {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			i.ID, i.At.Format("Mon 2006-01-02 15:04:05"), i.RetryLevel, i.OriginalID, i.ChannelID, i.Title, i.Body)
	}
	return tw.Flush()
}

func writePreviewJSON(w io.Writer, p preview) error {
	type row struct {
		ID         int       `json:"id"`
		At         time.Time `json:"at"`
		Category   string    `json:"category"`
		Level      string    `json:"level"`
		OriginalID int       `json:"original_id"`
		Channel    string    `json:"channel"`
		Sound      string    `json:"sound"`
		Title      string    `json:"title"`
		Body       string    `json:"body"`
	}
	rows := make([]row, 0, len(p.Instances))
	for _, i := range p.Instances {
		rows = append(rows, row{
			ID: i.ID, At: i.At, Category: string(i.Category()), Level: i.RetryLevel.String(),
			OriginalID: i.OriginalID, Channel: i.ChannelID, Sound: i.SoundFile, Title: i.Title, Body: i.Body,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		preview
		Count     int   `json:"count"`
		Instances []row `json:"instances"`
	}{preview: p, Count: len(rows), Instances: rows})
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile against the in-process platform and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(opts.configPath, app.Options{OneShot: true})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			res, runErr := a.Reconcile(ctx, "cli")
			pending, _ := a.Pending(ctx)
			if stopErr := a.Stop(context.Background(), app.StopOneShot); runErr == nil {
				runErr = stopErr
			}
			if runErr != nil {
				return runErr
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: cancelled %d, scheduled %d in %s\n", res.RunID, res.Cancelled, res.Scheduled, res.Took.Round(time.Millisecond))
			fmt.Fprintf(out, "fingerprint %s, %d pending\n", res.Fingerprint, len(pending))
			return nil
		},
	}
}

func newFingerprintCmd(opts *rootOptions) *cobra.Command {
	var settingsPath string
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the digest of the output-affecting settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := buildPreview(afero.NewOsFs(), opts.configPath, previewFlags{settingsPath: settingsPath})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&settingsPath, "settings", "", "settings file; defaults to settings.path from the config")
	return cmd
}
