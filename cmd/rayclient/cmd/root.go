// Package cmd implements the CLI for the raylink client.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zsiec/raylink/internal/config"
	"github.com/zsiec/raylink/internal/observability"
	"github.com/zsiec/raylink/internal/session"
	"github.com/zsiec/raylink/internal/tilectrl"
	"github.com/zsiec/raylink/internal/view"
)

const clientName = "Raylink Remote Render"

// maskDebounceFrames damps single-frame stream flicker from bursty loss.
const maskDebounceFrames = 2

var (
	cfgFile       string
	maxFrames     int
	snapshotDir   string
	snapshotEvery int
)

var rootCmd = &cobra.Command{
	Use:   "rayclient",
	Short: "Remote raycast render client",
	Long: `rayclient broadcasts a camera pose to a set of render servers each
frame, reassembles and decodes the returned slice streams, and composites
the tiles into a single view, redistributing tiles when servers miss the
frame budget.`,
	RunE: run,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./raylink.yaml)")
	rootCmd.Flags().IntVar(&maxFrames, "frames", 0, "stop after this many frames (0 = run until interrupted)")
	rootCmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "", "write composited PNG frames into this directory")
	rootCmd.Flags().IntVar(&snapshotEvery, "snapshot-every", 30, "snapshot cadence in frames")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/raylink")
		viper.SetConfigType("yaml")
		viper.SetConfigName("raylink")
	}

	viper.SetEnvPrefix("RAYLINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		viper.Set("logging.level", v)
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		viper.Set("logging.format", v)
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.NumStreams() == 0 {
		return fmt.Errorf("no render servers configured (stream.servers)")
	}
	log := observability.NewLogger(cfg.Logging)
	slog.SetDefault(log)

	screen := make([]byte, cfg.NumStreams()*cfg.ScreenBufferSize())
	sess, err := session.New(cfg, screen, log)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctrl := tilectrl.NewWithDebounce(cfg.NumStreams(), maskDebounceFrames)
	presenter := view.NewPresenter(cfg, screen, clientName)
	pilot := newAutopilot(cfg.Camera)
	stats := session.NewFrameStats(cfg.NumStreams(), cfg.Screen.Slices)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	log.Info("rayclient starting",
		"streams", cfg.NumStreams(),
		"screen", fmt.Sprintf("%dx%d", cfg.Screen.Width, cfg.Screen.Height),
		"target_fps", cfg.Stream.TargetFPS,
	)

	budget := cfg.FrameBudget()
	prevMask := cfg.AllStreamMask()

	for frame := 0; ctx.Err() == nil && (maxFrames == 0 || frame < maxFrames); frame++ {
		frameStart := time.Now()

		pose := pilot.Next(uint16(frame))
		tiles := ctrl.Observe(prevMask)
		if err := sess.Start(tilectrl.Commands(pose, tiles)); err != nil {
			return err
		}
		sess.WaitUntil(frameStart.Add(budget))
		res := sess.Stop()
		prevMask = res.StreamBitmask
		stats.Record(res)

		sliceMasks := make([]uint32, len(res.Stats))
		for i, st := range res.Stats {
			sliceMasks[i] = st.SliceBitmask
		}
		presenter.Update(view.Frame{
			ActiveMask: res.StreamBitmask,
			SliceMasks: sliceMasks,
			Layout:     tiles,
		})

		logFrame(log, frame, frameStart, budget, res, presenter)

		if snapshotDir != "" && snapshotEvery > 0 && frame%snapshotEvery == 0 {
			if err := writeSnapshot(presenter, frame); err != nil {
				log.Warn("snapshot failed", "frame", frame, "error", err)
			}
		}

		// Pace to the frame cadence; late frames start immediately.
		if rem := time.Until(frameStart.Add(budget)); rem > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(rem):
			}
		}
	}

	snap := stats.Snapshot()
	log.Info("rayclient stopped",
		"frames", snap.FramesTotal,
		"complete", snap.FramesComplete,
		"delivered_fps", fmt.Sprintf("%.1f", snap.DeliveredFPS),
	)
	return nil
}

func logFrame(log *slog.Logger, frame int, start time.Time, budget time.Duration, res session.Result, presenter *view.Presenter) {
	level := slog.LevelDebug
	if bits.OnesCount32(res.StreamBitmask) < len(res.Stats) {
		level = slog.LevelInfo
	}

	attrs := []any{
		"frame", frame,
		"frame_ms", fmt.Sprintf("%.1f", float64(time.Since(start).Microseconds())/1000),
		"streams", fmt.Sprintf("%0*b", len(res.Stats), res.StreamBitmask),
		"fps", fmt.Sprintf("%.1f", presenter.FPSAverage()),
	}
	for i, st := range res.Stats {
		if res.StreamBitmask&(1<<uint(i)) == 0 {
			continue
		}
		attrs = append(attrs,
			fmt.Sprintf("rtt_ms_%d", i), fmt.Sprintf("%.1f", float64(st.RTTNanos)/1e6),
			fmt.Sprintf("render_us_%d", i), st.RenderUS,
			fmt.Sprintf("stream_us_%d", i), st.StreamUS,
		)
	}
	log.Log(context.Background(), level, "frame", attrs...)
}

func writeSnapshot(presenter *view.Presenter, frame int) error {
	path := filepath.Join(snapshotDir, fmt.Sprintf("frame-%06d.png", frame))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return presenter.WritePNG(f, 2)
}
