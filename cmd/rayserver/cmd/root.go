// Package cmd implements the CLI for the raylink render server.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/raylink/internal/config"
	"github.com/zsiec/raylink/internal/observability"
	"github.com/zsiec/raylink/internal/render"
	"github.com/zsiec/raylink/internal/server"
)

var (
	cfgFile    string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "rayserver",
	Short: "Remote raycast render server",
	Long: `rayserver renders one tile of a first-person raycast scene per client
pose and streams the encoded slices back over UDP. One instance serves one
stream; the client composites several instances into a single view.`,
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
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "UDP listen address (overrides stream.listen_port)")
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
	log := observability.NewLogger(cfg.Logging)
	slog.SetDefault(log)

	addr := listenAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Stream.ListenPort)
	}

	raycaster, err := render.New(cfg.Screen.Width, cfg.Screen.Height, cfg.Screen.Slices)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:         addr,
		ScreenWidth:  cfg.Screen.Width,
		ScreenHeight: cfg.Screen.Height,
		NumSlices:    cfg.Screen.Slices,
		MTU:          cfg.Stream.MTU,
	}, raycaster, log)
	if err != nil {
		return err
	}

	log.Info("rayserver starting",
		"addr", addr,
		"screen", fmt.Sprintf("%dx%d", cfg.Screen.Width, cfg.Screen.Height),
		"slices", cfg.Screen.Slices,
		"mtu", cfg.Stream.MTU,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		return err
	}
	stats := srv.Stats()
	log.Info("rayserver stopped",
		"frames", stats.FramesRendered,
		"packets", stats.PacketsSent,
		"bytes", stats.BytesSent,
	)
	return nil
}
