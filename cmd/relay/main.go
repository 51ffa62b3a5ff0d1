package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"wormhole/internal/relay"
)

type flags struct {
	configFile string
	rendezvous string
	transit    string
	motd       string
	noMetrics  bool
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Run the wormhole rendezvous and transit relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			r, err := relay.New(cfg)
			if err != nil {
				return err
			}
			<-cmd.Context().Done()
			r.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.configFile, "config", "f", "", "TOML configuration file")
	cmd.Flags().StringVar(&f.rendezvous, "rendezvous", relay.DefaultRendezvousAddress, "rendezvous (HTTP/WebSocket) listen address")
	cmd.Flags().StringVar(&f.transit, "transit", relay.DefaultTransitAddress, "transit relay listen address, empty to disable")
	cmd.Flags().StringVar(&f.motd, "motd", "", "message of the day sent to clients")
	cmd.Flags().BoolVar(&f.noMetrics, "no-metrics", false, "disable the /metrics endpoint")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	return cmd
}

func loadConfig(cmd *cobra.Command, f *flags) (*relay.Config, error) {
	cfg := relay.Default()
	if f.configFile != "" {
		c, err := relay.LoadFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file '%s': %w", f.configFile, err)
		}
		cfg = c
	}
	fl := cmd.Flags()
	if fl.Changed("rendezvous") {
		cfg.RendezvousAddress = f.rendezvous
	}
	if fl.Changed("transit") {
		cfg.TransitAddress = f.transit
	}
	if fl.Changed("motd") {
		cfg.MOTD = f.motd
	}
	if fl.Changed("no-metrics") {
		cfg.DisableMetrics = f.noMetrics
	}
	if fl.Changed("log-level") {
		if cfg.Logging == nil {
			cfg.Logging = &relay.Logging{}
		}
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fang.Execute(ctx, newRootCommand(), fang.WithVersion(versioninfo.Short())); err != nil {
		stop()
		os.Exit(1)
	}
}
