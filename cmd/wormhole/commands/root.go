package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"wormhole/internal/app"
	"wormhole/internal/code"
	"wormhole/internal/timing"
)

var (
	configFile    string
	relayURL      string
	transitHelper string
	codeLength    int
	verify        bool
	noListen      bool
	useTor        bool
	dumpTiming    string
	logLevel      string

	tm     = timing.New()
	wire   *app.Wire
	appCtx *app.App
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "wormhole",
		Short: "Securely transfer text and files between computers",
		Long: "Create a wormhole and communicate through it.\n\n" +
			"Wormholes are created by speaking the same code in two places at the\n" +
			"same time. They are secure against anyone who does not use the same code.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			w, err := app.NewWire(cfg, tm)
			if err != nil {
				return err
			}
			wire = w
			appCtx = app.New(w)
			tm.Add("command dispatch").Detail("command", cmd.Name())
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&configFile, "config", "f", "", "TOML configuration file")
	f.StringVar(&relayURL, "relay-url", app.DefaultRelayURL, "rendezvous relay to use")
	f.StringVar(&transitHelper, "transit-helper", app.DefaultTransitHelper, "transit relay to use (tcp:HOST:PORT, empty for none)")
	f.IntVarP(&codeLength, "code-length", "c", code.DefaultLength, "length of code (in bytes/words)")
	f.BoolVarP(&verify, "verify", "v", false, "display verification string and wait for approval")
	f.BoolVar(&noListen, "no-listen", false, "(debug) don't open a listening socket for transit")
	f.BoolVar(&useTor, "tor", false, "use Tor when connecting")
	f.StringVar(&dumpTiming, "dump-timing", "", "(debug) write timing data to `FILE.json`")
	f.StringVar(&logLevel, "log-level", "", "log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")

	root.AddCommand(sendCmd(), receiveCmd())
	return root
}

// loadConfig reads --config, if any, then applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*app.Config, error) {
	cfg := app.Default()
	if configFile != "" {
		c, err := app.LoadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file '%s': %w", configFile, err)
		}
		cfg = c
	}

	f := cmd.Flags()
	if f.Changed("relay-url") {
		cfg.RelayURL = relayURL
	}
	if f.Changed("transit-helper") {
		cfg.TransitHelper = transitHelper
	}
	if f.Changed("code-length") {
		cfg.CodeLength = codeLength
	}
	if f.Changed("verify") {
		cfg.Verify = verify
	}
	if f.Changed("no-listen") {
		cfg.NoListen = noListen
	}
	if f.Changed("tor") {
		cfg.Tor = useTor
	}
	if f.Changed("dump-timing") {
		cfg.DumpTiming = dumpTiming
	}
	if f.Changed("log-level") {
		if cfg.Logging == nil {
			cfg.Logging = &app.Logging{}
		}
		cfg.Logging.Level = logLevel
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs the command line and writes the timing dump, if one was
// asked for, once the command is done.
func Execute() error {
	tm.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := fang.Execute(
		ctx,
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(errorHandler),
	)
	if wire != nil {
		if cerr := wire.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
