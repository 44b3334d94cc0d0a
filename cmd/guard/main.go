// Command guard drives the patrol engine from a terminal: round lifecycle,
// checkpoint scans and live tracking against the patrol backend. The position
// source and tag reader are simulated from flags.
package main

import (
	"io"
	"os"
	"time"

	"fieldops-patrol/internal/config"
	"fieldops-patrol/internal/logger"
	"fieldops-patrol/internal/round"
	"fieldops-patrol/internal/session"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const apiTimeout = 15 * time.Second

// deps are the outside-world hooks the commands use.
type deps struct {
	out        io.Writer
	loadConfig func() config.Config
	newAPI     func(cfg config.Config) round.API
	newDialer  func(cfg config.Config) session.Dialer
}

func defaultDeps() deps {
	return deps{
		out:        os.Stdout,
		loadConfig: config.Load,
		newAPI: func(cfg config.Config) round.API {
			return round.NewHTTPClient(cfg.APIURL, cfg.GuardToken, apiTimeout)
		},
		newDialer: func(cfg config.Config) session.Dialer {
			return session.WSDialer{BaseURL: cfg.StreamURL}
		},
	}
}

func main() {
	if err := newRootCmd(defaultDeps()).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli is the state shared by every subcommand once flags are parsed.
type cli struct {
	deps deps
	cfg  config.Config
	log  zerolog.Logger

	apiURL    string
	streamURL string
	token     string
	logLevel  string
}

func newRootCmd(d deps) *cobra.Command {
	c := &cli{deps: d}

	rootCmd := &cobra.Command{
		Use:           "guard",
		Short:         "Patrol guard engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	rootCmd.SetOut(d.out)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.apiURL, "api", "", "backend base URL (default from API_URL)")
	flags.StringVar(&c.streamURL, "stream", "", "stream base URL (default from STREAM_URL)")
	flags.StringVar(&c.token, "token", "", "guard access token (default from GUARD_TOKEN)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level (default from LOG_LEVEL)")

	rootCmd.AddCommand(newRoundsCmd(c))
	rootCmd.AddCommand(newActiveCmd(c))
	rootCmd.AddCommand(newStartCmd(c))
	rootCmd.AddCommand(newResumeCmd(c))
	rootCmd.AddCommand(newLapCmd(c))
	rootCmd.AddCommand(newEndCmd(c))
	rootCmd.AddCommand(newScanCmd(c))
	rootCmd.AddCommand(newTrackCmd(c))
	rootCmd.AddCommand(newWatchCmd(c))
	rootCmd.AddCommand(newEncodeTagCmd(c))
	rootCmd.AddCommand(newDecodeTagCmd(c))

	return rootCmd
}

func (c *cli) setup(cmd *cobra.Command) error {
	c.cfg = c.deps.loadConfig()
	flags := cmd.Flags()
	if flags.Changed("api") {
		c.cfg.APIURL = c.apiURL
	}
	if flags.Changed("stream") {
		c.cfg.StreamURL = c.streamURL
	}
	if flags.Changed("token") {
		c.cfg.GuardToken = c.token
	}
	if flags.Changed("log-level") {
		c.cfg.LogLevel = c.logLevel
	}
	c.log = logger.InitWriter(cmd.ErrOrStderr(), c.cfg.LogLevel, c.cfg.LogFormat)
	return nil
}
