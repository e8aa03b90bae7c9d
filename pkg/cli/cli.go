// Package cli provides the command-line interface for sitegeist
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/poltergeist/sitegeist/internal/engine"
	"github.com/poltergeist/sitegeist/pkg/config"
	"github.com/poltergeist/sitegeist/pkg/logger"
	"github.com/poltergeist/sitegeist/pkg/process"
	"github.com/poltergeist/sitegeist/pkg/types"
	"github.com/poltergeist/sitegeist/pkg/utils"
)

// CLI holds the command tree and its flags
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	logger   logger.Logger
	output   io.Writer
	errorOut io.Writer
	logOut   io.Writer
	site     *types.SiteConfig
}

// NewCLI creates a CLI with the given configuration
func NewCLI(config *Config) *CLI {
	if config == nil {
		config = NewConfig()
	}

	c := &CLI{
		config:   config,
		output:   os.Stdout,
		errorOut: os.Stderr,
	}
	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI writing command output and logs to output
// and errors to errorOut
func NewCLIWithOutput(config *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(config)
	c.output = output
	c.errorOut = errorOut
	c.logOut = output
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "sitegeist",
		Short: "Static site asset pipeline with live reload",
		Long: `👻 sitegeist - builds templates, stylesheets, scripts, images and fonts
into a static site, then watches the sources and serves the result with
live reload.

Run without a subcommand to build once and keep serving until interrupted.`,

		PersistentPreRunE: c.initializeConfig,
		RunE:              c.runDev,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Args:              cobra.NoArgs,
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("👻 sitegeist v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newBuildCmd())
	c.rootCmd.AddCommand(c.newCleanCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()
	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: sitegeist.config.{json,yaml,yml} in the project root)")
	flags.StringVar(&c.config.ProjectRoot, "root", ".", "project root directory")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")
}

// initializeConfig locates and loads the site config, then creates the
// logger from the flags and the config's logging section.
func (c *CLI) initializeConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" || cmd.Name() == "init" {
		c.logger = c.createLogger(nil, cmd)
		return nil
	}

	path, err := c.findConfig()
	if err != nil {
		return err
	}

	mgr := config.NewManager()
	if path == "" {
		c.site = mgr.GetDefaultConfig()
	} else if c.site, err = mgr.LoadConfig(path); err != nil {
		return err
	}

	c.logger = c.createLogger(c.site.Logging, cmd)
	if path != "" {
		c.logger.Debug("Using config file", logger.WithField("file", path))
	}
	return nil
}

// findConfig returns the --config path, or the config file viper finds in
// the project root. No file means defaults.
func (c *CLI) findConfig() (string, error) {
	v := viper.New()
	if c.config.ConfigFile != "" {
		if !utils.Exists(c.config.ConfigFile) {
			return "", fmt.Errorf("config file %s not found", c.config.ConfigFile)
		}
		v.SetConfigFile(c.config.ConfigFile)
	} else {
		v.AddConfigPath(c.config.ProjectRoot)
		v.SetConfigName("sitegeist.config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read config file: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

func (c *CLI) createLogger(lc *types.LoggingConfig, cmd *cobra.Command) logger.Logger {
	level := c.config.Verbosity
	var file string
	if lc != nil {
		if lc.Level != "" && !cmd.Flags().Changed("verbosity") {
			level = string(lc.Level)
		}
		if lc.File != "" {
			file = filepath.Join(c.config.ProjectRoot, lc.File)
		}
	}

	if c.logOut != nil {
		return logger.CreateLoggerWithOutput(level, c.logOut)
	}
	return logger.CreateLogger(file, level)
}

func (c *CLI) newEngine() (*engine.Engine, error) {
	deps := engine.NewDependencyFactory(c.site, c.logger).CreateDefaults()
	return engine.New(c.site, c.config.ProjectRoot, c.logger, deps)
}

// runDev builds every stage, then watches and serves until interrupted
func (c *CLI) runDev(cmd *cobra.Command, _ []string) error {
	e, err := c.newEngine()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	pm := process.NewManager(c.logger)
	pm.RegisterShutdownHandler(cancel)
	pm.Start(ctx)
	defer pm.Stop()

	c.printInfo(fmt.Sprintf("Starting sitegeist v%s", c.config.Version))
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	c.printInfo(fmt.Sprintf("Serving at http://%s, press Ctrl+C to stop", e.Addr()))

	if err := e.Wait(); err != nil {
		return err
	}
	c.printSuccess("Stopped")
	return nil
}

func (c *CLI) printSuccess(message string) {
	c.logger.Success(message)
}

func (c *CLI) printInfo(message string) {
	c.logger.Info(message)
}

func (c *CLI) printWarning(message string) {
	c.logger.Warn(message)
}

// ExecuteWithVersion runs the CLI on os.Args
func ExecuteWithVersion(version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).Execute(os.Args[1:])
}
