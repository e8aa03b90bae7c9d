package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poltergeist/sitegeist/internal/server"
	"github.com/poltergeist/sitegeist/internal/state"
	"github.com/poltergeist/sitegeist/pkg/notifier"
	"github.com/poltergeist/sitegeist/pkg/stage"
	"github.com/poltergeist/sitegeist/pkg/types"
)

func (c *CLI) newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build every stage once",
		Long: `Run every enabled stage once and exit. The exit status is non-zero when
any stage fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.newEngine()
			if err != nil {
				return err
			}

			summary, err := e.Build(cmd.Context())
			if err != nil {
				return err
			}
			if len(summary.Failed) > 0 {
				return fmt.Errorf("%d of %d stage(s) failed: %s", len(summary.Failed), summary.Stages, joinNames(summary.Failed))
			}
			c.printSuccess(fmt.Sprintf("Built %d stage(s) in %s", summary.Stages, notifier.FormatDuration(summary.Duration)))
			return nil
		},
	}
}

func (c *CLI) newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the build output directory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			root, err := filepath.Abs(c.config.ProjectRoot)
			if err != nil {
				return fmt.Errorf("failed to resolve project root: %w", err)
			}
			dest := filepath.Join(root, c.site.DestDir)
			if dest == root || !strings.HasPrefix(dest, root+string(filepath.Separator)) {
				return fmt.Errorf("refusing to remove %s: not inside the project root", dest)
			}

			if err := os.RemoveAll(dest); err != nil {
				return fmt.Errorf("failed to remove %s: %w", dest, err)
			}
			c.printSuccess(fmt.Sprintf("Removed %s", dest))
			return nil
		},
	}
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			// The config was validated when loaded; declaring the stages
			// checks the transform options.
			reg, err := stage.NewRegistry(c.config.ProjectRoot, c.site)
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}

			for _, s := range reg.Stages() {
				if len(s.Sources()) == 0 && s.Name() != types.StageVendoredScripts {
					c.printWarning(fmt.Sprintf("Stage '%s' has no source patterns", s.Name()))
				}
			}
			src := filepath.Join(c.config.ProjectRoot, c.site.SourceDir)
			if _, err := os.Stat(src); err != nil {
				c.printWarning(fmt.Sprintf("Source directory %s does not exist", src))
			}

			c.printSuccess(fmt.Sprintf("Configuration is valid (%d stage(s) enabled)", len(reg.Stages())))
			return nil
		},
	}
}

func (c *CLI) newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stage status of a running dev server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.site.Server.Addr()
			}
			return c.runStatus(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "dev server address (default: from config)")
	return cmd
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sitegeist",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(c.output, "👻 sitegeist v%s\n", c.config.Version)
		},
	}
}

func (c *CLI) runStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + server.PathStatus)
	if err != nil {
		return fmt.Errorf("no dev server reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var status struct {
		Stages  []state.StageState `json:"stages"`
		Clients int                `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tRUNS\tFAILURES\tLAST RUN\tDURATION")
	for _, st := range status.Stages {
		lastRun := "-"
		if !st.LastBuildTime.IsZero() {
			lastRun = st.LastBuildTime.Format("15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			st.Stage, colorStatus(st.BuildStatus), st.BuildCount, st.FailureCount, lastRun,
			notifier.FormatDuration(st.BuildDuration))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, st := range status.Stages {
		if st.LastError != "" {
			fmt.Fprintf(c.output, "\n%s %s\n", color.RedString("✗ %s:", st.Stage), st.LastError)
		}
	}
	fmt.Fprintf(c.output, "\n%d reload client(s) connected\n", status.Clients)
	return nil
}

func colorStatus(s types.BuildStatus) string {
	switch s {
	case types.BuildStatusSucceeded:
		return color.GreenString(string(s))
	case types.BuildStatusFailed:
		return color.RedString(string(s))
	case types.BuildStatusBuilding:
		return color.YellowString(string(s))
	}
	return string(s)
}

func joinNames(names []types.StageName) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
