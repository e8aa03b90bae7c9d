package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/poltergeist/sitegeist/pkg/config"
	"github.com/poltergeist/sitegeist/pkg/utils"
)

func (c *CLI) newInitCmd() *cobra.Command {
	var format string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write sitegeist.config.json (or .yaml with --format yaml) to the project
root. The file holds the default stage layout, ready to edit.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.runInit(format, force)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "config format (json, yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration")
	return cmd
}

func (c *CLI) runInit(format string, force bool) error {
	var name string
	switch format {
	case "json":
		name = config.ConfigNames[0]
	case "yaml", "yml":
		name = config.ConfigNames[1]
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}

	if existing := config.FindConfigFile(c.config.ProjectRoot); existing != "" && !force {
		return fmt.Errorf("configuration already exists at %s. Use --force to overwrite", existing)
	}

	path := filepath.Join(c.config.ProjectRoot, name)
	mgr := config.NewManager()
	if err := mgr.SaveConfig(path, mgr.GetDefaultConfig()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	c.printSuccess(fmt.Sprintf("Created configuration at %s", path))
	if !utils.IsDirectory(filepath.Join(c.config.ProjectRoot, "src")) {
		c.printInfo("Put your sources under src/ or edit the stage patterns")
	}
	return nil
}
