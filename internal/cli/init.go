package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xpc123/agenic-chatBot-sub001/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with every default filled in.
Edit it to add at least one llm profile before running "agentd serve".
YAML is written when the --config path ends in .yaml or .yml.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	cfg.LLM.Profiles = []config.LLMProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "", Priority: 1},
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Set llm.profiles[0].api_key, then start with: agentd serve")
	return nil
}
