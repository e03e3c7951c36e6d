package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relayhq/copilot-gateway/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the gateway's listen address, editor identification, and default model.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for the gateway's listen address and default model.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("Copilot Gateway Configuration Setup")
	color.Yellow("Press enter to accept the default shown in brackets.")

	reader := bufio.NewReader(os.Stdin)

	host := promptWithDefault(reader, "Host", config.DefaultHost)

	portStr := promptWithDefault(reader, "Port", strconv.Itoa(config.DefaultPort))
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	editorInfo := promptWithDefault(reader, "Editor-Version header", config.DefaultEditorInfo)
	editorPluginInfo := promptWithDefault(reader, "Editor-Plugin-Version header", config.DefaultEditorPluginInfo)
	integrationID := promptWithDefault(reader, "Copilot-Integration-Id header", config.DefaultCopilotIntegrationID)
	defaultModel := promptWithDefault(reader, "Default model", config.DefaultModel)

	cfg := &config.Config{
		Host:                 host,
		Port:                 port,
		EditorInfo:           editorInfo,
		EditorPluginInfo:     editorPluginInfo,
		CopilotIntegrationID: integrationID,
		DefaultModel:         defaultModel,
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("Authorize with GitHub Copilot with: gwctl login")
	color.Cyan("Then start the gateway with: gwctl start")

	return nil
}

func promptWithDefault(reader *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)

	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)

	if line == "" {
		return def
	}

	return line
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'gwctl config init' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-24s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-24s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-24s: %s\n", "Token Path", cfg.TokenPath)
	fmt.Printf("  %-24s: %s\n", "Editor-Version", cfg.EditorInfo)
	fmt.Printf("  %-24s: %s\n", "Editor-Plugin-Version", cfg.EditorPluginInfo)
	fmt.Printf("  %-24s: %s\n", "Copilot-Integration-Id", cfg.CopilotIntegrationID)
	fmt.Printf("  %-24s: %s\n", "Default Model", cfg.DefaultModel)
	fmt.Printf("  %-24s: %s\n", "Log Level", cfg.LogLevel)
	fmt.Printf("  %-24s: %s\n", "Config Path", cfgMgr.GetPath())

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var errs []string

	if cfg.Host == "" {
		errs = append(errs, "host is required")
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	if cfg.DefaultModel == "" {
		errs = append(errs, "default model is required")
	}

	if len(errs) > 0 {
		color.Red("Configuration validation failed:")
		for _, e := range errs {
			fmt.Printf("  - %s\n", e)
		}
		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")
	return nil
}
