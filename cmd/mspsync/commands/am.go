package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/teranos/mspsync/am"
	"github.com/teranos/mspsync/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and validate mspsync configuration",
	Long: `Show and validate mspsync configuration.

Configuration sources (in order of precedence, --config replaces 2-4):
1. Environment variables (MSPSYNC_* prefix)
2. Project config (./am.toml, searched up from the working directory)
3. User config (~/.mspsync/am.toml)
4. System config (/etc/mspsync/am.toml)
5. Default values

Examples:
  mspsync am show                    # Show current configuration
  mspsync am show --format json      # Show configuration in JSON format
  mspsync am get scheduler.poll_interval_seconds
  mspsync am settings                # Every effective key, flattened
  mspsync am validate                # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, stages.debounce_seconds)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "List every effective setting as key = value",
	RunE:  runAmSettings,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSettingsCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func configViper() (*viper.Viper, error) {
	if ConfigPath == "" {
		return am.GetViper(), nil
	}
	return am.FileViper(ConfigPath)
}

// writeSettings renders the effective settings tree in format
func writeSettings(w io.Writer, settings map[string]interface{}, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(w, string(data))

	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(w, "# mspsync configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(w, "# mspsync configuration\n%s", string(data))

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmShow(cmd *cobra.Command, args []string) error {
	v, err := configViper()
	if err != nil {
		return err
	}
	if _, err := am.LoadWithViper(v); err != nil {
		return err
	}
	return writeSettings(cmd.OutOrStdout(), v.AllSettings(), configFormat)
}

func runAmGet(cmd *cobra.Command, args []string) error {
	v, err := configViper()
	if err != nil {
		return err
	}
	key := args[0]
	if !v.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(key))
	return nil
}

func runAmSettings(cmd *cobra.Command, args []string) error {
	v, err := configViper()
	if err != nil {
		return err
	}
	for _, s := range am.Settings(v) {
		fmt.Fprintln(cmd.OutOrStdout(), s.String())
	}
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	v, err := configViper()
	if err != nil {
		return err
	}
	if _, err := am.LoadWithViper(v); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}
