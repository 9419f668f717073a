package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored, without overrides or masking")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage guestsync configuration",
	Long: "View or modify the CLI configuration stored in ~/.guestsync/config.toml.\n" +
		"GUESTSYNC_* environment variables (or a .env file) override stored values.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print every setting with environment overrides applied and secrets masked.\n" +
		"The SOURCE column tells where each value came from.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'guestsync init <api-url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		}

		fileCfg, err := readConfigFile()
		if err != nil {
			return err
		}
		cfg, fromEnv, err := loadConfigWithSources()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Config file: %s\n\n", path)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
		for _, key := range configKeys {
			value, _ := getConfigValue(cfg, key)
			stored, _ := getConfigValue(fileCfg, key)
			source := "file"
			switch {
			case fromEnv[key] != "":
				source = "env " + fromEnv[key]
			case key == "default.data_dir" && value == "":
				value, source = dataDir(cfg), "xdg"
			case key == "default.force_offline" && !cfg.Default.ForceOffline:
				source = "default"
			case stored == "":
				value, source = "-", "unset"
			}
			if secretKeys[key] && value != "-" {
				value = maskSecret(value)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", key, value, source)
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Long:  "Print one value with environment overrides applied.\nExample: guestsync config get default.api_url",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		value, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: guestsync config set log.level debug",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Environment overrides are not persisted.
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if secretKeys[key] {
			value = maskSecret(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
