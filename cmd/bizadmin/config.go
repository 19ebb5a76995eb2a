package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// configKey binds one dotted key to a Config field.
type configKey struct {
	name   string
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

func stringKey(name string, secret bool, field func(*Config) *string) configKey {
	return configKey{
		name:   name,
		secret: secret,
		get:    func(cfg *Config) string { return *field(cfg) },
		set: func(cfg *Config, v string) error {
			*field(cfg) = v
			return nil
		},
	}
}

// configKeys lists every settable key in the order `config show` prints them.
var configKeys = []configKey{
	stringKey("default.token", true, func(c *Config) *string { return &c.Default.Token }),
	stringKey("default.base_url", false, func(c *Config) *string { return &c.Default.BaseURL }),
	stringKey("default.timeout", false, func(c *Config) *string { return &c.Default.Timeout }),
	{
		name: "identity.employee_id",
		get: func(c *Config) string {
			if c.Identity.EmployeeID == 0 {
				return ""
			}
			return strconv.FormatInt(c.Identity.EmployeeID, 10)
		},
		set: func(c *Config, v string) error {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("identity.employee_id must be an integer: %w", err)
			}
			c.Identity.EmployeeID = id
			return nil
		},
	},
	stringKey("identity.employee_name", false, func(c *Config) *string { return &c.Identity.EmployeeName }),
	stringKey("cache.invalidation_file", false, func(c *Config) *string { return &c.Cache.InvalidationFile }),
	stringKey("cache.stale_time", false, func(c *Config) *string { return &c.Cache.StaleTime }),
	stringKey("hook.secret", true, func(c *Config) *string { return &c.Hook.Secret }),
	stringKey("hook.listen", false, func(c *Config) *string { return &c.Hook.Listen }),
}

func lookupConfigKey(key string) (configKey, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok || section == "" || field == "" {
		return configKey{}, errors.New("key must use dot notation: section.field (e.g. default.token)")
	}
	var sections []string
	known := false
	for _, k := range configKeys {
		s, f, _ := strings.Cut(k.name, ".")
		if len(sections) == 0 || sections[len(sections)-1] != s {
			sections = append(sections, s)
		}
		if s != section {
			continue
		}
		known = true
		if f == field {
			return k, nil
		}
	}
	if !known {
		return configKey{}, fmt.Errorf("unknown config section %q (valid: %s)", section, strings.Join(sections, ", "))
	}
	return configKey{}, fmt.Errorf("unknown field %q in section [%s]", field, section)
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	return k.set(cfg, value)
}

// writeConfig prints every key of cfg, masking secrets unless reveal is set.
func writeConfig(w io.Writer, cfg *Config, reveal bool) {
	for _, k := range configKeys {
		v := k.get(cfg)
		if k.secret && v != "" && !reveal {
			v = maskKey(v)
		}
		fmt.Fprintf(w, "%-24s = %s\n", k.name, v)
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().Bool("reveal", false, "Print secrets in full")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage bizadmin configuration",
	Long:  "View or modify the CLI configuration stored in ~/.bizadmin/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every configuration key",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(out, "No configuration file found. Run 'bizadmin init <token>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		reveal, _ := cmd.Flags().GetBool("reveal")
		fmt.Fprintf(out, "# %s\n", path)
		writeConfig(out, cfg, reveal)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), k.get(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: bizadmin config set identity.employee_name \"Sara\"",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, k.name, args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := k.get(cfg)
		if k.secret {
			shown = maskKey(shown)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", k.name, shown)
		return nil
	},
}
