package main

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/sentinel/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration, then print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		redacted := *cfg
		redacted.Repository.PostgresPassword = redact(cfg.Repository.PostgresPassword)
		redacted.Cache.RedisPassword = redact(cfg.Cache.RedisPassword)
		redacted.EventBus.NATSToken = redact(cfg.EventBus.NATSToken)

		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, string(data))
		fmt.Fprintln(out, "configuration is valid")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
