package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/securebus/pkg/securebus"
	"github.com/randalmurphal/securebus/pkg/securebus/config"
)

func loadSettings(path string) (config.Settings, error) {
	if path == "" {
		return config.Settings{}, fmt.Errorf("--config is required")
	}
	raw, err := config.FromFile(path)
	if err != nil {
		return config.Settings{}, err
	}
	return config.ParseSettings(raw), nil
}

func newCheckConfigCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a bus configuration file",
		Long: `Parse a YAML or JSON configuration file, report every invalid value
and resolve the encryption key from the environment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(path)
			if err != nil {
				return err
			}
			cfg, err := securebus.ConfigFromSettings(s)
			if err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK: %s\n", path)
			fmt.Fprintf(out, "  source:           %s\n", cfg.Source)
			fmt.Fprintf(out, "  test mode:        %t\n", cfg.TestMode)
			fmt.Fprintf(out, "  dedup window:     %s\n", cfg.Dedup.Window)
			fmt.Fprintf(out, "  per-ip limit:     %d/%s\n", cfg.RateLimit.PerIP.Requests, cfg.RateLimit.PerIP.Window)
			fmt.Fprintf(out, "  block critical:   %t\n", cfg.Sanitizer.BlockOnCritical)
			fmt.Fprintf(out, "  encryption:       %t\n", cfg.Encryption.Cipher != nil)
			fmt.Fprintf(out, "  event log:        %s\n", orNone(s.Bus.EventLogPath))
			fmt.Fprintf(out, "  offline queue:    %s\n", orNone(s.Bus.OfflineQueuePath))
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "configuration file (.yaml, .yml or .json)")
	return cmd
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
