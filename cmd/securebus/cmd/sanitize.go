package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/securebus/pkg/securebus/sanitize"
)

// ErrBlocked is returned by the sanitize command when the payload would be
// rejected by the bus.
var ErrBlocked = errors.New("payload blocked")

func newSanitizeCommand() *cobra.Command {
	var (
		criticalFields []string
		allowCritical  bool
		quiet          bool
	)
	cmd := &cobra.Command{
		Use:   "sanitize [file]",
		Short: "Run a JSON payload through the sanitizer",
		Long: `Read a JSON payload from a file (or stdin when no file or "-" is given),
print the sanitized payload and list every violation on stderr. The command
fails when the payload would be blocked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			var payload any
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}

			cfg := sanitize.DefaultConfig
			cfg.BlockOnCritical = !allowCritical
			cfg.CriticalFields = criticalFields
			res := sanitize.New(cfg).Sanitize(payload)

			if !quiet {
				for _, v := range res.Violations {
					fmt.Fprintf(cmd.ErrOrStderr(), "violation: %s\n", v)
				}
			}
			if res.Blocked {
				return fmt.Errorf("%w: %d violation(s)", ErrBlocked, len(res.Violations))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res.SanitizedPayload)
		},
	}
	cmd.Flags().StringSliceVar(&criticalFields, "critical-field", nil, "path whose critical violations always block (repeatable)")
	cmd.Flags().BoolVar(&allowCritical, "allow-critical", false, "sanitize critical violations outside critical fields instead of blocking")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not list violations")
	return cmd
}
