package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"sentinel/bootstrap"
	"sentinel/core"
	"sentinel/detect"

	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect threat detection rules",
	}
	rulesCmd.AddCommand(newRulesListCmd())
	rulesCmd.AddCommand(newRulesValidateCmd())
	return rulesCmd
}

// newRulesListCmd creates the 'rules list' subcommand
func newRulesListCmd() *cobra.Command {
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the built-in and custom rules in evaluation order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rules, err := bootstrap.BuildRuleSet(cfg, cliLogger())
			if err != nil {
				return err
			}
			if enabledOnly {
				enabled := rules[:0]
				for _, r := range rules {
					if r.Enabled {
						enabled = append(enabled, r)
					}
				}
				rules = enabled
			}

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), rules)
			}
			renderRulesTable(cmd.OutOrStdout(), rules)
			return nil
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled-only", false, "Hide disabled rules")
	return cmd
}

// newRulesValidateCmd creates the 'rules validate' subcommand
func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a custom rule file (.yaml, .yml or .json)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rules, err := detect.LoadPatternRules(args[0], cfg.Rules.RegexTimeout, cliLogger())
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				return fmt.Errorf("%s defines no usable rules", args[0])
			}

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), rules)
			}
			successColor.Fprintf(cmd.OutOrStdout(), "✓ %d rule(s) loaded from %s\n", len(rules), args[0])
			renderRulesTable(cmd.OutOrStdout(), rules)
			return nil
		},
	}
}

// renderRulesTable displays rules in a formatted table
func renderRulesTable(w io.Writer, rules []core.ThreatDetectionRule) {
	if len(rules) == 0 {
		warningColor.Fprintln(w, "No rules")
		return
	}

	headerColor.Fprintln(w, "RULES")
	headerColor.Fprintln(w, strings.Repeat("=", 96))
	fmt.Fprintf(w, "%-28s %-36s %-10s %-12s %-8s\n", "ID", "Name", "Severity", "Action", "Enabled")
	fmt.Fprintln(w, strings.Repeat("-", 96))

	for _, r := range rules {
		name := r.Name
		if len(name) > 35 {
			name = name[:32] + "..."
		}
		fmt.Fprintf(w, "%-28s %-36s %-10s %-12s %-8s\n", r.ID, name, r.Severity, r.Action, formatBool(r.Enabled))
	}

	fmt.Fprintln(w, strings.Repeat("=", 96))
}

func formatBool(b bool) string {
	if b {
		return successColor.Sprint("Yes")
	}
	return warningColor.Sprint("No")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
