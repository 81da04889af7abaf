package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"sentinel/bootstrap"
	"sentinel/core"

	"github.com/spf13/cobra"
)

// ErrNonCompliant is returned by 'compliance check' when a record has violations
var ErrNonCompliant = errors.New("record is not compliant")

// maxRecordFileSize bounds the record file read into memory
const maxRecordFileSize = 10 * 1024 * 1024

func newComplianceCmd() *cobra.Command {
	complianceCmd := &cobra.Command{
		Use:   "compliance",
		Short: "Run regulatory compliance checks offline",
	}
	complianceCmd.AddCommand(newComplianceCheckCmd())
	complianceCmd.AddCommand(newComplianceRequirementsCmd())
	return complianceCmd
}

// newComplianceCheckCmd creates the 'compliance check' subcommand
func newComplianceCheckCmd() *cobra.Command {
	var regulations []string

	cmd := &cobra.Command{
		Use:   "check <record.json|->",
		Short: "Validate a JSON record against the configured requirements",
		Long: `Validate a JSON object against the built-in requirements and any declared in
compliance.requirements_file. Use "-" to read the record from stdin.

Exits non-zero when the record violates a requirement.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := readRecord(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			validator, err := bootstrap.InitCompliance(cfg, cliLogger())
			if err != nil {
				return err
			}

			regs := make([]core.Regulation, 0, len(regulations))
			for _, r := range regulations {
				regs = append(regs, core.Regulation(strings.ToUpper(strings.TrimSpace(r))))
			}
			result, err := validator.Validate(record, regs...)
			if err != nil {
				return err
			}

			if outputJSON {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				renderComplianceResult(cmd.OutOrStdout(), result)
			}
			if !result.Compliant {
				return fmt.Errorf("%w: %d violation(s)", ErrNonCompliant, len(result.Violations))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&regulations, "regulation", "r", nil, "Only run checks for these regulations (GDPR, CCPA, PCI_DSS)")
	return cmd
}

// newComplianceRequirementsCmd creates the 'compliance requirements' subcommand
func newComplianceRequirementsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "requirements",
		Aliases: []string{"reqs"},
		Short:   "List the configured compliance requirements",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			validator, err := bootstrap.InitCompliance(cfg, cliLogger())
			if err != nil {
				return err
			}

			reqs := validator.Requirements()
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), reqs)
			}

			w := cmd.OutOrStdout()
			headerColor.Fprintln(w, "REQUIREMENTS")
			headerColor.Fprintln(w, strings.Repeat("=", 96))
			fmt.Fprintf(w, "%-32s %-10s %-8s %s\n", "ID", "Regulation", "Enabled", "Name")
			fmt.Fprintln(w, strings.Repeat("-", 96))
			for _, req := range reqs {
				fmt.Fprintf(w, "%-32s %-10s %-8s %s\n", req.ID, req.Regulation, formatBool(req.Enabled), req.Name)
			}
			fmt.Fprintln(w, strings.Repeat("=", 96))
			return nil
		},
	}
}

// readRecord loads a JSON object from path, or from stdin when path is "-"
func readRecord(path string, stdin io.Reader) (core.Record, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open record: %w", err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, maxRecordFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	if len(data) > maxRecordFileSize {
		return nil, fmt.Errorf("record exceeds %d bytes", maxRecordFileSize)
	}

	var record core.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	if record == nil {
		return nil, errors.New("record must be a JSON object, got null")
	}
	return record, nil
}

// renderComplianceResult prints the verdict and each violation with its remediation
func renderComplianceResult(w io.Writer, result core.ComplianceResult) {
	if result.Compliant {
		successColor.Fprintln(w, "✓ Compliant")
		return
	}

	errorColor.Fprintf(w, "✗ Not compliant: %d violation(s)\n\n", len(result.Violations))
	for _, v := range result.Violations {
		warningColor.Fprintf(w, "  [%s] ", v.Requirement.Regulation)
		fmt.Fprintf(w, "%s (%s)\n", v.Requirement.Name, v.Requirement.ID)
		if v.Error != "" {
			errorColor.Fprintf(w, "    check failed: %s\n", v.Error)
		}
		if v.Requirement.Remediation != "" {
			infoColor.Fprintf(w, "    remediation: %s\n", v.Requirement.Remediation)
		}
	}
}
