package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hamicek/noex-rules-sub008/internal/codec"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// ValidationResult holds validation results across all documents.
type ValidationResult struct {
	Valid bool         `json:"valid"`
	Files []FileResult `json:"files"`
}

// FileResult holds the findings for one rule document.
type FileResult struct {
	Path     string          `json:"path"`
	Valid    bool            `json:"valid"`
	Rules    int             `json:"rules,omitempty"`
	Groups   int             `json:"groups,omitempty"`
	Error    string          `json:"error,omitempty"`
	Issues   []rule.Issue    `json:"issues,omitempty"`
	Warnings []codec.Warning `json:"warnings,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Strict bool
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <document>...",
		Short: "Validate rule documents without starting the engine",
		Long: `Validate YAML or JSON rule documents.

Each document is checked against the rule schema, then every rule and
group is validated. Unknown fields are reported as warnings; --strict
turns them into errors.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "treat unknown fields as errors")

	return cmd
}

func runValidate(opts *ValidateOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	result := ValidationResult{Valid: true}
	for _, path := range paths {
		formatter.VerboseLog("Validating %s", path)
		fr, err := validateFile(path, codec.Options{Strict: opts.Strict})
		if err != nil && rule.KindOf(err) == "" {
			// Not an engine finding: the file itself is unreadable.
			_ = formatter.Error(errorCode(err), err.Error(), nil)
			return WrapExitError(ExitCommandError, "cannot read document", err)
		}
		if !fr.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, fr)
	}

	if err := outputValidation(formatter, result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func validateFile(path string, opts codec.Options) (FileResult, error) {
	fr := FileResult{Path: path}
	doc, warnings, err := codec.DecodeFile(path, opts)
	fr.Warnings = warnings
	if err != nil {
		fr.Error = err.Error()
		var engineErr *rule.Error
		if errors.As(err, &engineErr) {
			fr.Issues = engineErr.Issues
		}
		return fr, err
	}
	fr.Valid = true
	fr.Rules = len(doc.Rules)
	fr.Groups = len(doc.Groups)
	return fr, nil
}

func outputValidation(f *OutputFormatter, result ValidationResult) error {
	if f.Format == "json" {
		response := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			response.Status = "error"
			response.Error = &CLIError{
				Code:    string(rule.ErrValidation),
				Message: "validation failed",
			}
		}
		encoder := json.NewEncoder(f.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	}

	for _, fr := range result.Files {
		switch {
		case fr.Valid:
			fmt.Fprintf(f.Writer, "✓ %s (%d rules, %d groups)\n", fr.Path, fr.Rules, fr.Groups)
		default:
			fmt.Fprintf(f.Writer, "✗ %s\n", fr.Path)
			if len(fr.Issues) > 0 {
				for _, iss := range fr.Issues {
					fmt.Fprintf(f.Writer, "  %s\n", iss)
				}
			} else if fr.Error != "" {
				fmt.Fprintf(f.Writer, "  %s\n", fr.Error)
			}
		}
		for _, w := range fr.Warnings {
			fmt.Fprintf(f.Writer, "  warning: %s\n", w)
		}
	}
	if !result.Valid {
		fmt.Fprintln(f.Writer, "validation failed")
	}
	return nil
}
