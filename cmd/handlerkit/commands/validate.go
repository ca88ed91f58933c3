package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/handlerkit/pkg/proxy"
	"github.com/openfroyo/handlerkit/pkg/telemetry"
	"github.com/openfroyo/handlerkit/pkg/validation"
)

// ErrValidationFailed is returned when the model has violations.
var ErrValidationFailed = errors.New("validation failed")

func newValidateCommand() *cobra.Command {
	var isRequest bool

	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a resource model against the schema and policies",
		Long: `Validate a resource model with the configured JSON Schema and Rego
policies, the same checks a mutating invocation runs before the handler.

With --request the input is a complete handler request: its structure is
checked first and its resourceProperties are validated as the model.`,
		Example: `  # Validate a model
  handlerkit validate bucket.json

  # Validate a full request read from stdin
  handlerkit validate --request < create.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			in, err := openInput(path, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer in.Close()

			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}

			model := json.RawMessage(data)
			if isRequest {
				var req proxy.HandlerRequest
				if err := json.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("failed to parse request: %w", err)
				}
				if err := validation.ValidateRequest(&req); err != nil {
					return err
				}
				model = req.RequestData.ResourceProperties
			}

			rt := &runtime{cfg: cfg, tel: telemetry.NewNop()}
			validator, err := rt.loadValidators(cmd.Context())
			if err != nil {
				return err
			}
			if validator == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No schema or policies configured")
				return nil
			}

			return reportViolations(cmd.OutOrStdout(), validator.Validate(cmd.Context(), model))
		},
	}

	cmd.Flags().BoolVar(&isRequest, "request", false, "input is a handler request rather than a bare model")

	return cmd
}

func reportViolations(w io.Writer, err error) error {
	if err == nil {
		if jsonOutput {
			return writeJSON(w, []validation.Violation{})
		}
		fmt.Fprintln(w, "✓ Model is valid")
		return nil
	}

	var verr *validation.Error
	if !errors.As(err, &verr) {
		return err
	}

	if jsonOutput {
		if err := writeJSON(w, verr.Violations); err != nil {
			return err
		}
		return ErrValidationFailed
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POINTER\tSOURCE\tMESSAGE")
	for _, v := range verr.Violations {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Pointer, v.Source, v.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %d violation(s)", ErrValidationFailed, len(verr.Violations))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
