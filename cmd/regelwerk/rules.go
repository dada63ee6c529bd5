package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opensource-finance/regelwerk/internal/regel"
	"github.com/spf13/cobra"
)

var errRuleInvalid = errors.New("rule is invalid")

func validateCmd() *cobra.Command {
	var maxDepth int

	cmd := &cobra.Command{
		Use:   "validate <rule.json>",
		Short: "Validate a rule tree and print the report",
		Long: `Validate reads a rule tree (use - for stdin), prints the validation
report as JSON and exits with status 1 when the rule is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := readRule(args[0], maxDepth)
			if err != nil {
				return err
			}

			report := regel.NewEngine().Validate(node)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Valid {
				return errRuleInvalid
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDepth, "max-depth", regel.DefaultMaxDepth, "maximum rule nesting (0 disables the limit)")
	return cmd
}

func evalCmd() *cobra.Command {
	var (
		componentsFile string
		contextFile    string
		maxDepth       int
	)

	cmd := &cobra.Command{
		Use:   "eval <rule.json>",
		Short: "Evaluate a rule tree against components and context values",
		Example: `  regelwerk eval scharniere.json --components tuer.json
  regelwerk eval anfahrt.json --context '{"distanz_km": 80}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := readRule(args[0], maxDepth)
			if err != nil {
				return err
			}

			var components regel.Components
			if err := readValues(componentsFile, &components); err != nil {
				return fmt.Errorf("failed to read components: %w", err)
			}
			var context regel.ContextValues
			if err := readValues(contextFile, &context); err != nil {
				return fmt.Errorf("failed to read context: %w", err)
			}

			result, err := regel.NewEngine().Execute(node, components, context)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), result.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&componentsFile, "components", "", "components JSON file or inline JSON object")
	cmd.Flags().StringVar(&contextFile, "context", "", "context values JSON file or inline JSON object")
	cmd.Flags().IntVar(&maxDepth, "max-depth", regel.DefaultMaxDepth, "maximum rule nesting (0 disables the limit)")
	return cmd
}

func readRule(path string, maxDepth int) (regel.Node, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	return regel.Decode(data, regel.WithMaxDepth(maxDepth))
}

// readValues decodes src into v. src is a file path, or an inline JSON
// object when it starts with '{'. Empty src leaves v untouched.
func readValues(src string, v any) error {
	if src == "" {
		return nil
	}

	data := []byte(src)
	if src[0] != '{' {
		var err error
		if data, err = readInput(src); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
