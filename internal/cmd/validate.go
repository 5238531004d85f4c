package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/soportecyclops/tienda21/internal/rules"
)

var validateFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a guardrail rules file",
	Long:  "Validates a rules YAML file against the schema and compiles every pattern.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "validate")
		defer span.End()

		var (
			rs  *rules.RuleSet
			err error
		)
		if validateFile == "" {
			rs, err = rules.LoadDefault()
		} else {
			rs, err = rules.Load(validateFile)
		}
		if err != nil {
			log.Error().Err(err).Str("file", validateFile).Msg("rules validation failed")
			fmt.Fprintf(os.Stderr, "✗ Validation failed\n")
			return fmt.Errorf("validation failed: %w", err)
		}

		source := validateFile
		if source == "" {
			source = "(embedded defaults)"
		}
		fmt.Printf("✓ Rules valid: %s\n", source)
		fmt.Printf("  Prohibited patterns: %d\n", len(rs.Prohibited))
		fmt.Printf("  Injection patterns:  %d\n", len(rs.Injection))
		fmt.Printf("  Max message length:  %d\n", rs.MaxMessageLength)
		fmt.Printf("  Spam window:         %s (max %d messages)\n", rs.Spam.Window, rs.Spam.MaxMessages)
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateFile, "rules", "", "rules file to validate (default: embedded defaults)")
	rootCmd.AddCommand(validateCmd)
}
