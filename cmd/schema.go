package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pokemon-ai/multirunner/runner"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the config file",
	Run: func(cmd *cobra.Command, args []string) {
		if err := writeConfigSchema(os.Stdout); err != nil {
			logrus.Fatalf("Schema generation failed: %v", err)
		}
	},
}

// writeConfigSchema writes the JSON Schema of runner.Config, keyed by the
// names used in config files.
func writeConfigSchema(w io.Writer) error {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&runner.Config{})
	schema.Title = "multirunner configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
