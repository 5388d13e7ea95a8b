package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing tabtuner configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  tabtuner config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, $HOME/.tabtuner/config.yaml, /etc/tabtuner/config.yaml)
  - Environment variables (TABTUNER_SERVER_PORT, TABTUNER_BROWSER_REMOTE_URL, etc.)
  - Command-line flags (for some options)

Environment variables use the TABTUNER_ prefix and underscores for nesting.
Example: server.port -> TABTUNER_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations and bitrates for
// human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		// Get mapstructure tag or use lowercase field name
		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Tag.Get("yaml")
		}
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		case config.BitRate:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	// Load config with defaults (no file, just defaults)
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Convert to map with human-readable values
	cfgMap := toMap(cfg)

	// Marshal to YAML
	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Print header with documentation
	fmt.Println("# tabtuner Configuration File")
	fmt.Println("# ============================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 1d (bare numbers are seconds)")
	fmt.Println("# Bitrate format: 128k, 6M")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   TABTUNER_SERVER_HOST, TABTUNER_SERVER_PORT")
	fmt.Println("#   TABTUNER_BROWSER_REMOTE_URL, TABTUNER_BROWSER_EXECUTABLE")
	fmt.Println("#   TABTUNER_STREAMING_MAX_CONCURRENT_STREAMS")
	fmt.Println("#   TABTUNER_LOGGING_LEVEL, TABTUNER_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
