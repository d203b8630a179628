package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "sidecar"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage sidecar configuration.

Running bare 'sidecar config' is the same as 'sidecar config show'.
Every key can also be set from the environment as SIDECAR_<KEY>, with dots
replaced by underscores (e.g. SIDECAR_SYNTHESIS_BACKEND).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# sidecar configuration
# See: sidecar config show (for effective values and sources)

# Data directory for the database, patches and artifact proposals
# data_dir: {{ .DataDir }}

# SQLite database path
# db_path: {{ .DBPath }}

# Port for 'sidecar serve'
port: {{ .Port }}

capture:
  # Unflushed events allowed before captures are refused with backpressure
  buffer_size: {{ .BufferSize }}
  flush_interval: {{ .FlushInterval }}

processor:
  # Fold the log after this many new events, or after idle_timeout
  event_count_threshold: {{ .EventThreshold }}
  idle_timeout: {{ .IdleTimeout }}

boundary:
  # A gap this long between events closes a patch
  idle_gap_threshold: {{ .IdleGap }}
  # This many file changes within change_cluster_window close a patch
  change_cluster_size: {{ .ClusterSize }}
  change_cluster_window: {{ .ClusterWindow }}

synthesis:
  # template, anthropic, vertex_anthropic, openai or grok
  backend: "{{ .SynthesisBackend }}"
  anthropic:
    # Falls back to $ANTHROPIC_API_KEY
    api_key: ""
    model: "{{ .AnthropicModel }}"
  vertex_anthropic:
    project_id: ""
    region: "{{ .VertexRegion }}"
  openai:
    # Falls back to $OPENAI_API_KEY
    api_key: ""
  grok:
    # Falls back to $XAI_API_KEY
    api_key: ""

narrative:
  # rule, or any synthesis provider above
  backend: "{{ .NarrativeBackend }}"

artifacts:
  # template, or any synthesis provider above
  backend: "{{ .ArtifactsBackend }}"
  targets: [{{ .Targets }}]

embeddings:
  # hash (offline) or ollama
  backend: "{{ .EmbeddingsBackend }}"
  ollama:
    url: "{{ .OllamaURL }}"
    model: "{{ .OllamaModel }}"
`

type configTemplateData struct {
	DataDir           string
	DBPath            string
	Port              int
	BufferSize        int
	FlushInterval     string
	EventThreshold    int
	IdleTimeout       string
	IdleGap           string
	ClusterSize       int
	ClusterWindow     string
	SynthesisBackend  string
	AnthropicModel    string
	VertexRegion      string
	NarrativeBackend  string
	ArtifactsBackend  string
	Targets           string
	EmbeddingsBackend string
	OllamaURL         string
	OllamaModel       string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	var targets []string
	for _, t := range viper.GetStringSlice("artifacts.targets") {
		targets = append(targets, fmt.Sprintf("%q", t))
	}
	data := configTemplateData{
		DataDir:           viper.GetString("data_dir"),
		DBPath:            viper.GetString("db_path"),
		Port:              viper.GetInt("port"),
		BufferSize:        viper.GetInt("capture.buffer_size"),
		FlushInterval:     viper.GetDuration("capture.flush_interval").String(),
		EventThreshold:    viper.GetInt("processor.event_count_threshold"),
		IdleTimeout:       viper.GetDuration("processor.idle_timeout").String(),
		IdleGap:           viper.GetDuration("boundary.idle_gap_threshold").String(),
		ClusterSize:       viper.GetInt("boundary.change_cluster_size"),
		ClusterWindow:     viper.GetDuration("boundary.change_cluster_window").String(),
		SynthesisBackend:  viper.GetString("synthesis.backend"),
		AnthropicModel:    viper.GetString("synthesis.anthropic.model"),
		VertexRegion:      viper.GetString("synthesis.vertex_anthropic.region"),
		NarrativeBackend:  viper.GetString("narrative.backend"),
		ArtifactsBackend:  viper.GetString("artifacts.backend"),
		Targets:           strings.Join(targets, ", "),
		EmbeddingsBackend: viper.GetString("embeddings.backend"),
		OllamaURL:         viper.GetString("embeddings.ollama.url"),
		OllamaModel:       viper.GetString("embeddings.ollama.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = keyInfos(
	"data_dir",
	"db_path",
	"port",
	"capture.buffer_size",
	"capture.flush_interval",
	"capture.flush_batch",
	"processor.event_count_threshold",
	"processor.idle_timeout",
	"processing_timeout",
	"boundary.idle_gap_threshold",
	"boundary.change_cluster_size",
	"boundary.change_cluster_window",
	"synthesis.backend",
	"synthesis_timeout",
	"synthesis.max_attempts",
	"synthesis.anthropic.model",
	"synthesis.vertex_anthropic.project_id",
	"synthesis.openai.model",
	"synthesis.grok.model",
	"narrative.backend",
	"artifacts.backend",
	"artifacts.targets",
	"embeddings.backend",
	"embeddings.ollama.url",
)

func keyInfos(keys ...string) []configKeyInfo {
	infos := make([]configKeyInfo, len(keys))
	for i, k := range keys {
		infos[i] = configKeyInfo{Key: k, EnvVar: "SIDECAR_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))}
	}
	return infos
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-38s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'sidecar config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
