package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/authsync/internal/app"
)

// envPrefix marks settings in the environment. AUTHSYNC_STORAGE__VOLATILE__TYPE
// sets storage.volatile.type.
const envPrefix = "AUTHSYNC_"

// settingsLayer is one source of settings. Layers are merged in order, so a later
// layer overrides keys set by an earlier one.
type settingsLayer struct {
	name     string
	provider koanf.Provider
	parser   koanf.Parser
}

// loadConfig merges the config file, the environment and the command-line flags
// (lowest to highest precedence), then fills defaults and validates the result.
// cmd may be nil when no flags apply.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")
	for _, layer := range settingsLayers(configPath, cmd, environFunc) {
		if err := k.Load(layer.provider, layer.parser); err != nil {
			return nil, fmt.Errorf("loading %s: %w", layer.name, err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func settingsLayers(configPath string, cmd *cli.Command, environFunc func() []string) []settingsLayer {
	var layers []settingsLayer
	if configPath != "" {
		layers = append(layers, settingsLayer{"config file", file.Provider(configPath), toml.Parser()})
	}

	layers = append(layers, settingsLayer{
		name: "environment variables",
		provider: env.Provider(".", env.Opt{
			Prefix:        envPrefix,
			TransformFunc: envSetting,
			EnvironFunc:   environFunc,
		}),
	})

	if cmd != nil {
		layers = append(layers, settingsLayer{name: "CLI flags", provider: confmap.Provider(flagSettings(cmd), ".")})
	}
	return layers
}

// envSetting maps AUTHSYNC_A__B_C to a.b_c. Variables read by the env storage
// backend share the prefix and are dropped.
func envSetting(key, value string) (string, any) {
	if strings.HasPrefix(key, app.DefaultConfigEnvPrefix) {
		return "", nil
	}
	path := strings.ReplaceAll(strings.TrimPrefix(key, envPrefix), "__", ".")
	return strings.ToLower(path), value
}

// commandOnlyFlags belong to single commands and never map to a setting.
var commandOnlyFlags = map[string]bool{
	"config":         true,
	"username":       true,
	"email":          true,
	"password-stdin": true,
	"code":           true,
	"json":           true,
}

// flagSettings collects explicitly set flags of cmd and its parents as settings:
// --server--host becomes server.host and --log-level becomes log_level. Flags left
// at their default are skipped so they cannot mask the file or the environment.
func flagSettings(cmd *cli.Command) map[string]any {
	settings := make(map[string]any)
	for _, name := range cmd.FlagNames() {
		if commandOnlyFlags[name] || !cmd.IsSet(name) {
			continue
		}
		value := cmd.Value(name)
		if value == nil {
			continue
		}
		key := strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
		settings[key] = value
	}
	return settings
}
