package configloader

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load загружает конфиг в cfgPtr: из YAML + ENV + defaults.
// envPrefix — префикс ENV переменных, например: "BATCHCONSUMER".
// Ключи defaults задаются в dotted-нотации ("kafka.brokers"); только
// известные viper ключи читаются из окружения.
func Load(path, envPrefix string, defaults Defaults, cfgPtr interface{}) error {
	v := viper.New()

	// Шаг 1: apply defaults (глобальные, затем переданные)
	for key, val := range getDefaults() {
		v.SetDefault(key, val)
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	// Шаг 2: environment override
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Шаг 3: read file (if provided)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", path, err)
		}
	}

	// Шаг 4: decode
	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	// Шаг 5: validate if possible
	if v, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}

	return nil
}
