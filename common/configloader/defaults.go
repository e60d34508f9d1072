package configloader

import "sync"

// Defaults — значения по умолчанию в dotted-нотации.
type Defaults map[string]interface{}

var (
	defaultsMu sync.RWMutex
	defaults   = make(Defaults)
)

// RegisterDefaults глобально регистрирует дефолты для всех сервисов
// (например, общие таймауты HTTP). Ключи, переданные в Load, имеют приоритет.
func RegisterDefaults(k string, v interface{}) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	defaults[k] = v
}

func getDefaults() Defaults {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()

	cp := make(Defaults, len(defaults))
	for k, v := range defaults {
		cp[k] = v
	}
	return cp
}
