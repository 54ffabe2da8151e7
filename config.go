package storedmap

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config is the string-keyed property bag identifying a Store
// (spec.md §6 "Configuration surface"). Two Configs with the same
// key=value pairs (order-independent) resolve to the same Store via
// GetStore.
type Config map[string]string

// key returns a stable, order-independent identity string for cfg.
func (cfg Config) key() string {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(cfg[k])
		b.WriteByte('\x00')
	}
	return b.String()
}

// Options carries the typed, recognised configuration knobs alongside
// the raw Config bag. ApplicationCode defaults to "storedmap", matching
// spec.md §6.
type Options struct {
	ApplicationCode string

	Log *zap.Logger

	LeaseTTL        time.Duration
	CoalesceDelay   time.Duration
	RescheduleDelay time.Duration
	WorkerPoolSize  int64

	// ErrorHandler receives driver errors encountered outside any
	// caller's call stack (mid-save failures, spec.md §7). Store-level
	// configuration failures are returned by GetStore instead.
	ErrorHandler func(category, key string, err error)
}

func (o Options) applicationCode() string {
	if o.ApplicationCode == "" {
		return "storedmap"
	}
	return o.ApplicationCode
}
