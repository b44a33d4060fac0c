// Package config reads and hot-reloads the pool's TOML configuration
// file. Each top-level section merges independently into the in-memory
// configuration; a port change under [server] is flagged as requiring a
// restart instead of being hot-applied.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"

	"github.com/proxypool/proxypool/internal/domain"
	"github.com/proxypool/proxypool/utils"
)

// ErrRestartRequired is returned by callers that choose to treat a
// restart-requiring diff as fatal instead of merely logging it.
const ErrRestartRequired errors.Error = "config change requires a process restart"

// General holds the [general] section.
type General struct {
	MaxConnections   int    `toml:"max_connections"`
	DefaultTimeoutMs int    `toml:"default_timeout"`
	RateLimitDelayMs int    `toml:"rate_limit_delay_ms"`
	LogLevel         string `toml:"log_level"`
}

// DNSBL holds the [dnsbl] section.
type DNSBL struct {
	Enabled            bool `toml:"enabled"`
	TimeoutSecs        int  `toml:"timeout_secs"`
	MaxConcurrent      int  `toml:"max_concurrent"`
	CacheTTLSecs       int  `toml:"cache_ttl_secs"`
	MaliciousThreshold int  `toml:"malicious_threshold"`
}

// Server holds the [server] section.
type Server struct {
	MaxClients int `toml:"max_clients"`
	Port       int `toml:"port"`
	TimeoutMs  int `toml:"timeout"`
}

// Protocols holds the [protocols] section: which protocol classes the
// find/serve subcommands consider by default.
type Protocols struct {
	HTTP      bool `toml:"http"`
	HTTPS     bool `toml:"https"`
	SOCKS4    bool `toml:"socks4"`
	SOCKS5    bool `toml:"socks5"`
	Connect25 bool `toml:"connect_25"`
	Connect80 bool `toml:"connect_80"`
}

// Config is the full merged configuration document.
type Config struct {
	General   General   `toml:"general"`
	DNSBL     DNSBL     `toml:"dnsbl"`
	Server    Server    `toml:"server"`
	Protocols Protocols `toml:"protocols"`
}

// Load parses path as TOML into a Config. Every field is optional; a
// missing section leaves its fields at Go's zero values, which callers
// should treat as "inherit defaults".
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decoding %s: %s", domain.ErrConfig, path, err)
	}
	return cfg, nil
}

// Diff reports which sections differ between old and next, and whether
// the difference requires a process restart (a [server] port change).
type Diff struct {
	GeneralChanged   bool
	DNSBLChanged     bool
	ServerChanged    bool
	ProtocolsChanged bool
	RequiresRestart  bool
}

func diffOf(old, next Config) Diff {
	d := Diff{
		GeneralChanged:   old.General != next.General,
		DNSBLChanged:     old.DNSBL != next.DNSBL,
		ServerChanged:    old.Server != next.Server,
		ProtocolsChanged: old.Protocols != next.Protocols,
	}
	d.RequiresRestart = old.Server.Port != next.Server.Port
	return d
}

// Err returns ErrRestartRequired if d requires a process restart to take
// full effect, otherwise nil.
func (d Diff) Err() error {
	if d.RequiresRestart {
		return ErrRestartRequired
	}
	return nil
}

// Store is the process-wide atomically-swappable configuration,
// optionally kept in sync with a TOML file via Watch.
type Store struct {
	mux     sync.RWMutex
	current Config
	path    string

	watcher *fsnotify.Watcher

	onChange func(Diff)

	lastSize    int64
	lastModTime time.Time
}

// NewStore returns a Store seeded with initial.
func NewStore(path string, initial Config) *Store {
	return &Store{current: initial, path: path}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.current
}

// OnChange registers a callback invoked after every successful reload,
// describing which sections changed. Only one callback is supported.
func (s *Store) OnChange(fn func(Diff)) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.onChange = fn
}

// reload re-reads s.path, atomically swaps the in-memory config, and
// reports the diff to any registered OnChange callback. A parse failure
// leaves the current configuration untouched. A write event whose
// size and mtime match the last successful load is skipped outright -
// editors commonly fire more than one fsnotify event per logical save.
func (s *Store) reload() {
	size, modTime, err := utils.FileInfo(s.path)
	if err == nil {
		s.mux.RLock()
		unchanged := size == s.lastSize && modTime.Equal(s.lastModTime)
		s.mux.RUnlock()
		if unchanged {
			return
		}
	}

	// Decode on top of a copy of the current config so that fields absent
	// from the file keep their current values.
	s.mux.RLock()
	next := s.current
	s.mux.RUnlock()
	if _, err := toml.DecodeFile(s.path, &next); err != nil {
		log.Error("config: reload of %s failed, keeping previous config: %v", s.path, err)
		return
	}

	s.mux.Lock()
	old := s.current
	s.current = next
	s.lastSize = size
	s.lastModTime = modTime
	cb := s.onChange
	s.mux.Unlock()

	d := diffOf(old, next)
	if d.RequiresRestart {
		log.Warn("config: [server].port changed from %d to %d - restart required to apply", old.Server.Port, next.Server.Port)
	}
	if cb != nil {
		cb(d)
	}
}

// Watch starts an fsnotify watch on s.path, reloading on every write
// event until stop is closed. It degrades to a no-op (logging once) if
// the watcher cannot be created, per the documented "never fail startup
// over ambient features" contract.
func (s *Store) Watch(stop <-chan struct{}) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("config: could not start file watcher, hot-reload disabled: %v", err)
		return
	}
	s.watcher = w

	if err := w.Add(s.path); err != nil {
		log.Error("config: could not watch %s, hot-reload disabled: %v", s.path, err)
		_ = w.Close()
		return
	}

	go func() {
		defer w.Close()
		var debounce *time.Timer
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, s.reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("config: watcher error: %v", err)
			}
		}
	}()
}
