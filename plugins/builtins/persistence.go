package builtins

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/defaults"
	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/slogs"
	"github.com/nextpkg/storeplug/storage"
	"github.com/nextpkg/storeplug/store"
)

const PersistencePluginName = "PersistencePlugin"

type (
	// PersistenceConfig represents the options of the persistence plugin.
	PersistenceConfig struct {
		plugins.BaseConfig `koanf:",squash"`
		// Key is the storage key holding the record
		Key string `koanf:"key" default:"store" validate:"required"`
		// Whitelist keeps only these top-level keys when set
		Whitelist []string `koanf:"whitelist"`
		// Blacklist drops these top-level keys
		Blacklist []string `koanf:"blacklist"`
		// Throttle debounces writes; zero writes on every snapshot
		Throttle    time.Duration `koanf:"throttle" default:"1s" validate:"gte=0"`
		AutoRestore bool          `koanf:"autoRestore" default:"true"`
		// Compress stores lz4 frames unless a codec was supplied
		Compress bool `koanf:"compress" default:"false"`
	}

	// Transform rewrites a snapshot on its way to or from storage.
	Transform func(store.Snapshot) (store.Snapshot, error)

	PersistenceStatus struct {
		plugins.Info
		Key              string     `json:"key"`
		HasPersistedData bool       `json:"hasPersistedData"`
		DataSize         int        `json:"dataSize"`
		Pending          bool       `json:"pending"`
		LastSaved        *time.Time `json:"lastSaved"`
	}

	PersistenceOption func(*PersistencePlugin)
)

// PersistencePlugin mirrors filtered store state to a key-value medium.
type PersistencePlugin struct {
	*plugins.Base

	storage      storage.Storage
	codec        storage.Codec
	transformIn  Transform
	transformOut Transform

	restoring atomic.Bool

	mu        sync.Mutex
	cfg       PersistenceConfig
	activeEnc storage.Codec
	timer     *time.Timer
	pending   store.Snapshot
	lastSaved time.Time
}

// WithStorage sets the medium. Install fails without one.
func WithStorage(s storage.Storage) PersistenceOption {
	return func(p *PersistencePlugin) { p.storage = s }
}

// WithCodec encodes records after serialization, overriding the compress
// option.
func WithCodec(c storage.Codec) PersistenceOption {
	return func(p *PersistencePlugin) { p.codec = c }
}

// WithTransform sets the inbound (restore) and outbound (save) transforms.
// Either may be nil.
func WithTransform(in, out Transform) PersistenceOption {
	return func(p *PersistencePlugin) {
		p.transformIn = in
		p.transformOut = out
	}
}

func NewPersistencePlugin(opts ...PersistenceOption) *PersistencePlugin {
	p := &PersistencePlugin{}
	p.Base = plugins.NewBase(PersistencePluginName, "1.0.0", plugins.Hooks{
		DefaultOptions: func() plugins.Options { return plugins.OptionsOf(&PersistenceConfig{}) },
		OnInstall:      p.onInstall,
		OnUninstall:    p.onUninstall,
	})
	// the record key is usable before install
	if err := defaults.SetDefaults(&p.cfg); err != nil {
		slogs.Error("Failed to set persistence defaults", "error", err)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PersistencePlugin) onInstall() error {
	if p.storage == nil {
		return ce.ErrStorageRequired
	}

	var cfg PersistenceConfig
	if err := p.Decode(&cfg); err != nil {
		return err
	}

	enc := p.codec
	if enc == nil && cfg.Compress {
		enc = storage.LZ4{}
	}

	p.mu.Lock()
	p.cfg = cfg
	p.activeEnc = enc
	p.mu.Unlock()

	if cfg.AutoRestore {
		p.Restore()
	}

	p.AddDisposer(p.Store().OnSnapshot(p.onSnapshot))
	return nil
}

func (p *PersistencePlugin) onUninstall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = nil
	return nil
}

func (p *PersistencePlugin) config() (PersistenceConfig, storage.Codec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.activeEnc
}

func (p *PersistencePlugin) onSnapshot(snap store.Snapshot) {
	if !p.Enabled() || p.restoring.Load() {
		return
	}
	p.schedule(snap)
}

// schedule debounces writes: only the latest snapshot within the throttle
// window is written.
func (p *PersistencePlugin) schedule(snap store.Snapshot) {
	cfg, _ := p.config()
	if cfg.Throttle <= 0 {
		_ = p.write(snap)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = snap
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(cfg.Throttle, p.flushPending)
}

func (p *PersistencePlugin) flushPending() {
	if !p.IsInstalled() {
		return
	}

	p.mu.Lock()
	snap := p.pending
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if snap != nil {
		_ = p.write(snap)
	}
}

// Flush writes a pending debounced snapshot immediately.
func (p *PersistencePlugin) Flush() {
	p.flushPending()
}

// Save writes the current store state now, superseding any pending write.
func (p *PersistencePlugin) Save() {
	st := p.Store()
	if st == nil {
		return
	}

	p.mu.Lock()
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	_ = p.write(st.GetSnapshot())
}

func (p *PersistencePlugin) write(snap store.Snapshot) error {
	cfg, enc := p.config()

	data := p.filter(snap, cfg)
	if p.transformOut != nil {
		var err error
		if data, err = p.transformOut(data); err != nil {
			return p.fail("Failed to persist state", err)
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return p.fail("Failed to persist state", err)
	}
	record := string(raw)
	if enc != nil {
		if record, err = enc.Encode(record); err != nil {
			return p.fail("Failed to persist state", err)
		}
	}

	if err = p.storage.SetItem(cfg.Key, record); err != nil {
		return p.fail("Failed to persist state", err)
	}

	p.mu.Lock()
	p.lastSaved = time.Now()
	p.mu.Unlock()

	p.Log("State persisted successfully", "key", cfg.Key, "bytes", len(record))
	return nil
}

// fail logs err as a persistence error and returns it.
func (p *PersistencePlugin) fail(msg string, err error) error {
	perr := ce.NewPluginError(ce.ErrorTypePersistence, p.Name(), msg, err)
	p.Error(msg, "error", perr)
	return perr
}

// filter keeps whitelisted top-level keys (when a whitelist is set) and then
// drops blacklisted ones.
func (p *PersistencePlugin) filter(snap store.Snapshot, cfg PersistenceConfig) store.Snapshot {
	out := store.CloneSnapshot(snap)
	if cfg.Whitelist != nil {
		maps.DeleteFunc(out, func(k string, _ any) bool { return !slices.Contains(cfg.Whitelist, k) })
	}
	for _, k := range cfg.Blacklist {
		delete(out, k)
	}
	return out
}

// LoadInitialData reads, decodes, filters and transforms the persisted
// record without touching the store.
func (p *PersistencePlugin) LoadInitialData() (store.Snapshot, bool) {
	if p.storage == nil {
		return nil, false
	}
	cfg, enc := p.config()

	record, found, err := p.storage.GetItem(cfg.Key)
	if err != nil {
		_ = p.fail("Failed to load persisted state", err)
		return nil, false
	}
	if !found || record == "" {
		p.Log("No saved state found", "key", cfg.Key)
		return nil, false
	}

	if enc != nil {
		if record, err = enc.Decode(record); err != nil {
			_ = p.fail("Failed to load persisted state", err)
			return nil, false
		}
	}

	var data store.Snapshot
	if err = json.Unmarshal([]byte(record), &data); err != nil {
		_ = p.fail("Failed to load persisted state", err)
		return nil, false
	}
	if data == nil {
		return nil, false
	}
	data = p.filter(data, cfg)

	if p.transformIn != nil {
		if data, err = p.transformIn(data); err != nil {
			_ = p.fail("Failed to load persisted state", err)
			return nil, false
		}
	}
	return data, true
}

// Restore applies the persisted record over the current state. Keys absent
// from the record keep their current values. It reports whether anything was
// restored; failures are logged and leave the store untouched.
func (p *PersistencePlugin) Restore() bool {
	st := p.Store()
	if st == nil {
		return false
	}

	data, ok := p.LoadInitialData()
	if !ok {
		return false
	}

	next := st.GetSnapshot()
	maps.Copy(next, data)

	p.restoring.Store(true)
	err := st.ApplySnapshot(next)
	p.restoring.Store(false)
	if err != nil {
		_ = p.fail("Failed to restore state", err)
		return false
	}

	p.Log("State restored successfully")
	return true
}

// Clear removes the persisted record.
func (p *PersistencePlugin) Clear() {
	if p.storage == nil {
		return
	}
	cfg, _ := p.config()
	if err := p.storage.RemoveItem(cfg.Key); err != nil {
		_ = p.fail("Failed to clear persisted data", err)
		return
	}
	p.Log("Persisted data cleared", "key", cfg.Key)
}

// ClearPersistedData is an alias of Clear.
func (p *PersistencePlugin) ClearPersistedData() {
	p.Clear()
}

func (p *PersistencePlugin) HasPersistedData() bool {
	if p.storage == nil {
		return false
	}
	cfg, _ := p.config()
	_, found, err := p.storage.GetItem(cfg.Key)
	return err == nil && found
}

// DataSize is the stored record size in bytes.
func (p *PersistencePlugin) DataSize() int {
	if p.storage == nil {
		return 0
	}
	cfg, _ := p.config()
	record, _, err := p.storage.GetItem(cfg.Key)
	if err != nil {
		return 0
	}
	return len(record)
}

func (p *PersistencePlugin) Status() PersistenceStatus {
	cfg, _ := p.config()

	p.mu.Lock()
	status := PersistenceStatus{Key: cfg.Key, Pending: p.pending != nil}
	if !p.lastSaved.IsZero() {
		t := p.lastSaved
		status.LastSaved = &t
	}
	p.mu.Unlock()

	status.Info = p.Info()
	status.HasPersistedData = p.HasPersistedData()
	status.DataSize = p.DataSize()
	return status
}
