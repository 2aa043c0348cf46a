package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "respire/pkg/logx"
)

// ErrUnchanged is returned by Reload when the file content matches the
// active config.
var ErrUnchanged = errors.New("config unchanged")

// Validator vets a reloaded config before it becomes active.
type Validator func(ctx context.Context, cfg *Config) error

// ConfigManager owns the active Config and republishes it to subscribers
// when the file changes on disk.
type ConfigManager struct {
	path     string
	debounce time.Duration

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel
	// that publish is writing to.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator Validator
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, debounce: 250 * time.Millisecond}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Reload runs before committing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the file without making it active.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", m.path, err)
	}
	return cfg, nil
}

// Load parses the file and makes it active without notifying subscribers.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.hash = hashConfig(cfg)
	m.mu.Unlock()
}

// hashConfig fingerprints the decoded config, so formatting-only edits and
// a switch between YAML and JSON compare equal.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Reload parses the file, validates it and, if it differs from the active
// config, commits and publishes it. Editors often emit several events for
// one save, so identical content yields ErrUnchanged.
func (m *ConfigManager) Reload(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return nil, ErrUnchanged
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.commit(cfg)
	m.publish(cfg)
	return cfg, nil
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish delivers cfg to every subscriber. A full subscriber loses its
// oldest pending config so the newest one always fits.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// retryDelay is a doubling backoff with up to 50% jitter.
type retryDelay struct {
	base, max, cur time.Duration
	rng            *rand.Rand
}

func newRetryDelay(base, max time.Duration) *retryDelay {
	return &retryDelay{base: base, max: max, cur: base, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *retryDelay) next() time.Duration {
	wait := r.cur + time.Duration(r.rng.Int63n(int64(r.cur/2)+1))
	r.cur = min(r.cur*2, r.max)
	return wait
}

func (r *retryDelay) reset() { r.cur = r.base }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Watch reloads the config whenever its file changes until ctx ends. The
// parent directory is watched so editors that replace the file by rename
// are seen. A watcher that fails or closes is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	delay := newRetryDelay(250*time.Millisecond, 5*time.Second)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() { m.reloadLogged(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			wait := delay.next()
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err), logx.Duration("retry_in", wait))
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		delay.reset()
		m.log.Debug("config watcher started", logx.String("path", m.path))
		m.watchEvents(ctx, w, schedule)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}

		wait := delay.next()
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
	return nil
}

// watchEvents forwards changes to the config file until ctx ends or the
// watcher breaks.
func (m *ConfigManager) watchEvents(ctx context.Context, w *fsnotify.Watcher, changed func()) {
	file := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			switch {
			case errors.Is(err, fsnotify.ErrEventOverflow) || strings.Contains(msg, "overflow"):
				// Events may be lost; reload once to catch up.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				changed()
			case strings.Contains(msg, "closed"):
				return
			default:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

func (m *ConfigManager) reloadLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := m.Reload(ctx)
	switch {
	case errors.Is(err, ErrUnchanged):
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
	case err != nil:
		m.log.Warn("config reload failed; keeping active config", logx.String("path", m.path), logx.Err(err))
	default:
		m.log.Info("config published", logx.String("path", m.path), logx.Int("modes", countModes(cfg.Modes)))
	}
}

func countModes(mc ModeConfig) int {
	n := 1
	for _, c := range mc.Children {
		n += countModes(c)
	}
	return n
}
