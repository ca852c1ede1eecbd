package config

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 200 * time.Millisecond

// Provider loads the configuration once and watches the file for
// changes. Updates are delivered to subscribers after debouncing; a
// file that fails to reload keeps the previous configuration in place.
type Provider struct {
	logger     *zap.Logger
	loader     *Loader
	configPath string

	state atomic.Value

	subsMu sync.Mutex
	subs   map[chan Config]struct{}

	reloadMu  sync.Mutex
	watchOnce sync.Once
	watchCtx  context.Context
}

func NewProvider(ctx context.Context, configPath string, logger *zap.Logger) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loader := NewLoader(logger)
	cfg, err := loader.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		logger:     logger.Named("config_provider"),
		loader:     loader,
		configPath: configPath,
		subs:       make(map[chan Config]struct{}),
		watchCtx:   ctx,
	}
	p.state.Store(cfg)
	return p, nil
}

// Snapshot returns the current configuration.
func (p *Provider) Snapshot() Config {
	return p.state.Load().(Config)
}

// Watch subscribes to configuration updates and starts the file
// watcher on first use. The subscription ends when ctx is cancelled.
func (p *Provider) Watch(ctx context.Context) <-chan Config {
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan Config, 1)
	p.subsMu.Lock()
	p.subs[ch] = struct{}{}
	p.subsMu.Unlock()

	p.watchOnce.Do(func() {
		go p.runWatcher(p.watchCtx)
	})

	go func() {
		<-ctx.Done()
		p.subsMu.Lock()
		delete(p.subs, ch)
		p.subsMu.Unlock()
	}()

	return ch
}

// Reload forces a reload outside the watch path.
func (p *Provider) Reload(ctx context.Context) error {
	return p.reload(ctx)
}

func (p *Provider) reload(ctx context.Context) error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	prev := p.state.Load().(Config)
	next, err := p.loader.Load(ctx, p.configPath)
	if err != nil {
		return err
	}
	if reflect.DeepEqual(prev, next) {
		return nil
	}

	p.state.Store(next)
	p.logger.Info("configuration reloaded",
		zap.Int("servers", len(next.Servers)),
	)
	p.broadcast(next)
	return nil
}

func (p *Provider) broadcast(cfg Config) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- cfg:
		default:
		}
	}
}

func (p *Provider) runWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("config watcher failed", zap.Error(err))
		return
	}
	defer watcher.Close()

	// Watching the directory survives editors that replace the file.
	if err := watcher.Add(filepath.Dir(p.configPath)); err != nil {
		p.logger.Warn("config watcher add failed",
			zap.String("path", p.configPath),
			zap.Error(err),
		)
		return
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Errors:
			if err != nil {
				p.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(p.configPath) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(defaultReloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(defaultReloadDebounce)
		case <-timerChan(timer):
			timer = nil
			if err := p.reload(ctx); err != nil {
				p.logger.Warn("config reload failed", zap.Error(err))
			}
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
