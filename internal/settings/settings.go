// Package settings holds the active platform fee configuration as an
// immutable snapshot. Callers take one Snapshot per operation; the provider
// swaps in new versions on a timer or when an admin update is announced.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/freight-settlement/internal/fees"
	"github.com/example/freight-settlement/internal/models"
	"github.com/example/freight-settlement/internal/observability"
	"github.com/example/freight-settlement/internal/storage"
)

var ErrInvalidSettings = errors.New("settings: invalid platform settings")

type Source interface {
	LatestSettings(ctx context.Context) (*models.PlatformSettings, error)
	SaveSettings(ctx context.Context, s *models.PlatformSettings) error
}

// Publisher announces that a new settings version was saved.
type Publisher interface {
	Publish(ctx context.Context, version int64) error
}

type Provider struct {
	src       Source
	publisher Publisher
	logger    *slog.Logger
	current   atomic.Pointer[models.PlatformSettings]
}

// NewProvider starts with fallback until the first successful Refresh finds
// a stored version.
func NewProvider(src Source, fallback models.PlatformSettings, publisher Publisher, logger *slog.Logger) *Provider {
	p := &Provider{src: src, publisher: publisher, logger: logger}
	p.set(fallback)
	return p
}

// Snapshot returns a private copy of the active settings.
func (p *Provider) Snapshot() models.PlatformSettings {
	return clone(*p.current.Load())
}

func (p *Provider) set(s models.PlatformSettings) {
	c := clone(s)
	p.current.Store(&c)
	observability.SettingsVersion.Set(float64(c.Version))
}

// Refresh loads the newest stored version. An empty store keeps the current
// snapshot.
func (p *Provider) Refresh(ctx context.Context) error {
	s, err := p.src.LatestSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.Version < p.current.Load().Version {
		return nil
	}
	p.set(*s)
	return nil
}

// Run refreshes every interval and whenever events fires, until ctx ends.
func (p *Provider) Run(ctx context.Context, interval time.Duration, events <-chan struct{}) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		}
		if err := p.Refresh(ctx); err != nil && p.logger != nil {
			p.logger.Warn("platform settings refresh failed", "error", err)
		}
	}
}

// Update validates and stores s as a new version, makes it active locally
// and announces it to other instances.
func (p *Provider) Update(ctx context.Context, s models.PlatformSettings, by string) (models.PlatformSettings, error) {
	if err := Validate(s); err != nil {
		return models.PlatformSettings{}, err
	}
	s.UpdatedBy = by
	s.UpdatedAt = time.Now().UTC()
	if err := p.src.SaveSettings(ctx, &s); err != nil {
		return models.PlatformSettings{}, err
	}
	p.set(s)
	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, s.Version); err != nil && p.logger != nil {
			p.logger.Warn("settings update not announced", "version", s.Version, "error", err)
		}
	}
	return clone(s), nil
}

func Validate(s models.PlatformSettings) error {
	if err := fees.ValidateConfig(s.Fees); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	switch s.CommissionMode {
	case models.CommissionShadow, models.CommissionLive:
	default:
		return fmt.Errorf("%w: unknown commission mode %q", ErrInvalidSettings, s.CommissionMode)
	}
	return nil
}

func clone(s models.PlatformSettings) models.PlatformSettings {
	s.Fees.Tiers = append([]models.FeeTier(nil), s.Fees.Tiers...)
	return s
}
