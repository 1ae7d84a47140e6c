package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// fixture es el formato del fichero de dry-run: una lista de frames, uno por ciclo.
type fixture struct {
	Frames []struct {
		Pools []domain.PoolMetricsSnapshot `yaml:"pools"`
	} `yaml:"frames"`
}

// FileProvider reproduce frames de telemetría desde un YAML.
// Cada llamada devuelve el siguiente frame; al agotarse repite el último.
type FileProvider struct {
	mu     sync.Mutex
	frames [][]domain.PoolMetricsSnapshot
	next   int
	now    func() time.Time
}

// LoadFile lee y valida el fichero de frames.
func LoadFile(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry.LoadFile: read %s: %w", path, err)
	}
	var fx fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("telemetry.LoadFile: parse %s: %w", path, err)
	}
	if len(fx.Frames) == 0 {
		return nil, fmt.Errorf("telemetry.LoadFile: %s has no frames", path)
	}
	p := &FileProvider{now: time.Now}
	for _, f := range fx.Frames {
		p.frames = append(p.frames, f.Pools)
	}
	return p, nil
}

// FetchPoolMetrics implementa ports.MetricsProvider.
func (p *FileProvider) FetchPoolMetrics(ctx context.Context) ([]domain.PoolMetricsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	frame := p.frames[p.next]
	if p.next < len(p.frames)-1 {
		p.next++
	}
	now := p.now().UTC()
	out := make([]domain.PoolMetricsSnapshot, len(frame))
	for i, m := range frame {
		if m.At.IsZero() {
			m.At = now
		}
		out[i] = m
	}
	return out, nil
}
