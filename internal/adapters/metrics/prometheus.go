// Package metrics exporta los eventos del núcleo como métricas Prometheus:
//
//	lpbot_entry_rejections_total{code}  entradas rechazadas por código
//	lpbot_trades_opened_total{mode}     posiciones abiertas por sizing mode
//	lpbot_trades_closed_total{reason}   posiciones cerradas por motivo de salida
//	lpbot_realized_pnl_usd_total        P&L neto acumulado de los cierres (puede bajar)
//	lpbot_capital_*_usd                 estado del ledger tras cada mutación
//	lpbot_kill_switch_*                 lectura del kill switch en cada ciclo
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

// Prometheus implementa ports.Recorder sobre un registry propio.
type Prometheus struct {
	registry *prometheus.Registry

	rejections *prometheus.CounterVec
	opened     *prometheus.CounterVec
	closed     *prometheus.CounterVec
	netPnL     prometheus.Gauge

	available prometheus.Gauge
	locked    prometheus.Gauge
	realized  prometheus.Gauge
	equity    prometheus.Gauge

	killed     prometheus.Gauge
	aliveRatio prometheus.Gauge
	health     prometheus.Gauge
}

// NewPrometheus crea y registra los collectors, más los de Go y del proceso.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lpbot_entry_rejections_total",
				Help: "Entries declined, by reject code",
			},
			[]string{"code"},
		),
		opened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lpbot_trades_opened_total",
				Help: "Positions opened, by sizing mode",
			},
			[]string{"mode"},
		),
		closed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lpbot_trades_closed_total",
				Help: "Positions closed, by exit reason",
			},
			[]string{"reason"},
		),
		netPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lpbot_realized_pnl_usd_total",
			Help: "Sum of net P&L of closed positions since process start",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lpbot_capital_available_usd",
			Help: "Available capital in the ledger",
		}),
		locked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lpbot_capital_locked_usd",
			Help: "Capital locked by open positions",
		}),
		realized: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lpbot_capital_realized_pnl_usd",
			Help: "Lifetime realized P&L recorded by the ledger",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lpbot_capital_equity_usd",
			Help: "Available plus locked capital",
		}),
		killed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lpbot_kill_switch_active",
			Help: "1 while the kill switch blocks entries",
		}),
		aliveRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lpbot_kill_switch_alive_ratio",
			Help: "Fraction of tracked pools showing activity",
		}),
		health: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lpbot_kill_switch_market_health",
			Help: "Mean micro score of the top pools",
		}),
	}
	p.registry.MustRegister(
		p.rejections, p.opened, p.closed, p.netPnL,
		p.available, p.locked, p.realized, p.equity,
		p.killed, p.aliveRatio, p.health,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry expone el registry para tests y para añadir collectors externos.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler sirve /metrics en formato de exposición de Prometheus.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) EntryRejected(code string) {
	p.rejections.WithLabelValues(code).Inc()
}

func (p *Prometheus) TradeOpened(t domain.Trade) {
	p.opened.WithLabelValues(string(t.SizingMode)).Inc()
}

func (p *Prometheus) TradeClosed(t domain.Trade) {
	p.closed.WithLabelValues(string(t.ExitReason)).Inc()
	p.netPnL.Add(t.NetPnL)
}

func (p *Prometheus) CapitalSnapshot(st domain.CapitalState) {
	p.available.Set(st.Available)
	p.locked.Set(st.Locked)
	p.realized.Set(st.TotalRealizedPnL)
	p.equity.Set(st.Equity())
}

func (p *Prometheus) KillSwitch(killed bool, aliveRatio, health float64) {
	v := 0.0
	if killed {
		v = 1
	}
	p.killed.Set(v)
	p.aliveRatio.Set(aliveRatio)
	p.health.Set(health)
}
