package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/lpbot/internal/adapters/metrics"
	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/ports"
)

var _ ports.Recorder = (*metrics.Prometheus)(nil)

func TestTradeEvents(t *testing.T) {
	p := metrics.NewPrometheus()
	p.EntryRejected("exposure_cap")
	p.EntryRejected("exposure_cap")
	p.EntryRejected("liquid_floor")
	p.TradeOpened(domain.Trade{SizingMode: domain.SizingStandard})
	p.TradeClosed(domain.Trade{ExitReason: domain.ExitStopLoss, NetPnL: -2.5})
	p.TradeClosed(domain.Trade{ExitReason: domain.ExitTakeProfit, NetPnL: 4})

	expected := `
# HELP lpbot_entry_rejections_total Entries declined, by reject code
# TYPE lpbot_entry_rejections_total counter
lpbot_entry_rejections_total{code="exposure_cap"} 2
lpbot_entry_rejections_total{code="liquid_floor"} 1
# HELP lpbot_trades_closed_total Positions closed, by exit reason
# TYPE lpbot_trades_closed_total counter
lpbot_trades_closed_total{reason="stop_loss"} 1
lpbot_trades_closed_total{reason="take_profit"} 1
# HELP lpbot_realized_pnl_usd_total Sum of net P&L of closed positions since process start
# TYPE lpbot_realized_pnl_usd_total gauge
lpbot_realized_pnl_usd_total 1.5
`
	require.NoError(t, testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected),
		"lpbot_entry_rejections_total", "lpbot_trades_closed_total", "lpbot_realized_pnl_usd_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(p.Registry(), "lpbot_trades_opened_total"))
}

func TestCapitalAndKillSwitch(t *testing.T) {
	p := metrics.NewPrometheus()
	p.CapitalSnapshot(domain.CapitalState{Available: 900, Locked: 80, TotalRealizedPnL: -20})
	p.KillSwitch(true, 0.15, 32.5)

	expected := `
# HELP lpbot_capital_equity_usd Available plus locked capital
# TYPE lpbot_capital_equity_usd gauge
lpbot_capital_equity_usd 980
# HELP lpbot_capital_locked_usd Capital locked by open positions
# TYPE lpbot_capital_locked_usd gauge
lpbot_capital_locked_usd 80
# HELP lpbot_kill_switch_active 1 while the kill switch blocks entries
# TYPE lpbot_kill_switch_active gauge
lpbot_kill_switch_active 1
# HELP lpbot_kill_switch_alive_ratio Fraction of tracked pools showing activity
# TYPE lpbot_kill_switch_alive_ratio gauge
lpbot_kill_switch_alive_ratio 0.15
`
	require.NoError(t, testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected),
		"lpbot_capital_equity_usd", "lpbot_capital_locked_usd", "lpbot_kill_switch_active", "lpbot_kill_switch_alive_ratio"))

	p.KillSwitch(false, 0.4, 60)
	assert.Equal(t, 1, testutil.CollectAndCount(p.Registry(), "lpbot_kill_switch_active"))
}

func TestHandler(t *testing.T) {
	p := metrics.NewPrometheus()
	p.EntryRejected("size_below_min")

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `lpbot_entry_rejections_total{code="size_below_min"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
