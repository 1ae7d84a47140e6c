package ports

import "github.com/alejandrodnm/lpbot/internal/domain"

// Recorder receives observability events from the core.
type Recorder interface {
	EntryRejected(code string)
	TradeOpened(t domain.Trade)
	TradeClosed(t domain.Trade)
	CapitalSnapshot(st domain.CapitalState)
	KillSwitch(killed bool, aliveRatio, health float64)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) EntryRejected(string)                {}
func (NopRecorder) TradeOpened(domain.Trade)            {}
func (NopRecorder) TradeClosed(domain.Trade)            {}
func (NopRecorder) CapitalSnapshot(domain.CapitalState) {}
func (NopRecorder) KillSwitch(bool, float64, float64)   {}
