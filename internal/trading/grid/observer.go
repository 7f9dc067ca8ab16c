package grid

import "grid_trader/internal/core"

// Observer receives instance lifecycle events. All callbacks are invoked
// outside the instance mutex and must not call back into the instance
// synchronously.
type Observer interface {
	OnOpenPosition(instanceID string, fill core.FillRecord)
	OnClosePosition(instanceID string, fill core.FillRecord)
	OnWarn(instanceID string, message string, err error)
}

// NopObserver discards all events
type NopObserver struct{}

func (NopObserver) OnOpenPosition(string, core.FillRecord)  {}
func (NopObserver) OnClosePosition(string, core.FillRecord) {}
func (NopObserver) OnWarn(string, string, error)            {}
