package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"grid_trader/internal/core"
	"grid_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name string
	mu   sync.Mutex
	sent []Payload
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, alert Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, alert)
	return nil
}

func (f *fakeChannel) received() []Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Payload, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestManager(t *testing.T) (*Manager, *fakeChannel) {
	t.Helper()

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	m := NewManager(logger)
	ch := &fakeChannel{name: "fake"}
	m.AddChannel(ch)
	return m, ch
}

func TestNotify_FansOutToEveryChannel(t *testing.T) {
	m, first := newTestManager(t)
	second := &fakeChannel{name: "other"}
	m.AddChannel(second)
	assert.Equal(t, 2, m.ChannelCount())

	m.Notify(context.Background(), Warning, "title", "message", map[string]string{"key": "value"})

	require.Eventually(t, func() bool {
		return len(first.received()) == 1 && len(second.received()) == 1
	}, time.Second, 10*time.Millisecond)

	payload := first.received()[0]
	assert.Equal(t, Warning, payload.Level)
	assert.Equal(t, "title", payload.Title)
	assert.Equal(t, "value", payload.Fields["key"])
}

func TestPositionOpened_CarriesFillDetails(t *testing.T) {
	m, ch := newTestManager(t)

	fill := &core.FillRecord{
		Quantity: decimal.RequireFromString("0.002"),
		AvgPrice: decimal.RequireFromString("64123.5"),
		Status:   core.StatusFilled,
	}
	m.PositionOpened(context.Background(), "BTCUSDT", core.PositionSideLong, fill)

	require.Eventually(t, func() bool { return len(ch.received()) == 1 }, time.Second, 10*time.Millisecond)

	payload := ch.received()[0]
	assert.Equal(t, Info, payload.Level)
	assert.Equal(t, "0.002", payload.Fields["quantity"])
	assert.Equal(t, "LONG", payload.Fields["side"])
}

func TestNotify_SurvivesCanceledCaller(t *testing.T) {
	m, ch := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.Notify(ctx, Error, "title", "message", nil)
	require.Eventually(t, func() bool { return len(ch.received()) == 1 }, time.Second, 10*time.Millisecond)
}
