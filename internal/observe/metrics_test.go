package observe_test

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/magmastream/magmastream-go/internal/observe"
)

func TestNewMetrics_CreatesAllInstruments(t *testing.T) {
	t.Parallel()
	mp := sdkmetric.NewMeterProvider()
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.NodeConnects == nil || m.RESTRequestDuration == nil || m.ActivePlayers == nil ||
		m.TracksStarted == nil || m.PlayerMigrations == nil || m.SnapshotWriteDuration == nil {
		t.Error("all instruments should be initialised")
	}

	// Recording must not panic on a bare SDK provider.
	ctx := context.Background()
	m.RecordRESTRequest(ctx, "loadtracks", "200", 0.05)
	m.RecordTrackStart(ctx, "youtube")
	m.ActivePlayers.Add(ctx, 1)
	m.ActivePlayers.Add(ctx, -1)
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	t.Parallel()
	if observe.DefaultMetrics() != observe.DefaultMetrics() {
		t.Error("DefaultMetrics must be a singleton")
	}
}
