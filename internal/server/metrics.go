// Hub metrics via the global OpenTelemetry meter provider. Without an
// SDK installed by the host process these are no-ops.
package server

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type hubMetrics struct {
	messagesRouted   metric.Int64Counter
	deliveryFailures metric.Int64Counter
	eventsRejected   metric.Int64Counter
}

func newHubMetrics(h *Hub) *hubMetrics {
	meter := otel.Meter("harbour-chat")

	m := &hubMetrics{}
	var err error
	if m.messagesRouted, err = meter.Int64Counter("chat_messages_routed_total",
		metric.WithDescription("Messages accepted by the router, by kind")); err != nil {
		slog.Warn("metrics init", "error", err)
	}
	if m.deliveryFailures, err = meter.Int64Counter("chat_delivery_failures_total",
		metric.WithDescription("Per-recipient deliveries dropped on full send buffers")); err != nil {
		slog.Warn("metrics init", "error", err)
	}
	if m.eventsRejected, err = meter.Int64Counter("chat_events_rejected_total",
		metric.WithDescription("Inbound events rejected with a routed error, by code")); err != nil {
		slog.Warn("metrics init", "error", err)
	}

	clientsGauge, err := meter.Int64ObservableGauge("chat_connected_clients",
		metric.WithDescription("Currently connected WebSocket clients"))
	if err != nil {
		slog.Warn("metrics init", "error", err)
		return m
	}
	onlineGauge, _ := meter.Int64ObservableGauge("chat_online_users",
		metric.WithDescription("Users with at least one live connection"))
	activeRoomsGauge, _ := meter.Int64ObservableGauge("chat_active_rooms",
		metric.WithDescription("Rooms with at least one live socket"))
	voiceRoomsGauge, _ := meter.Int64ObservableGauge("chat_voice_rooms",
		metric.WithDescription("Live voice rooms"))

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(clientsGauge, int64(h.clientCount()))
		o.ObserveInt64(onlineGauge, int64(h.presence.OnlineCount()))
		o.ObserveInt64(activeRoomsGauge, int64(h.rooms.ActiveRoomCount()))
		o.ObserveInt64(voiceRoomsGauge, int64(h.voice.RoomCount()))
		return nil
	}, clientsGauge, onlineGauge, activeRoomsGauge, voiceRoomsGauge)
	if err != nil {
		slog.Warn("metrics callback registration", "error", err)
	}
	return m
}

func (m *hubMetrics) recordRouted(ctx context.Context, kind string) {
	if m == nil || m.messagesRouted == nil {
		return
	}
	m.messagesRouted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *hubMetrics) recordRejected(ctx context.Context, code ErrorCode) {
	if m == nil || m.eventsRejected == nil {
		return
	}
	m.eventsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
}
