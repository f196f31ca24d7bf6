package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if od, ok := ctx.Value(ownerDataKey{}).(*OwnerData); ok {
		r.AddAttrs(slog.Group("owner",
			slog.String("label", od.Label),
		))
	}

	if dd, ok := ctx.Value(deliveryDataKey{}).(*DeliveryData); ok {
		r.AddAttrs(slog.Group("delivery",
			slog.String("receiver_id", dd.ReceiverID),
			slog.String("action", dd.Action),
			slog.Bool("ordered", dd.Ordered),
		))
	}

	if bd, ok := ctx.Value(bindingDataKey{}).(*BindingData); ok {
		r.AddAttrs(slog.Group("binding",
			slog.String("binding_id", bd.BindingID),
			slog.String("component", bd.Component),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type ownerDataKey struct{}

type OwnerData struct {
	Label string
}

func WithOwnerData(ctx context.Context, data *OwnerData) context.Context {
	return context.WithValue(ctx, ownerDataKey{}, data)
}

type deliveryDataKey struct{}

type DeliveryData struct {
	ReceiverID string
	Action     string
	Ordered    bool
}

func WithDeliveryData(ctx context.Context, data *DeliveryData) context.Context {
	return context.WithValue(ctx, deliveryDataKey{}, data)
}

type bindingDataKey struct{}

type BindingData struct {
	BindingID string
	Component string
}

func WithBindingData(ctx context.Context, data *BindingData) context.Context {
	return context.WithValue(ctx, bindingDataKey{}, data)
}
