package model

import (
	"context"

	core "LBTrafficGuard/internal/core/model"
)

// PacketSource pushes captured frames into out until ctx is cancelled or the
// source is exhausted. It must not close out.
type PacketSource interface {
	ReadPackets(ctx context.Context, out chan<- core.RawPacket) error
}
