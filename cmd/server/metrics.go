package main

import (
	"context"
	"log"
	"time"

	"github.com/rustyguts/mediaplane/room"
)

// runMetrics logs process-wide fan-out stats every interval until ctx is
// canceled, mirroring the teacher's RunMetrics shape.
func runMetrics(ctx context.Context, registry *room.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastDelivered, lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			delivered, dropped := registry.Stats()
			if delivered != lastDelivered || dropped != lastDropped {
				log.Printf("[metrics] delivered=%d dropped=%d (+%d/+%d since last tick)",
					delivered, dropped, delivered-lastDelivered, dropped-lastDropped)
				lastDelivered, lastDropped = delivered, dropped
			}
		}
	}
}
