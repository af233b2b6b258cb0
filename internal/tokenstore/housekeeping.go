package tokenstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/wardgate/pkg/slogx"
)

// Purger is a store that can drop expired records for every tab at once.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Housekeeper periodically purges expired tab sessions so the database does
// not grow with tabs that were never logged out.
type Housekeeper struct {
	Purger   Purger
	Logger   *slog.Logger
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeeper creates a housekeeper; an interval <= 0 means one hour.
func NewHousekeeper(p Purger, logger *slog.Logger, interval time.Duration) *Housekeeper {
	if interval <= 0 {
		interval = time.Hour
	}

	return &Housekeeper{
		Purger:   p,
		Logger:   slogx.OrDefault(logger),
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs a purge immediately and then every Interval until Stop.
func (h *Housekeeper) Start() {
	go h.run()
	h.Logger.Info("token housekeeping started", "interval", h.Interval)
}

// Stop blocks until an in-progress purge has finished.
func (h *Housekeeper) Stop() {
	close(h.stopCh)
	<-h.doneCh
	h.Logger.Info("token housekeeping stopped")
}

func (h *Housekeeper) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	h.purge()

	for {
		select {
		case <-ticker.C:
			h.purge()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Housekeeper) purge() {
	n, err := h.Purger.Purge(context.Background())
	if err != nil {
		h.Logger.Error("failed to purge expired tab sessions", "error", err)
		return
	}
	if n > 0 {
		h.Logger.Info("purged expired tab sessions", "count", n)
	}
}
