package pricing

import (
	"context"
	"log/slog"
	"time"
)

// Refresher periodically re-warms ticks for recently requested instruments
// so settlement reads rarely hit the blocking fetch path. It is owned by the
// process lifecycle: Start spawns the loop, Stop cancels it and waits.
type Refresher struct {
	agg      *Aggregator
	interval time.Duration
	window   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher creates a refresher re-fetching instruments requested within
// window, every interval.
func NewRefresher(agg *Aggregator, interval, window time.Duration) *Refresher {
	return &Refresher{
		agg:      agg,
		interval: interval,
		window:   window,
	}
}

// Start launches the refresh loop.
func (r *Refresher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				instruments := r.agg.RecentInstruments(r.window)
				if len(instruments) == 0 {
					continue
				}
				results := r.agg.GetTicks(ctx, instruments)
				for ins, res := range results {
					if res.Err != nil {
						slog.Debug("periodic refresh failed", "instrument", ins, "err", res.Err)
					}
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (r *Refresher) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
