package client

import (
	"context"
	"time"

	"voicerelay/internal/models"

	"github.com/rs/zerolog"
)

const defaultPollInterval = 400 * time.Millisecond

// Poller drives the cursor loop against the server. Each batch is handed to
// the handler in order; the cursor only advances to what the server returned,
// so a crash mid-batch re-fetches rather than skips.
type Poller struct {
	client   *ServerClient
	interval time.Duration
	cursor   int64
	handle   func(models.Message)
	log      zerolog.Logger
}

func NewPoller(client *ServerClient, startCursor int64, interval time.Duration,
	handle func(models.Message), log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		client:   client,
		interval: interval,
		cursor:   startCursor,
		handle:   handle,
		log:      log,
	}
}

// Run polls until the context is cancelled. Transient errors are logged and
// retried on the next tick with the same cursor.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, cursor, err := p.client.Poll(ctx, p.cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn().Err(err).Int64("cursor", p.cursor).Msg("poll failed")
				continue
			}
			for _, msg := range batch {
				p.handle(msg)
			}
			p.cursor = cursor
		}
	}
}
