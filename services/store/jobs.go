package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	zlog "github.com/rs/zerolog/log"
)

const limiterMaxIdle = 10 * time.Minute

// newScheduler registers the background jobs: reservation expiry every
// minute and rate limiter cleanup every ten minutes.
func newScheduler(checkout *CheckoutUseCase, limiter *RateLimiter) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	_, err := c.AddFunc("@every 1m", func() {
		expireReservationsJob(context.Background(), checkout)
	})
	if err != nil {
		return nil, err
	}

	_, err = c.AddFunc("@every 10m", func() {
		if removed := limiter.Cleanup(limiterMaxIdle); removed > 0 {
			zlog.Debug().Int("removed", removed).Msg("🧹 [RATE LIMIT] Idle clients removed")
		}
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func expireReservationsJob(ctx context.Context, checkout *CheckoutUseCase) {
	logger := zlog.With().Str("job", "expire_reservations").Logger()
	ctx = logger.WithContext(ctx)

	released, err := checkout.ExpireReservations(ctx, time.Now())
	if err != nil {
		logger.Error().Err(err).Int("released", released).Msg("❌ [RESERVATION] Expiry run failed")
		return
	}
	if released > 0 {
		logger.Info().Int("released", released).Msg("⏰ [RESERVATION] Expired reservations released")
	}
}
