// Package ratelimit enforces per-concern request limits (ticket
// redemption, WS connect per IP, WS connect per user) using Redis when
// available and falling back to an in-process store otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/RoseWrightdev/signaling-core/internal/config"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"go.uber.org/zap"
)

// RateLimiter holds the per-concern limiter instances.
type RateLimiter struct {
	ticketRedeem  *limiter.Limiter
	wsConnectIP   *limiter.Limiter
	wsConnectUser *limiter.Limiter
}

// NewRateLimiter constructs a RateLimiter. redisClient may be nil, in
// which case an in-process store backs every limiter (single-instance
// mode, matching the volatile store's own fallback).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	ticketRate, err := limiter.NewRateFromFormatted(cfg.RateLimitTicketRedeem)
	if err != nil {
		return nil, fmt.Errorf("invalid ticket redeem rate: %w", err)
	}
	ipRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsConnectIP)
	if err != nil {
		return nil, fmt.Errorf("invalid ws connect IP rate: %w", err)
	}
	userRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsConnectUser)
	if err != nil {
		return nil, fmt.Errorf("invalid ws connect user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "limiter:signaling:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-process store (Redis disabled)")
	}

	return &RateLimiter{
		ticketRedeem:  limiter.New(store, ticketRate),
		wsConnectIP:   limiter.New(store, ipRate),
		wsConnectUser: limiter.New(store, userRate),
	}, nil
}

// CheckTicketRedeem applies the ticket-redemption limit, keyed by IP.
func (rl *RateLimiter) CheckTicketRedeem(c *gin.Context) bool {
	ctx := c.Request.Context()
	lc, err := rl.ticketRedeem.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (ticket redeem)", zap.Error(err))
		return true // fail open
	}
	c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ticket_redeem", "ip").Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many ticket redemption attempts",
			"retry_after": lc.Reset,
		})
		return false
	}
	return true
}

// CheckWsConnectIP applies the WS connect-per-IP limit, ahead of ticket
// validation so an attacker can't probe tickets faster than this budget.
func (rl *RateLimiter) CheckWsConnectIP(ctx context.Context, ip string) bool {
	lc, err := rl.wsConnectIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (ws connect ip)", zap.Error(err))
		return true
	}
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_connect", "ip").Inc()
		return false
	}
	return true
}

// CheckWsConnectUser applies the WS connect-per-user limit, called after
// ticket validation resolves a user id.
func (rl *RateLimiter) CheckWsConnectUser(ctx context.Context, userID string) bool {
	if userID == "" {
		return true
	}
	lc, err := rl.wsConnectUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (ws connect user)", zap.Error(err))
		return true
	}
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_connect", "user").Inc()
		return false
	}
	return true
}
