// Package gateway accepts WebSocket upgrades at GET /signaling,
// validates and redeems the ticket carried in the subprotocol header,
// and hands the connection off to a Runner. Origin checking, rate
// limiting, and the ban check all happen here, before any runner
// state exists.
package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/auth"
	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/modules/moderation"
	"github.com/RoseWrightdev/signaling-core/internal/ratelimit"
	"github.com/RoseWrightdev/signaling-core/internal/runner"
	"github.com/RoseWrightdev/signaling-core/internal/store"
)

// Subprotocol entries: the client offers "signaling" plus
// "ticket#<jwt>" and optionally "resumption#<token>"; the gateway
// accepts "signaling".
const (
	subprotocolName  = "signaling"
	ticketPrefix     = "ticket#"
	resumptionPrefix = "resumption#"
)

// TicketValidator validates the signed ticket string.
type TicketValidator interface {
	ValidateTicket(ticket string) (*auth.Redeemed, error)
}

// Gateway wires upgrades to runners.
type Gateway struct {
	store     store.Store
	exchange  *exchange.Exchange
	registry  *module.Registry
	validator TicketValidator
	limiter   *ratelimit.RateLimiter
	upgrader  websocket.Upgrader
}

// New builds a Gateway. allowedOrigins is a comma-separated origin
// allowlist; empty allows only same-host requests.
func New(st store.Store, exch *exchange.Exchange, reg *module.Registry, validator TicketValidator, limiter *ratelimit.RateLimiter, allowedOrigins string) *Gateway {
	origins := map[string]struct{}{}
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = struct{}{}
		}
	}

	g := &Gateway{
		store:     st,
		exchange:  exch,
		registry:  reg,
		validator: validator,
		limiter:   limiter,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{subprotocolName},
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser client
			}
			if len(origins) == 0 {
				return strings.Contains(origin, r.Host)
			}
			_, ok := origins[origin]
			return ok
		},
	}
	return g
}

// Register mounts the signaling endpoint on a gin router.
func (g *Gateway) Register(r gin.IRouter) {
	r.GET("/signaling", g.handleSignaling)
}

func (g *Gateway) handleSignaling(c *gin.Context) {
	ctx := c.Request.Context()

	if g.limiter != nil && !g.limiter.CheckWsConnectIP(ctx, c.ClientIP()) {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	ticketStr, _ := parseSubprotocols(c.GetHeader("Sec-WebSocket-Protocol"))
	if ticketStr == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing ticket"})
		return
	}

	redeemed, err := g.validator.ValidateTicket(ticketStr)
	if err != nil {
		logging.Warn(ctx, "gateway: ticket validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid ticket"})
		return
	}

	if g.limiter != nil && redeemed.UserID != nil &&
		!g.limiter.CheckWsConnectUser(ctx, string(*redeemed.UserID)) {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	if redeemed.UserID != nil {
		banned, err := moderation.IsBanned(ctx, g.store, redeemed.RoomID, *redeemed.UserID)
		if err != nil {
			logging.Error(ctx, "gateway: ban check failed", zap.Error(err))
		}
		if banned {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "banned from room"})
			return
		}
	}

	if ok, err := g.redeemOnce(ctx, redeemed.TicketID); err != nil {
		logging.Error(ctx, "gateway: ticket redemption failed", zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	} else if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "ticket already redeemed"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "gateway: websocket upgrade failed", zap.Error(err))
		return
	}

	r := runner.New(conn, redeemed, runner.Deps{
		Store:    g.store,
		Exchange: g.exchange,
		Registry: g.registry,
	})
	logging.Info(ctx, "gateway: runner started",
		zap.String("participant_id", string(r.Id())),
		zap.String("room_id", string(redeemed.RoomID.Room)))

	// The runner owns the connection from here; Run blocks until the
	// session ends, so it gets its own goroutine with a fresh context
	// detached from the HTTP request.
	go r.Run(context.Background())
}

// redeemOnce atomically marks a ticket id used. A ticket id that is
// already marked fails redemption.
func (g *Gateway) redeemOnce(ctx context.Context, ticketID string) (bool, error) {
	if ticketID == "" {
		return true, nil // unsigned dev tickets carry no jti
	}
	key := "ticket:redeemed:" + ticketID
	res, err := g.store.Eval(ctx, []string{key}, func(tx store.Tx) (any, error) {
		if _, err := tx.Get(key); err == nil {
			return false, nil
		}
		tx.Set(key, "1")
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func parseSubprotocols(header string) (ticket, resumption string) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, ticketPrefix):
			ticket = strings.TrimPrefix(part, ticketPrefix)
		case strings.HasPrefix(part, resumptionPrefix):
			resumption = strings.TrimPrefix(part, resumptionPrefix)
		}
	}
	return ticket, resumption
}
