// Package auth validates the signed ticket every WebSocket upgrade
// carries in its subprotocol header. A ticket is minted by the external
// REST/event-management surface (out of scope here) and is opaque
// beyond the claims this package understands.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"k8s.io/utils/ptr"

	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// TicketClaims is the payload of a signaling ticket: enough to bootstrap
// a Join without the runner ever touching the REST domain model.
type TicketClaims struct {
	RoomID         string `json:"room_id"`
	BreakoutRoomID string `json:"breakout_room_id,omitempty"`
	Kind           string `json:"kind"`
	UserID         string `json:"user_id,omitempty"`
	Role           string `json:"role"`
	Tariff         string `json:"tariff,omitempty"`
	// RoomOwner is the user id of the room's creator, resolved from the
	// relational room record by the ticket-minting surface. Every ticket
	// for the same room carries the same value.
	RoomOwner       string `json:"room_owner,omitempty"`
	ResumptionToken string `json:"resumption_token,omitempty"`
	jwt.RegisteredClaims
}

// Redeemed is the decoded, validated result of a ticket.
type Redeemed struct {
	RoomID          types.SignalingRoomId
	Kind            types.ParticipationKind
	UserID          *types.UserId
	Role            types.Role
	Tariff          string
	RoomOwner       types.UserId // creator of the room; empty when the ticket carries none
	ResumptionToken string
	TicketID        string // jti, used by the gateway to redeem once against the store
}

// ErrInvalidTicket is returned for any ticket that fails signature,
// issuer, audience, or claim-shape validation.
var ErrInvalidTicket = errors.New("auth: invalid ticket")

// Validator validates signed tickets against a JWKS endpoint.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator builds a Validator backed by the JWKS at
// https://domain/.well-known/jwks.json, refreshed hourly.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &Validator{keyFunc: keyFunc, issuer: issuerURL.String(), audience: []string{audience}}, nil
}

// ValidateTicket parses and validates a ticket string, returning its
// decoded claims.
func (v *Validator) ValidateTicket(ticket string) (*Redeemed, error) {
	token, err := jwt.ParseWithClaims(ticket, &TicketClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if !token.Valid {
		return nil, ErrInvalidTicket
	}
	claims, ok := token.Claims.(*TicketClaims)
	if !ok {
		return nil, ErrInvalidTicket
	}
	return decodeClaims(claims)
}

func decodeClaims(claims *TicketClaims) (*Redeemed, error) {
	if claims.RoomID == "" {
		return nil, fmt.Errorf("%w: missing room_id", ErrInvalidTicket)
	}
	kind := types.ParticipationKind(claims.Kind)
	switch kind {
	case types.KindUser, types.KindGuest, types.KindSip, types.KindRecorder:
	default:
		return nil, fmt.Errorf("%w: unknown participation kind %q", ErrInvalidTicket, claims.Kind)
	}
	role := types.Role(claims.Role)
	switch role {
	case types.RoleModerator, types.RoleUser, types.RoleGuest:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidTicket, claims.Role)
	}

	var userID *types.UserId
	if claims.UserID != "" {
		userID = ptr.To(types.UserId(claims.UserID))
	}

	return &Redeemed{
		RoomID: types.SignalingRoomId{
			Room:     types.RoomId(claims.RoomID),
			Breakout: types.BreakoutRoomId(claims.BreakoutRoomID),
		},
		Kind:            kind,
		UserID:          userID,
		Role:            role,
		Tariff:          claims.Tariff,
		RoomOwner:       types.UserId(claims.RoomOwner),
		ResumptionToken: claims.ResumptionToken,
		TicketID:        claims.ID,
	}, nil
}

// MockValidator accepts any well-formed-enough ticket without signature
// verification, for local development and tests.
type MockValidator struct{}

func (m *MockValidator) ValidateTicket(ticket string) (*Redeemed, error) {
	var claims TicketClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(ticket, &claims); err != nil {
		logging.Warn(context.Background(), "mock validator could not parse ticket, using defaults")
		return &Redeemed{
			RoomID: types.SignalingRoomId{Room: "dev-room"},
			Kind:   types.KindGuest,
			Role:   types.RoleUser,
		}, nil
	}
	return decodeClaims(&claims)
}
