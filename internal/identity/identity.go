// Package identity is the thin client for the OIDC/Keycloak user
// directory: display-name lookups and the group memberships the chat
// module's group scope keys on. The directory itself is an external
// collaborator; only this interface appears in the signaling core.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Profile is the slice of a directory user the signaling core reads.
type Profile struct {
	Id          types.UserId
	DisplayName string
	Email       string
	AvatarURL   string
	Groups      []types.GroupId
}

// Directory resolves user profiles and group memberships.
type Directory interface {
	Profile(ctx context.Context, id types.UserId) (*Profile, error)
	Groups(ctx context.Context, id types.UserId) ([]types.GroupId, error)
}

// OIDCDirectory queries the issuer's user-directory endpoint with a
// client-credentials service token.
type OIDCDirectory struct {
	issuer     string
	httpClient *http.Client

	mu    sync.Mutex
	cache map[types.UserId]cachedProfile
}

type cachedProfile struct {
	profile *Profile
	expires time.Time
}

const profileCacheTTL = 5 * time.Minute

// NewOIDC discovers the issuer and configures a client-credentials
// token source for directory queries.
func NewOIDC(ctx context.Context, issuerURL, clientID, clientSecret string) (*OIDCDirectory, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("identity: discover issuer %s: %w", issuerURL, err)
	}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     provider.Endpoint().TokenURL,
	}
	return &OIDCDirectory{
		issuer:     issuerURL,
		httpClient: cc.Client(ctx),
		cache:      make(map[types.UserId]cachedProfile),
	}, nil
}

type wireProfile struct {
	Sub       string   `json:"sub"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	AvatarURL string   `json:"avatar_url"`
	Groups    []string `json:"groups"`
}

// Profile fetches (and caches) a user's directory record.
func (d *OIDCDirectory) Profile(ctx context.Context, id types.UserId) (*Profile, error) {
	d.mu.Lock()
	if c, ok := d.cache[id]; ok && time.Now().Before(c.expires) {
		d.mu.Unlock()
		return c.profile, nil
	}
	d.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.issuer+"/users/"+string(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch profile %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: fetch profile %s: status %d", id, resp.StatusCode)
	}

	var wire wireProfile
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("identity: decode profile %s: %w", id, err)
	}

	p := &Profile{
		Id:          id,
		DisplayName: wire.Name,
		Email:       wire.Email,
		AvatarURL:   wire.AvatarURL,
	}
	for _, g := range wire.Groups {
		p.Groups = append(p.Groups, types.GroupId(g))
	}

	d.mu.Lock()
	d.cache[id] = cachedProfile{profile: p, expires: time.Now().Add(profileCacheTTL)}
	d.mu.Unlock()
	return p, nil
}

// Groups returns the user's group memberships.
func (d *OIDCDirectory) Groups(ctx context.Context, id types.UserId) ([]types.GroupId, error) {
	p, err := d.Profile(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Groups, nil
}

// Static is an in-memory Directory for tests and single-instance
// development deployments without a Keycloak.
type Static struct {
	Profiles map[types.UserId]*Profile
}

func (s *Static) Profile(ctx context.Context, id types.UserId) (*Profile, error) {
	if p, ok := s.Profiles[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("identity: unknown user %s", id)
}

func (s *Static) Groups(ctx context.Context, id types.UserId) ([]types.GroupId, error) {
	if p, ok := s.Profiles[id]; ok {
		return p.Groups, nil
	}
	return nil, nil
}
