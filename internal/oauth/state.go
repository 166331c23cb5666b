package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthorizationState is the context smuggled through the upstream IdP in the
// state parameter: the requesting client and its original parameters.
type AuthorizationState struct {
	Client StateClient         `json:"client"`
	Params AuthorizationParams `json:"params"`
}

// StateClient is the subset of client metadata carried in state.
type StateClient struct {
	ClientID     string   `json:"client_id"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
}

type stateClaims struct {
	jwt.RegisteredClaims
	State AuthorizationState `json:"state"`
}

// StateCodec encodes authorization state. Without keys the state is plain
// base64 JSON; with keys it is an RS256 JWT that expires after ttl.
type StateCodec struct {
	keys *KeyManager
	ttl  time.Duration
	now  func() time.Time
}

// NewStateCodec creates a codec. keys may be nil.
func NewStateCodec(keys *KeyManager, ttl time.Duration) *StateCodec {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateCodec{keys: keys, ttl: ttl, now: time.Now}
}

// Signed reports whether states carry a signature.
func (c *StateCodec) Signed() bool {
	return c.keys != nil
}

// Encode builds the opaque state value for the upstream redirect.
func (c *StateCodec) Encode(client *Client, params AuthorizationParams) (string, error) {
	state := AuthorizationState{
		Client: StateClient{ClientID: client.ClientID, RedirectURIs: client.RedirectURIs},
		Params: params,
	}

	if c.keys == nil {
		payload, err := json.Marshal(state)
		if err != nil {
			return "", fmt.Errorf("encoding state: %w", err)
		}
		return base64.RawURLEncoding.EncodeToString(payload), nil
	}

	now := c.now()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		State: state,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = c.keys.KID()
	signed, err := token.SignedString(c.keys.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("signing state: %w", err)
	}
	return signed, nil
}

// Decode parses and validates a state value returned by the upstream IdP.
func (c *StateCodec) Decode(raw string) (*AuthorizationState, error) {
	if raw == "" {
		return nil, newError(KindInvalidRequest, "missing state")
	}

	var state AuthorizationState
	if c.keys == nil {
		payload, err := decodeBase64(raw)
		if err != nil {
			return nil, newError(KindInvalidRequest, "state is not valid base64")
		}
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, newError(KindInvalidRequest, "state is not valid JSON")
		}
	} else {
		claims := &stateClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			return c.keys.PublicKey(), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithTimeFunc(c.now), jwt.WithExpirationRequired())
		if err != nil {
			return nil, newError(KindInvalidRequest, "invalid state: %v", err)
		}
		state = claims.State
	}

	if state.Client.ClientID == "" {
		return nil, newError(KindInvalidRequest, "invalid state: missing client id")
	}
	return &state, nil
}

func decodeBase64(raw string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if out, err := enc.DecodeString(raw); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}
