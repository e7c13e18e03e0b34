// SPDX-License-Identifier: MIT

// Package token issues media-room access credentials. The SFU that consumes
// them is an external collaborator; only the issuance boundary lives here.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Credentials grant a viewer access to one media room.
type Credentials struct {
	Room       string `json:"room"`
	Token      string `json:"token"`
	LivekitURL string `json:"livekitUrl"`
}

// Issuer mints credentials for a resolved active room.
type Issuer interface {
	Issue(ctx context.Context, room, identity string) (*Credentials, error)
}

// HMACIssuer signs compact room grants with a shared secret.
type HMACIssuer struct {
	secret []byte
	url    string
	ttl    time.Duration
}

// NewHMACIssuer creates an issuer for the given media server URL.
func NewHMACIssuer(secret, url string, ttl time.Duration) *HMACIssuer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &HMACIssuer{secret: []byte(secret), url: url, ttl: ttl}
}

type grant struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Exp      int64  `json:"exp"`
}

// Issue signs a grant for identity to join room.
func (i *HMACIssuer) Issue(_ context.Context, room, identity string) (*Credentials, error) {
	if room == "" {
		return nil, fmt.Errorf("token: empty room")
	}

	payload, err := json.Marshal(grant{
		Room:     room,
		Identity: identity,
		Exp:      time.Now().Add(i.ttl).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("token: marshal grant: %w", err)
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)

	tok := base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return &Credentials{
		Room:       room,
		Token:      tok,
		LivekitURL: i.url,
	}, nil
}
