// Package push implements the Push Dispatcher described in spec
// sections 2.12 and 4.9: content-free wake-up notifications sent to
// APNs (general alerts and VoIP pushes) with an Expo-style fallback for
// platforms that do not speak APNs.
package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// tokenTTL is how long a minted APNs provider token is reused before a
// fresh one is signed. Apple allows up to an hour; refreshing a little
// early avoids rejecting a request on a token that expires mid-flight.
const tokenTTL = 50 * time.Minute

// PushType distinguishes the two APNs notification shapes the dispatcher
// sends; each maps to a distinct apns-push-type header, and voip pushes
// use the bundle ID with a ".voip" topic suffix.
type PushType string

const (
	PushTypeAlert PushType = "alert"
	PushTypeVoIP  PushType = "voip"
)

// APNSConfig carries everything needed to authenticate to APNs with a
// provider (token-based) authentication key.
type APNSConfig struct {
	KeyID      string
	TeamID     string
	BundleID   string
	PrivateKey *ecdsa.PrivateKey
	Production bool
}

// ParseAPNSKey decodes a PEM-encoded PKCS8 EC private key as downloaded
// from the Apple developer portal.
func ParseAPNSKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("push: no PEM block found in APNs key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("push: parse APNs key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("push: APNs key is not an EC private key")
	}
	return ecKey, nil
}

// APNSClient sends push notifications to Apple's HTTP/2 push gateway,
// caching its signed provider JWT between sends.
type APNSClient struct {
	cfg    APNSConfig
	client *http.Client

	mu        sync.Mutex
	token     string
	tokenExp  time.Time
}

// NewAPNSClient creates a client for cfg using httpClient (which must be
// configured for HTTP/2, as the standard library's *http.Client is when
// TLS is in play).
func NewAPNSClient(cfg APNSConfig, httpClient *http.Client) *APNSClient {
	return &APNSClient{cfg: cfg, client: httpClient}
}

func (c *APNSClient) endpoint() string {
	if c.cfg.Production {
		return "https://api.push.apple.com"
	}
	return "https://api.sandbox.push.apple.com"
}

func (c *APNSClient) providerToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.cfg.TeamID,
		"iat": now.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = c.cfg.KeyID

	signed, err := tok.SignedString(c.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("push: sign APNs provider token: %w", err)
	}

	c.token = signed
	c.tokenExp = now.Add(tokenTTL)
	return signed, nil
}

// Send delivers a content-free notification to deviceToken. payload is
// the JSON APNs aps dictionary; callers never include message plaintext
// in it.
func (c *APNSClient) Send(ctx context.Context, deviceToken string, pushType PushType, payload map[string]interface{}) error {
	token, err := c.providerToken()
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push: encode payload: %w", err)
	}

	url := fmt.Sprintf("%s/3/device/%s", c.endpoint(), deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("authorization", "bearer "+token)
	req.Header.Set("apns-topic", c.topicFor(pushType))
	req.Header.Set("apns-push-type", string(pushType))
	req.Header.Set("apns-priority", "10")
	req.Header.Set("content-type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: apns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logrus.WithFields(logrus.Fields{
			"function": "APNSClient.Send",
			"status":   resp.StatusCode,
		}).Warn("push: apns rejected notification")
		return fmt.Errorf("push: apns returned status %d", resp.StatusCode)
	}

	return nil
}

func (c *APNSClient) topicFor(pushType PushType) string {
	if pushType == PushTypeVoIP {
		return c.cfg.BundleID + ".voip"
	}
	return c.cfg.BundleID
}
