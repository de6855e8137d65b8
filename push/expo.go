package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// expoPushURL is Expo's general-purpose push gateway, used as a
// fallback for Android and any client whose token is not an APNs
// device token.
const expoPushURL = "https://exp.host/--/api/v2/push/send"

// ExpoClient sends content-free push notifications through Expo's
// push gateway.
type ExpoClient struct {
	client *http.Client
}

// NewExpoClient creates an ExpoClient using httpClient.
func NewExpoClient(httpClient *http.Client) *ExpoClient {
	return &ExpoClient{client: httpClient}
}

type expoMessage struct {
	To       string                 `json:"to"`
	Sound    string                 `json:"sound,omitempty"`
	Title    string                 `json:"title,omitempty"`
	Body     string                 `json:"body,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Priority string                 `json:"priority,omitempty"`
}

// Send delivers a content-free notification to an Expo push token.
func (c *ExpoClient) Send(ctx context.Context, expoToken, title, body string, data map[string]interface{}) error {
	msg := expoMessage{
		To:       expoToken,
		Title:    title,
		Body:     body,
		Data:     data,
		Priority: "high",
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("push: encode expo message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, expoPushURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("push: build expo request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: expo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push: expo returned status %d", resp.StatusCode)
	}
	return nil
}
