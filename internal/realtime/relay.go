package realtime

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callgrid-backend/pkg/constants"
	"callgrid-backend/pkg/env"
	"callgrid-backend/pkg/logger"
	"callgrid-backend/pkg/metrics"
)

// relayDescriptor is the cached connection descriptor for the managed relay:
// the endpoint and signing key fetched from the secret store on first use.
type relayDescriptor struct {
	Endpoint  string // e.g. https://relay.example.net
	Hub       string
	AccessKey string
	KeyName   string // optional, embedded as skn when present
}

// NegotiateResponse is handed to client SDKs so they can open their realtime
// transport session directly with the managed relay.
type NegotiateResponse struct {
	URL         string    `json:"url"`
	AccessToken string    `json:"accessToken"`
	ExpiresOn   time.Time `json:"expiresOn"`
}

// RelayClient delivers events through the externally hosted realtime relay.
// It is the cross-instance path: the local registry only reaches sockets held
// by this process. All send failures are logged and swallowed; signaling is
// fire-and-forget and clients re-negotiate on missing signals.
type RelayClient struct {
	httpClient *http.Client

	loadOnce sync.Once
	desc     *relayDescriptor
	loadErr  error
	loader   func() (*relayDescriptor, error)

	now func() time.Time
}

// NewRelayClient creates a relay client that lazily loads its descriptor from
// the environment/secret store.
func NewRelayClient() *RelayClient {
	return &RelayClient{
		httpClient: &http.Client{Timeout: constants.RelaySendTimeout},
		loader:     loadDescriptorFromEnv,
		now:        time.Now,
	}
}

func loadDescriptorFromEnv() (*relayDescriptor, error) {
	endpoint := strings.TrimSuffix(env.GetString("RELAY_ENDPOINT", ""), "/")
	accessKey := env.GetStringFromFile("RELAY_ACCESS_KEY", "")
	if endpoint == "" || accessKey == "" {
		return nil, fmt.Errorf("relay endpoint/access key not configured")
	}
	return &relayDescriptor{
		Endpoint:  endpoint,
		Hub:       env.GetString("RELAY_HUB", "signaling"),
		AccessKey: accessKey,
		KeyName:   env.GetString("RELAY_KEY_NAME", ""),
	}, nil
}

func (c *RelayClient) descriptor() (*relayDescriptor, error) {
	c.loadOnce.Do(func() {
		c.desc, c.loadErr = c.loader()
	})
	return c.desc, c.loadErr
}

// signToken produces the shared-access credential for a resource URI:
// base64(HMAC-SHA256("{resourceUri}\n{expiryEpochSeconds}", key)) packed into
// a token string with the expiry and optional key-name embedded.
func signToken(desc *relayDescriptor, resourceURI string, expiry time.Time) string {
	encodedURI := url.QueryEscape(resourceURI)
	expiryStr := fmt.Sprintf("%d", expiry.Unix())

	mac := hmac.New(sha256.New, []byte(desc.AccessKey))
	mac.Write([]byte(resourceURI + "\n" + expiryStr))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s",
		encodedURI, url.QueryEscape(signature), expiryStr)
	if desc.KeyName != "" {
		token += "&skn=" + url.QueryEscape(desc.KeyName)
	}
	return token
}

// Negotiate issues a short-lived client access credential scoped to the hub's
// client resource URI. Clients use it to establish their relay transport
// session directly, bypassing this server for the actual socket.
func (c *RelayClient) Negotiate(userID uuid.UUID) (*NegotiateResponse, error) {
	desc, err := c.descriptor()
	if err != nil {
		return nil, fmt.Errorf("relay not configured: %w", err)
	}

	clientURL := fmt.Sprintf("%s/client/hubs/%s", desc.Endpoint, desc.Hub)
	resourceURI := fmt.Sprintf("%s?user=%s", clientURL, userID)
	expiry := c.now().Add(constants.RelayClientTokenTTL)

	return &NegotiateResponse{
		URL:         clientURL,
		AccessToken: signToken(desc, resourceURI, expiry),
		ExpiresOn:   expiry,
	}, nil
}

// relayMessage is the wire body of a relay send: invoke `target` on the
// recipient with the payload as sole argument.
type relayMessage struct {
	Target    string        `json:"target"`
	Arguments []interface{} `json:"arguments"`
}

// SendToUser delivers an event to all of a user's relay connections,
// whichever instance (or none) holds their socket locally.
func (c *RelayClient) SendToUser(ctx context.Context, userID uuid.UUID, event string, payload interface{}) error {
	return c.send(ctx, fmt.Sprintf("users/%s", userID), event, payload)
}

// SendToGroup delivers an event to every member of a relay group.
func (c *RelayClient) SendToGroup(ctx context.Context, group string, event string, payload interface{}) error {
	return c.send(ctx, fmt.Sprintf("groups/%s", url.PathEscape(group)), event, payload)
}

// send performs one signed management call against the relay's send endpoint.
// The management credential is scoped to the send resource URI, distinct from
// the client access scope used by Negotiate.
func (c *RelayClient) send(ctx context.Context, target, event string, payload interface{}) error {
	desc, err := c.descriptor()
	if err != nil {
		logger.Warn("relay send skipped: not configured", zap.Error(err))
		metrics.RelaySendFailuresTotal.Inc()
		return err
	}

	sendURL := fmt.Sprintf("%s/api/hubs/%s/%s", desc.Endpoint, desc.Hub, target)

	body, err := json.Marshal(relayMessage{Target: event, Arguments: []interface{}{payload}})
	if err != nil {
		logger.Error("relay send failed: encode payload",
			zap.String("event", event), zap.Error(err))
		metrics.RelaySendFailuresTotal.Inc()
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(body))
	if err != nil {
		metrics.RelaySendFailuresTotal.Inc()
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", signToken(desc, sendURL, c.now().Add(constants.RelayManagementTokenTTL)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("relay send failed",
			zap.String("event", event),
			zap.String("target", target),
			zap.Error(err))
		metrics.RelaySendFailuresTotal.Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("relay send rejected: %s", resp.Status)
		logger.Warn("relay send failed",
			zap.String("event", event),
			zap.String("target", target),
			zap.Int("status", resp.StatusCode))
		metrics.RelaySendFailuresTotal.Inc()
		return err
	}

	return nil
}
