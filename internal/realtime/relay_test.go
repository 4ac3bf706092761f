package realtime

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"callgrid-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

func testRelayClient(endpoint string) *RelayClient {
	c := NewRelayClient()
	c.loader = func() (*relayDescriptor, error) {
		return &relayDescriptor{
			Endpoint:  strings.TrimSuffix(endpoint, "/"),
			Hub:       "signaling",
			AccessKey: "test-access-key",
			KeyName:   "primary",
		}, nil
	}
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestSignToken(t *testing.T) {
	desc := &relayDescriptor{AccessKey: "secret", KeyName: "primary"}
	resourceURI := "https://relay.example.net/api/hubs/signaling/users/u1"
	expiry := time.Unix(1700003600, 0)

	token := signToken(desc, resourceURI, expiry)

	// signature is HMAC-SHA256 over "{resourceUri}\n{expiryEpochSeconds}"
	mac := hmac.New(sha256.New, []byte("secret"))
	fmt.Fprintf(mac, "%s\n%d", resourceURI, expiry.Unix())
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.True(t, strings.HasPrefix(token, "SharedAccessSignature "))
	assert.Contains(t, token, "sr="+url.QueryEscape(resourceURI))
	assert.Contains(t, token, "sig="+url.QueryEscape(expectedSig))
	assert.Contains(t, token, "se=1700003600")
	assert.Contains(t, token, "skn=primary")
}

func TestSignToken_NoKeyName(t *testing.T) {
	desc := &relayDescriptor{AccessKey: "secret"}
	token := signToken(desc, "https://relay.example.net/client/hubs/signaling", time.Unix(1700000000, 0))
	assert.NotContains(t, token, "skn=")
}

func TestNegotiate(t *testing.T) {
	client := testRelayClient("https://relay.example.net")
	userID := uuid.New()

	resp, err := client.Negotiate(userID)

	assert.NoError(t, err)
	assert.Equal(t, "https://relay.example.net/client/hubs/signaling", resp.URL)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, time.Unix(1700000000, 0).Add(time.Hour), resp.ExpiresOn)
}

func TestNegotiate_NotConfigured(t *testing.T) {
	client := NewRelayClient()
	client.loader = func() (*relayDescriptor, error) {
		return nil, fmt.Errorf("no secret available")
	}

	resp, err := client.Negotiate(uuid.New())
	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestSendToUser(t *testing.T) {
	userID := uuid.New()
	var gotPath, gotAuth string
	var gotBody relayMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := testRelayClient(server.URL)
	err := client.SendToUser(context.Background(), userID, "call:signal", map[string]string{"type": "answer"})

	assert.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("/api/hubs/signaling/users/%s", userID), gotPath)
	assert.True(t, strings.HasPrefix(gotAuth, "SharedAccessSignature "))
	assert.Equal(t, "call:signal", gotBody.Target)
	assert.Len(t, gotBody.Arguments, 1)
}

func TestSendToGroup(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := testRelayClient(server.URL)
	err := client.SendToGroup(context.Background(), "call:1234", "call:ended", nil)

	assert.NoError(t, err)
	assert.Equal(t, "/api/hubs/signaling/groups/call:1234", gotPath)
}

func TestSend_ServerRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := testRelayClient(server.URL)
	err := client.SendToUser(context.Background(), uuid.New(), "call:signal", nil)
	assert.Error(t, err)
}

func TestSend_NetworkFailure(t *testing.T) {
	client := testRelayClient("http://127.0.0.1:1")
	err := client.SendToUser(context.Background(), uuid.New(), "call:signal", nil)
	assert.Error(t, err)
}
