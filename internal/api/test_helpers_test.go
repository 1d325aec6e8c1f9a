package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/quild-ai/quild/server/internal/auth"
	"github.com/quild-ai/quild/server/internal/chat"
	"github.com/quild-ai/quild/server/internal/config"
	"github.com/quild-ai/quild/server/internal/events"
	"github.com/quild-ai/quild/server/internal/store"
)

const testSecret = "test-secret"

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) CreateConversation(ctx context.Context, conversation store.Conversation) error {
	args := m.Called(ctx, conversation)
	return args.Error(0)
}

func (m *MockStore) GetConversation(ctx context.Context, conversationID string, userID string) (*store.Conversation, error) {
	args := m.Called(ctx, conversationID, userID)
	if value := args.Get(0); value != nil {
		return value.(*store.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	args := m.Called(ctx, userID)
	var result []store.Conversation
	if value := args.Get(0); value != nil {
		result = value.([]store.Conversation)
	}
	return result, args.Error(1)
}

func (m *MockStore) UpdateConversationTitle(ctx context.Context, conversationID string, userID string, title string, updatedAt string) (bool, error) {
	args := m.Called(ctx, conversationID, userID, title, updatedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) DeleteConversation(ctx context.Context, conversationID string, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) AddMessage(ctx context.Context, msg store.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	args := m.Called(ctx, conversationID)
	var result []store.Message
	if value := args.Get(0); value != nil {
		result = value.([]store.Message)
	}
	return result, args.Error(1)
}

func (m *MockStore) ListMessagesPage(ctx context.Context, conversationID string, offset int, limit int) ([]store.Message, int64, error) {
	args := m.Called(ctx, conversationID, offset, limit)
	var result []store.Message
	if value := args.Get(0); value != nil {
		result = value.([]store.Message)
	}
	return result, args.Get(1).(int64), args.Error(2)
}

type MockStreamer struct {
	mock.Mock
}

func (m *MockStreamer) Stream(ctx context.Context, req chat.Request, emitter events.Emitter) error {
	args := m.Called(ctx, req, emitter)
	return args.Error(0)
}

// emitAll returns a mock Run func that sends recorded to the emitter.
func emitAll(recorded ...events.Event) func(mock.Arguments) {
	return func(args mock.Arguments) {
		emitter := args.Get(2).(events.Emitter)
		for _, event := range recorded {
			_ = emitter.Emit(event)
		}
	}
}

func testConfig() config.Config {
	return config.Config{
		ClientOrigin:    "http://localhost:5173",
		JWTAccessSecret: testSecret,
		Store:           config.StoreMemory,
	}
}

func newTestServer(t *testing.T, st store.Store, streamer Streamer, cfg config.Config) *httptest.Server {
	t.Helper()
	return newHTTPTestServer(t, NewServer(st, streamer, auth.NewVerifier(cfg.JWTAccessSecret), cfg, nil, nil))
}

func newHTTPTestServer(t *testing.T, server *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewVerifier(testSecret).Sign(userID, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func doRequest(t *testing.T, method, url, userID, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", bearer(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var value T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&value))
	return value
}

// readSSE parses data frames until the body ends. Comment lines are returned
// verbatim so keep-alives can be asserted.
func readSSE(t *testing.T, body io.Reader) ([]events.Event, []string) {
	t.Helper()
	var recorded []events.Event
	var comments []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			var event events.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
			recorded = append(recorded, event)
		case strings.HasPrefix(line, ":"):
			comments = append(comments, line)
		}
	}
	require.NoError(t, scanner.Err())
	return recorded, comments
}
