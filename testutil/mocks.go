package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockRelayServer mocks the processing backend's upload and vector-query
// endpoints. Received upload payloads are kept for assertions.
type MockRelayServer struct {
	*httptest.Server

	mu       sync.Mutex
	uploads  []UploadPayload
	failNext int
	result   string
}

// UploadPayload is the decoded body of one /upload request.
type UploadPayload struct {
	AudioData string `json:"audioData"`
	MimeType  string `json:"mimeType"`
	Size      int    `json:"size"`
}

// NewMockRelayServer creates a new mock backend server.
func NewMockRelayServer(t *testing.T) *MockRelayServer {
	t.Helper()
	m := &MockRelayServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			m.mu.Lock()
			fail := m.failNext > 0
			if fail {
				m.failNext--
			}
			m.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			var p UploadPayload
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			m.mu.Lock()
			m.uploads = append(m.uploads, p)
			m.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck // test mock response
		case "/query_vectors":
			m.mu.Lock()
			result := m.result
			m.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"result": result}) //nolint:errcheck // test mock response
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(m.Close)
	return m
}

// Uploads returns a copy of the upload payloads received so far.
func (m *MockRelayServer) Uploads() []UploadPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UploadPayload, len(m.uploads))
	copy(out, m.uploads)
	return out
}

// FailNextUploads makes the next n upload requests return HTTP 500.
func (m *MockRelayServer) FailNextUploads(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// SetVectorResult sets the string returned by /query_vectors.
func (m *MockRelayServer) SetVectorResult(result string) {
	m.mu.Lock()
	m.result = result
	m.mu.Unlock()
}

// MockAIServer mocks the AI provider's chat-completion and image-generation
// endpoints. Chat requests are decoded and kept for assertions.
type MockAIServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu           sync.Mutex
	chatRequests []ChatRequest
}

// ChatRequest is the decoded body of one chat completion request.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// ChatMessage is one conversation entry of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewMockAIServer creates a new mock AI provider server.
func NewMockAIServer(t *testing.T) *MockAIServer {
	t.Helper()
	m := &MockAIServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockChatResponse adds a handler answering every chat completion with the
// given assistant content. Each request body is recorded for ChatRequests.
func (m *MockAIServer) MockChatResponse(content string) {
	m.Handlers["/chat/completions"] = func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			m.mu.Lock()
			m.chatRequests = append(m.chatRequests, req)
			m.mu.Unlock()
		}
		response := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// ChatRequests returns a copy of the chat completion requests received so far.
func (m *MockAIServer) ChatRequests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.chatRequests))
	copy(out, m.chatRequests)
	return out
}

// MockImageResponse adds a handler answering every image generation with the
// given URL.
func (m *MockAIServer) MockImageResponse(url string) {
	m.Handlers["/images/generations"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{{"url": url}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockUnauthorized makes both AI endpoints reject with HTTP 401.
func (m *MockAIServer) MockUnauthorized() {
	reject := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	m.Handlers["/chat/completions"] = reject
	m.Handlers["/images/generations"] = reject
}
