package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockRedditServer creates a test server that mocks the Reddit OAuth and
// comment listing endpoints.
type MockRedditServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	hits     map[string]int
	subtrees map[string][]map[string]interface{}
}

// NewMockRedditServer creates a new mock Reddit API server
func NewMockRedditServer(t *testing.T) *MockRedditServer {
	t.Helper()
	m := &MockRedditServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
		subtrees: make(map[string][]map[string]interface{}),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Hits reports how many requests were made to path.
func (m *MockRedditServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// TokenURL is the mocked client-credentials endpoint.
func (m *MockRedditServer) TokenURL() string { return m.URL + "/api/v1/access_token" }

// MockOAuthTokenResponse answers the token endpoint. Requests whose basic auth
// does not match clientID/secret get 401.
func (m *MockRedditServer) MockOAuthTokenResponse(clientID, secret, accessToken string, expiresIn int) {
	m.Handlers["/api/v1/access_token"] = func(w http.ResponseWriter, r *http.Request) {
		id, sec, ok := r.BasicAuth()
		if !ok || id != clientID || sec != secret {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message": "Unauthorized", "error": 401}`)) //nolint:errcheck // test mock response
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
			"scope":        "*",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockThread serves /comments/<id> with the given top-level comment things.
// Requests carrying ?comment=<parent> are answered from MockSubtree.
func (m *MockRedditServer) MockThread(id string, comments ...map[string]interface{}) {
	m.Handlers["/comments/"+id] = func(w http.ResponseWriter, r *http.Request) {
		children := comments
		if parent := r.URL.Query().Get("comment"); parent != "" {
			m.mu.Lock()
			children = m.subtrees[parent]
			m.mu.Unlock()
		}
		post := Listing(map[string]interface{}{
			"kind": "t3",
			"data": map[string]interface{}{"id": id, "name": "t3_" + id, "title": "thread " + id},
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]interface{}{post, Listing(children...)}) //nolint:errcheck // test mock response
	}
}

// MockSubtree registers the comments returned for a "continue this thread"
// request rooted at parent (a comment id without the t1_ prefix).
func (m *MockRedditServer) MockSubtree(parent string, comments ...map[string]interface{}) {
	m.mu.Lock()
	m.subtrees[parent] = comments
	m.mu.Unlock()
}

// MockMoreChildren answers /api/morechildren with the things whose id is
// listed in the request's children parameter.
func (m *MockRedditServer) MockMoreChildren(things ...map[string]interface{}) {
	m.Handlers["/api/morechildren"] = func(w http.ResponseWriter, r *http.Request) {
		want := map[string]bool{}
		for _, id := range strings.Split(r.URL.Query().Get("children"), ",") {
			want[id] = true
		}
		out := []map[string]interface{}{}
		for _, t := range things {
			data, _ := t["data"].(map[string]interface{})
			if id, _ := data["id"].(string); want[id] {
				out = append(out, t)
			}
		}
		response := map[string]interface{}{
			"json": map[string]interface{}{
				"errors": []interface{}{},
				"data":   map[string]interface{}{"things": out},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// Listing wraps things in a Reddit listing envelope.
func Listing(things ...map[string]interface{}) map[string]interface{} {
	if things == nil {
		things = []map[string]interface{}{}
	}
	return map[string]interface{}{
		"kind": "Listing",
		"data": map[string]interface{}{"children": things},
	}
}

// Comment builds a t1 thing. Nested replies become a listing; without them
// the replies field is the empty string like the real API sends.
func Comment(id string, createdUTC int64, body string, replies ...map[string]interface{}) map[string]interface{} {
	var r interface{} = ""
	if len(replies) > 0 {
		r = Listing(replies...)
	}
	return map[string]interface{}{
		"kind": "t1",
		"data": map[string]interface{}{
			"id":          id,
			"name":        "t1_" + id,
			"author":      "user_" + id,
			"body":        body,
			"permalink":   "/r/test/comments/abc/thread/" + id + "/",
			"created_utc": float64(createdUTC),
			"replies":     r,
		},
	}
}

// More builds a "load more comments" stub. With no children it is a
// "continue this thread" stub for parent.
func More(parent string, children ...string) map[string]interface{} {
	if children == nil {
		children = []string{}
	}
	return map[string]interface{}{
		"kind": "more",
		"data": map[string]interface{}{
			"id":        "_",
			"parent_id": "t1_" + parent,
			"count":     len(children),
			"children":  children,
		},
	}
}
