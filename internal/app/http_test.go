package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"maltlog/api/internal/account"
	"maltlog/api/internal/session"
	"maltlog/api/internal/store"
)

// newMemStore returns a fakeStore backed by in-memory maps so HTTP tests can
// exercise a full create/update/delete round trip.
func newMemStore() (*fakeStore, map[string]store.Post) {
	posts := map[string]store.Post{}
	hashes := map[string]string{}
	fs := &fakeStore{}
	fs.insertPostFn = func(_ context.Context, post store.Post, editHash *string) error {
		posts[post.ID] = post
		if editHash != nil {
			hashes[post.ID] = *editHash
		}
		return nil
	}
	fs.getPostFn = func(_ context.Context, postID string) (store.Post, error) {
		post, ok := posts[postID]
		if !ok {
			return store.Post{}, sql.ErrNoRows
		}
		return post, nil
	}
	fs.readEditHashFn = func(_ context.Context, postID, _ string) (string, error) {
		hash, ok := hashes[postID]
		if !ok {
			return "", sql.ErrNoRows
		}
		return hash, nil
	}
	fs.updateMemberPostFn = func(_ context.Context, post store.Post) error {
		posts[post.ID] = post
		return nil
	}
	fs.anonUpdatePostFn = func(_ context.Context, post store.Post, _ string) error {
		posts[post.ID] = post
		return nil
	}
	fs.deleteMemberPostFn = func(_ context.Context, postID string) error {
		delete(posts, postID)
		return nil
	}
	fs.anonDeletePostFn = func(_ context.Context, postID, _ string) error {
		delete(posts, postID)
		delete(hashes, postID)
		return nil
	}
	return fs, posts
}

func doJSON(t *testing.T, server *HTTPServer, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var parsed map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("parse response body %q: %v", rr.Body.String(), err)
		}
	}
	return rr, parsed
}

func TestHealthEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeStore{})
	server := NewHTTPServer(svc, "*")

	rr, resp := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := resp["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	fs := &fakeStore{
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}
	svc, _, _ := newTestService(t, fs)
	server := NewHTTPServer(svc, "*")

	rr, resp := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	if status, exists := resp["status"]; !exists || status != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", status)
	}
}

func TestOptionsRequest(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeStore{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodOptions, "/api/posts", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
}

func TestAnonymousPostLifecycleOverHTTP(t *testing.T) {
	fs, posts := newMemStore()
	svc, _, _ := newTestService(t, fs)
	server := NewHTTPServer(svc, "*")

	rr, resp := doJSON(t, server, http.MethodPost, "/api/posts", "", map[string]any{
		"title":    "Nightcap notes",
		"content":  "<p>Orchard fruit and smoke.</p>",
		"password": "dram",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	postID, _ := resp["id"].(string)
	if postID == "" {
		t.Fatalf("expected post id in response, got %v", resp)
	}
	if resp["authorName"] != defaultAnonymousAuthor {
		t.Errorf("expected default author, got %v", resp["authorName"])
	}

	// Wrong password
	rr, resp = doJSON(t, server, http.MethodPut, "/api/posts/"+postID, "", map[string]any{
		"title":    "Hijacked",
		"content":  "<p>nope</p>",
		"password": "wrong",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if resp["code"] != "PASSWORD_MISMATCH" {
		t.Errorf("expected PASSWORD_MISMATCH, got %v", resp["code"])
	}
	if posts[postID].Title != "Nightcap notes" {
		t.Errorf("post mutated despite password mismatch: %q", posts[postID].Title)
	}

	// No password
	rr, resp = doJSON(t, server, http.MethodPut, "/api/posts/"+postID, "", map[string]any{
		"title":   "Hijacked",
		"content": "<p>nope</p>",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if resp["code"] != "PASSWORD_REQUIRED" {
		t.Errorf("expected PASSWORD_REQUIRED, got %v", resp["code"])
	}

	// Correct password
	rr, resp = doJSON(t, server, http.MethodPut, "/api/posts/"+postID, "", map[string]any{
		"title":    "Nightcap notes, revisited",
		"content":  "<p>More smoke than fruit.</p>",
		"password": "dram",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if resp["title"] != "Nightcap notes, revisited" {
		t.Errorf("expected updated title, got %v", resp["title"])
	}

	// Delete, then the post is gone
	rr, _ = doJSON(t, server, http.MethodDelete, "/api/posts/"+postID, "", map[string]any{
		"password": "dram",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr, resp = doJSON(t, server, http.MethodGet, "/api/posts/"+postID, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
	if resp["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", resp["code"])
	}
}

func TestMemberPostOwnershipOverHTTP(t *testing.T) {
	fs, posts := newMemStore()
	svc, sessions, _ := newTestService(t, fs)
	server := NewHTTPServer(svc, "*")

	sessions.identities["a-tok"] = session.Identity{ID: "u_a", Nickname: "alpha"}
	sessions.identities["b-tok"] = session.Identity{ID: "u_b", Nickname: "beta"}

	rr, resp := doJSON(t, server, http.MethodPost, "/api/posts", "a-tok", map[string]any{
		"title":   "Distillery visit",
		"content": "<p>Worth the drive.</p>",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	postID, _ := resp["id"].(string)

	// Another member cannot touch it, password or not
	rr, resp = doJSON(t, server, http.MethodPut, "/api/posts/"+postID, "b-tok", map[string]any{
		"title":    "Mine now",
		"content":  "<p>x</p>",
		"password": "dram",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if resp["code"] != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %v", resp["code"])
	}

	// Logged-out callers get asked to sign in
	rr, resp = doJSON(t, server, http.MethodPut, "/api/posts/"+postID, "", map[string]any{
		"title":   "Mine now",
		"content": "<p>x</p>",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if resp["code"] != "AUTHENTICATION_REQUIRED" {
		t.Errorf("expected AUTHENTICATION_REQUIRED, got %v", resp["code"])
	}

	// The owner can
	rr, _ = doJSON(t, server, http.MethodPut, "/api/posts/"+postID, "a-tok", map[string]any{
		"title":   "Distillery visit, day two",
		"content": "<p>Still worth it.</p>",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if posts[postID].Title != "Distillery visit, day two" {
		t.Errorf("expected stored title update, got %q", posts[postID].Title)
	}
}

func TestSessionEndpoints(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeStore{})
	server := NewHTTPServer(svc, "*")

	rr, resp := doJSON(t, server, http.MethodPost, "/api/session/anonymous", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatalf("expected session token, got %v", resp)
	}

	rr, resp = doJSON(t, server, http.MethodGet, "/api/session", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if resp["authenticated"] != false || resp["anonymous"] != true {
		t.Errorf("expected anonymous session payload, got %v", resp)
	}

	rr, resp = doJSON(t, server, http.MethodGet, "/api/session", "stale-token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if resp["authenticated"] != false {
		t.Errorf("expected unauthenticated payload, got %v", resp)
	}
}

type httpUserStore struct {
	byEmail map[string]store.User
	byToken map[string]string
	seq     int
}

func (s *httpUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := s.byEmail[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *httpUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	for _, user := range s.byEmail {
		if user.ID == id {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (s *httpUserStore) CreateUser(_ context.Context, user store.User) error {
	s.seq++
	s.byEmail[user.Email] = user
	if user.VerificationToken != "" {
		s.byToken[user.VerificationToken] = user.ID
	}
	return nil
}

func (s *httpUserStore) VerifyUserEmail(_ context.Context, token string) error {
	if _, ok := s.byToken[token]; !ok {
		return sql.ErrNoRows
	}
	return nil
}

type silentMailer struct{}

func (silentMailer) IsConfigured() bool                         { return false }
func (silentMailer) SendVerificationEmail(_, _, _ string) error { return fmt.Errorf("not configured") }

func TestSignUpAdoptsAnonymousPostsOverHTTP(t *testing.T) {
	remaining := int64(2)
	fs := &fakeStore{
		countAnonymousPostsFn: func(_ context.Context, owner string) (int64, error) {
			return remaining, nil
		},
		convertAnonymousPostsFn: func(_ context.Context, src, dst, _ string) (int64, error) {
			n := remaining
			remaining = 0
			return n, nil
		},
	}
	svc, sessions, _ := newTestService(t, fs)
	users := &httpUserStore{byEmail: map[string]store.User{}, byToken: map[string]string{}}
	accounts := account.NewService(users, sessions, svc, silentMailer{}, "http://localhost:8790", time.Hour)
	svc.SetAccountService(accounts)
	server := NewHTTPServer(svc, "*")

	// Anonymous browsing session that owns the posts being adopted
	rr, resp := doJSON(t, server, http.MethodPost, "/api/session/anonymous", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	anonToken, _ := resp["token"].(string)

	rr, resp = doJSON(t, server, http.MethodPost, "/api/auth/signup", anonToken, map[string]any{
		"email":           "peat@example.com",
		"nickname":        "peatfreak",
		"password":        "longenough",
		"confirmPassword": "longenough",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if converted, _ := resp["convertedPosts"].(float64); converted != 2 {
		t.Errorf("expected 2 converted posts, got %v", resp["convertedPosts"])
	}
	if incomplete, _ := resp["conversionIncomplete"].(bool); incomplete {
		t.Errorf("expected a complete conversion, got %v", resp)
	}
	if token, _ := resp["token"].(string); token == "" {
		t.Errorf("expected a member session token, got %v", resp)
	}
}

func TestSignUpReportsIncompleteConversionOverHTTP(t *testing.T) {
	fs := &fakeStore{
		countAnonymousPostsFn: func(_ context.Context, _ string) (int64, error) {
			return 0, fmt.Errorf("backing store unavailable")
		},
	}
	svc, sessions, _ := newTestService(t, fs)
	users := &httpUserStore{byEmail: map[string]store.User{}, byToken: map[string]string{}}
	accounts := account.NewService(users, sessions, svc, silentMailer{}, "http://localhost:8790", time.Hour)
	svc.SetAccountService(accounts)
	server := NewHTTPServer(svc, "*")

	rr, resp := doJSON(t, server, http.MethodPost, "/api/session/anonymous", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	anonToken, _ := resp["token"].(string)

	rr, resp = doJSON(t, server, http.MethodPost, "/api/auth/signup", anonToken, map[string]any{
		"email":           "peat@example.com",
		"nickname":        "peatfreak",
		"password":        "longenough",
		"confirmPassword": "longenough",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("registration must survive a conversion failure, got %d: %s", rr.Code, rr.Body.String())
	}
	if incomplete, _ := resp["conversionIncomplete"].(bool); !incomplete {
		t.Errorf("expected the adoption to be reported incomplete, got %v", resp)
	}
	if converted, _ := resp["convertedPosts"].(float64); converted != 0 {
		t.Errorf("expected 0 converted posts, got %v", resp["convertedPosts"])
	}
}
