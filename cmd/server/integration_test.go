package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AashishAdhikari27/go-chat-app/internal/chat"
	"github.com/AashishAdhikari27/go-chat-app/internal/db"
	"github.com/AashishAdhikari27/go-chat-app/internal/models"
	"github.com/AashishAdhikari27/go-chat-app/internal/token"
)

const testJWTSecret = "integration-test-secret-0123456789abcdef"

type testServer struct {
	*httptest.Server
	DB     *db.Database
	Tokens *token.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	tokens := token.NewManager(testJWTSecret, time.Minute)
	mux := newMux(database, tokens, nil, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, DB: database, Tokens: tokens}
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (ts *testServer) getAuthed(t *testing.T, path, accessToken string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (ts *testServer) signup(t *testing.T, username, password string) string {
	t.Helper()
	resp := ts.postJSON(t, "/api/auth/signup", map[string]string{
		"username": username,
		"password": password,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup %s: expected 201, got %d", username, resp.StatusCode)
	}
	var tr models.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if tr.AccessToken == "" {
		t.Fatal("signup returned empty access token")
	}
	return tr.AccessToken
}

func (ts *testServer) dialRoom(t *testing.T, roomID int64, accessToken string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + fmt.Sprintf("/ws/%d?token=%s", roomID, accessToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial room %d: %v", roomID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWireMessage(t *testing.T, conn *websocket.Conn) models.WireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg models.WireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestSignupLoginAndMe(t *testing.T) {
	ts := newTestServer(t)

	ts.signup(t, "alice", "correct-horse-battery")

	loginResp := ts.postJSON(t, "/api/auth/login", map[string]string{
		"username": "alice",
		"password": "correct-horse-battery",
	})
	defer loginResp.Body.Close()
	if loginResp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", loginResp.StatusCode)
	}
	var tr models.TokenResponse
	if err := json.NewDecoder(loginResp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if tr.TokenType != "bearer" {
		t.Errorf("expected token_type bearer, got %q", tr.TokenType)
	}

	meResp := ts.getAuthed(t, "/api/auth/me", tr.AccessToken)
	defer meResp.Body.Close()
	if meResp.StatusCode != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", meResp.StatusCode)
	}
	var me struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(meResp.Body).Decode(&me); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if me.Username != "alice" || me.Role != models.RoleUser {
		t.Fatalf("unexpected identity: %+v", me)
	}
}

func TestSignupRejectsDuplicateUsername(t *testing.T) {
	ts := newTestServer(t)

	ts.signup(t, "alice", "correct-horse-battery")

	resp := ts.postJSON(t, "/api/auth/signup", map[string]string{
		"username": "alice",
		"password": "another-password",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate username, got %d", resp.StatusCode)
	}
	var er models.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if er.Code != "USERNAME_TAKEN" {
		t.Errorf("expected USERNAME_TAKEN, got %q", er.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ts := newTestServer(t)

	ts.signup(t, "alice", "correct-horse-battery")

	resp := ts.postJSON(t, "/api/auth/login", map[string]string{
		"username": "alice",
		"password": "wrong-password-here",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAdminStatsGatedByRole(t *testing.T) {
	ts := newTestServer(t)

	userToken := ts.signup(t, "alice", "correct-horse-battery")
	resp := ts.getAuthed(t, "/api/admin/stats", userToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for user role, got %d", resp.StatusCode)
	}

	if err := bootstrapAdmin(ts.DB, "root", "admin-password-123"); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	adminToken, err := ts.Tokens.Issue("root", models.RoleAdmin)
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}

	resp = ts.getAuthed(t, "/api/admin/stats", adminToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}
	var stats map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["rooms"] != 3 {
		t.Errorf("expected 3 rooms in stats, got %d", stats["rooms"])
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/1?token=not-a-real-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close code %d, got %v", websocket.ClosePolicyViolation, err)
	}
}

func TestWebSocketRejectsUnknownRoom(t *testing.T) {
	ts := newTestServer(t)
	accessToken := ts.signup(t, "alice", "correct-horse-battery")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/999?token=" + accessToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close code %d, got %v", websocket.ClosePolicyViolation, err)
	}
}

func TestPublishedMessageShape(t *testing.T) {
	ts := newTestServer(t)
	accessToken := ts.signup(t, "alice", "correct-horse-battery")

	conn := ts.dialRoom(t, 1, accessToken)
	if err := conn.WriteJSON(map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readWireMessage(t, conn)
	if msg.ID <= 0 {
		t.Errorf("expected positive message id, got %d", msg.ID)
	}
	if msg.Text != "hi" {
		t.Errorf("expected text %q, got %q", "hi", msg.Text)
	}
	if msg.Username != "alice" {
		t.Errorf("expected username alice, got %q", msg.Username)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected a non-zero timestamp")
	}
}

func TestBroadcastReachesAllRoomMembersInOrder(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.signup(t, "alice", "correct-horse-battery")
	bobToken := ts.signup(t, "bob", "hunter2-hunter2")

	aliceConn := ts.dialRoom(t, 1, aliceToken)
	bobConn := ts.dialRoom(t, 1, bobToken)

	for _, text := range []string{"first", "second", "third"} {
		if err := aliceConn.WriteJSON(map[string]string{"text": text}); err != nil {
			t.Fatalf("write %q: %v", text, err)
		}
	}

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		var lastID int64
		for _, want := range []string{"first", "second", "third"} {
			msg := readWireMessage(t, conn)
			if msg.Text != want {
				t.Fatalf("expected %q, got %q", want, msg.Text)
			}
			if msg.ID <= lastID {
				t.Fatalf("ids not increasing: %d after %d", msg.ID, lastID)
			}
			lastID = msg.ID
		}
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.signup(t, "alice", "correct-horse-battery")
	bobToken := ts.signup(t, "bob", "hunter2-hunter2")

	room1 := ts.dialRoom(t, 1, aliceToken)
	room2 := ts.dialRoom(t, 2, bobToken)

	if err := room1.WriteJSON(map[string]string{"text": "room 1 only"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The sender hears its own message back; room 2 must stay silent.
	if msg := readWireMessage(t, room1); msg.Text != "room 1 only" {
		t.Fatalf("expected echo in room 1, got %q", msg.Text)
	}

	room2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := room2.ReadMessage(); err == nil {
		t.Fatal("expected no message to leak into room 2")
	}
}

func TestBackfillReplaysLastMessagesOldestFirst(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.signup(t, "alice", "correct-horse-battery")

	alice, err := ts.DB.GetUserByUsername("alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	total := chat.BackfillLimit + 5
	for i := 1; i <= total; i++ {
		if _, err := ts.DB.InsertMessage(fmt.Sprintf("msg-%d", i), alice.ID, 1); err != nil {
			t.Fatalf("insert message %d: %v", i, err)
		}
	}

	conn := ts.dialRoom(t, 1, aliceToken)
	for i := 0; i < chat.BackfillLimit; i++ {
		msg := readWireMessage(t, conn)
		want := fmt.Sprintf("msg-%d", i+6)
		if msg.Text != want {
			t.Fatalf("backfill message %d: expected %q, got %q", i, want, msg.Text)
		}
	}

	// Nothing beyond the window is replayed.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected backfill to stop at the window")
	}
}

func TestEmptyMessageRejectedWithoutDisconnect(t *testing.T) {
	ts := newTestServer(t)
	accessToken := ts.signup(t, "alice", "correct-horse-battery")

	conn := ts.dialRoom(t, 1, accessToken)

	if err := conn.WriteJSON(map[string]string{"text": "   "}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var er models.ErrorResponse
	if err := conn.ReadJSON(&er); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if er.Code != "EMPTY_MESSAGE" {
		t.Fatalf("expected EMPTY_MESSAGE, got %q", er.Code)
	}

	// The connection is still usable afterwards.
	if err := conn.WriteJSON(map[string]string{"text": "still here"}); err != nil {
		t.Fatalf("write after rejection: %v", err)
	}
	if msg := readWireMessage(t, conn); msg.Text != "still here" {
		t.Fatalf("expected %q, got %q", "still here", msg.Text)
	}
}

func TestRoomEndpoints(t *testing.T) {
	ts := newTestServer(t)
	accessToken := ts.signup(t, "alice", "correct-horse-battery")

	resp := ts.getAuthed(t, "/api/rooms", accessToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list rooms: expected 200, got %d", resp.StatusCode)
	}
	var rooms []models.Room
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(rooms) != 3 {
		t.Fatalf("expected 3 rooms, got %d", len(rooms))
	}

	alice, err := ts.DB.GetUserByUsername("alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if _, err := ts.DB.InsertMessage("hello", alice.ID, 1); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	msgResp := ts.getAuthed(t, "/api/rooms/1/messages", accessToken)
	defer msgResp.Body.Close()
	if msgResp.StatusCode != http.StatusOK {
		t.Fatalf("room messages: expected 200, got %d", msgResp.StatusCode)
	}
	var messages []models.WireMessage
	if err := json.NewDecoder(msgResp.Body).Decode(&messages); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Text != "hello" {
		t.Fatalf("unexpected messages: %+v", messages)
	}

	missing := ts.getAuthed(t, "/api/rooms/999", accessToken)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", missing.StatusCode)
	}
}

func TestDisconnectedMemberIsEvicted(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.signup(t, "alice", "correct-horse-battery")
	bobToken := ts.signup(t, "bob", "hunter2-hunter2")

	aliceConn := ts.dialRoom(t, 1, aliceToken)
	bobConn := ts.dialRoom(t, 1, bobToken)

	bobConn.Close()
	time.Sleep(100 * time.Millisecond)

	// The room keeps working for the remaining member.
	if err := aliceConn.WriteJSON(map[string]string{"text": "anyone there"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readWireMessage(t, aliceConn); msg.Text != "anyone there" {
		t.Fatalf("expected broadcast after peer disconnect, got %q", msg.Text)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for missing JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", "too-short")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for short JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", testJWTSecret)
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "abc")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for invalid TTL")
	}

	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "30")
	t.Setenv("ADMIN_USERNAME", "root")
	t.Setenv("ADMIN_PASSWORD", "")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for admin username without password")
	}

	t.Setenv("ADMIN_PASSWORD", "admin-password-123")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.TokenTTL)
	}
}
