package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"keyrelay/internal/directory"
	"keyrelay/internal/relay"
	"keyrelay/internal/store"
	"keyrelay/pkg/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	m, err := store.NewManager(&store.Config{
		Path:            filepath.Join(t.TempDir(), "keyrelay.db"),
		RoomTTL:         24 * time.Hour,
		MaxConnections:  5,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("store.NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	service := directory.NewService(m)
	server := NewServer(service, m, relay.NewRegistry())

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createRoom(t *testing.T, srv *httptest.Server) CreateRoomResponse {
	t.Helper()

	resp := postJSON(t, srv.URL+"/api/rooms", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var room CreateRoomResponse
	decode(t, resp, &room)
	if room.RoomID == "" || room.JoinSecret == "" {
		t.Fatal("create response missing room_id or join_secret")
	}
	return room
}

func joinBody(secret, memberID, seed string) JoinRequest {
	return JoinRequest{
		JoinSecret: secret,
		MemberID:   memberID,
		KeyBundle: &types.KeyBundle{
			RegistrationID:  9,
			Identity:        []byte("id-" + seed),
			SignedPrekey:    []byte("spk-" + seed),
			SignedPrekeySig: []byte("sig-" + seed),
			OneTimePrekey:   []byte("otk-" + seed),
		},
	}
}

func TestServer_CreateAndJoinFlow(t *testing.T) {
	srv := newTestServer(t)
	room := createRoom(t, srv)

	resp := postJSON(t, srv.URL+"/api/rooms/"+room.RoomID+"/join", joinBody(room.JoinSecret, "alice", "a"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var join JoinResponse
	decode(t, resp, &join)
	if join.MemberToken == "" {
		t.Error("join must issue a member token")
	}
	if join.AdminID != "alice" {
		t.Errorf("first joiner should be admin, got %q", join.AdminID)
	}
	if len(join.Others) != 0 {
		t.Errorf("first joiner has no others, got %d", len(join.Others))
	}

	// Second member sees the first in others, never itself.
	resp = postJSON(t, srv.URL+"/api/rooms/"+room.RoomID+"/join", joinBody(room.JoinSecret, "bob", "b"))
	var second JoinResponse
	decode(t, resp, &second)
	if second.AdminID != "alice" {
		t.Errorf("admin must stay alice, got %q", second.AdminID)
	}
	if _, ok := second.Others["alice"]; !ok {
		t.Error("bob's others must include alice")
	}
	if _, ok := second.Others["bob"]; ok {
		t.Error("others must exclude the joiner")
	}
	if !bytes.Equal(second.Others["alice"].Identity, []byte("id-a")) {
		t.Error("alice's bundle did not round trip through the wire encoding")
	}
}

func TestServer_JoinErrors(t *testing.T) {
	srv := newTestServer(t)
	room := createRoom(t, srv)

	cases := []struct {
		name string
		url  string
		body interface{}
		want int
	}{
		{"unknown room", srv.URL + "/api/rooms/missing/join", joinBody("s", "alice", "a"), http.StatusNotFound},
		{"bad secret", srv.URL + "/api/rooms/" + room.RoomID + "/join", joinBody("wrong", "alice", "a"), http.StatusUnauthorized},
		{"missing member id", srv.URL + "/api/rooms/" + room.RoomID + "/join", joinBody(room.JoinSecret, "", "a"), http.StatusBadRequest},
		{"missing bundle", srv.URL + "/api/rooms/" + room.RoomID + "/join", JoinRequest{JoinSecret: room.JoinSecret, MemberID: "alice"}, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, tc.url, tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}

	// Malformed base64 in a key field is a 400, not a 500.
	raw := []byte(`{"join_secret":"` + room.JoinSecret + `","member_id":"alice","key_bundle":{"registration_id":1,"identity":"!!!","signed_prekey":"eA==","signed_prekey_sig":"eA==","one_time_prekey":"eA=="}}`)
	resp, err := http.Post(srv.URL+"/api/rooms/"+room.RoomID+"/join", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad encoding should be 400, got %d", resp.StatusCode)
	}
}

func TestServer_GetPrekey(t *testing.T) {
	srv := newTestServer(t)
	room := createRoom(t, srv)
	postJSON(t, srv.URL+"/api/rooms/"+room.RoomID+"/join", joinBody(room.JoinSecret, "alice", "a"))

	resp, err := http.Get(srv.URL + "/api/rooms/" + room.RoomID + "/members/alice/prekey")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var bundle KeyBundleResponse
	decode(t, resp, &bundle)
	if !bytes.Equal(bundle.KeyBundle.Identity, []byte("id-a")) {
		t.Error("prekey bundle did not round trip")
	}

	for _, path := range []string{
		"/api/rooms/" + room.RoomID + "/members/nobody/prekey",
		"/api/rooms/missing/members/alice/prekey",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	decode(t, resp, &health)
	if health.Status != "healthy" {
		t.Errorf("expected healthy, got %q", health.Status)
	}
	if _, ok := health.Connections["total_connections"]; !ok {
		t.Error("health must include connection stats")
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/rooms", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
