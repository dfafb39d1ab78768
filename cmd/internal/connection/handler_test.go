package connection

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// stubAuth reads the caller id from X-User-ID without verification.
type stubAuth struct{}

func (stubAuth) Authenticate(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("unauthenticated")
	}
	return id, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()

	svc, _, _ := newTestService(t)
	h, err := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, stubAuth{})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { waitTasks(t, svc) })
	return srv, svc
}

func doRequest(t *testing.T, method, url string, userID int64, body string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID > 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func TestHandler_ConnectAndList(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, raw := doRequest(t, http.MethodPost, srv.URL+"/connections", 1, `{"username":"bob"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("connect status=%d body=%s", resp.StatusCode, raw)
	}
	var created connectResponse
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode connect: %v", err)
	}
	if created.ConnectedUser.ID != 2 {
		t.Fatalf("unexpected connected user %+v", created.ConnectedUser)
	}

	resp, raw = doRequest(t, http.MethodPost, srv.URL+"/connections", 2, `{"username":"alice"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status=%d body=%s", resp.StatusCode, raw)
	}

	resp, raw = doRequest(t, http.MethodGet, srv.URL+"/connections", 2, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status=%d body=%s", resp.StatusCode, raw)
	}
	var list listResponse
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Connections) != 1 || list.Connections[0].Username != "alice" {
		t.Fatalf("unexpected list %+v", list.Connections)
	}
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	cases := []struct {
		name   string
		method string
		userID int64
		body   string
		status int
		code   string
	}{
		{name: "unauthenticated", method: http.MethodPost, body: `{"username":"bob"}`, status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "unknown field", method: http.MethodPost, userID: 1, body: `{"username":"bob","x":1}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "trailing data", method: http.MethodPost, userID: 1, body: `{"username":"bob"}{}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "missing username", method: http.MethodPost, userID: 1, body: `{}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown user", method: http.MethodPost, userID: 1, body: `{"username":"zed"}`, status: http.StatusNotFound, code: "user_not_found"},
		{name: "self", method: http.MethodPost, userID: 1, body: `{"username":"alice"}`, status: http.StatusBadRequest, code: "self_connect"},
		{name: "list unauthenticated", method: http.MethodGet, status: http.StatusUnauthorized, code: "unauthorized"},
	}

	for _, tc := range cases {
		resp, raw := doRequest(t, tc.method, srv.URL+"/connections", tc.userID, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status=%d want=%d body=%s", tc.name, resp.StatusCode, tc.status, raw)
		}
		var er errorResponse
		if err := json.Unmarshal(raw, &er); err != nil {
			t.Fatalf("%s: decode error body: %v", tc.name, err)
		}
		if er.Error.Code != tc.code {
			t.Fatalf("%s: code=%q want=%q", tc.name, er.Error.Code, tc.code)
		}
	}

	resp, _ := doRequest(t, http.MethodDelete, srv.URL+"/connections", 1, "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("delete status=%d want=%d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}
