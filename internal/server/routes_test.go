package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/engramd/engram/internal/record"
)

func ingest(t *testing.T, srv *Server, body string) string {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/memories", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["id"] == "" {
		t.Fatal("ingest returned no id")
	}
	return resp["id"]
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestIngestAndRead(t *testing.T) {
	srv := testServer(t)

	id := ingest(t, srv, fmt.Sprintf(`{"owner":"alice","payload":"%s"}`, b64("hello")))

	req := httptest.NewRequest("GET", "/api/memories/alice/"+id, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("read status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID      string `json:"id"`
		Payload []byte `json:"payload"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(resp.Payload) != "hello" {
		t.Errorf("payload = %q, want hello", resp.Payload)
	}
}

func TestIngestMissingOwner(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("POST", "/api/memories",
		strings.NewReader(fmt.Sprintf(`{"payload":"%s"}`, b64("x"))))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestReadUnknownRecord(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/memories/alice/not-there", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSensitiveReadRequiresCredential(t *testing.T) {
	srv := testServer(t)

	id := ingest(t, srv, fmt.Sprintf(
		`{"owner":"alice","payload":"%s","sensitive":true,"credentials":["%s"]}`,
		b64("secret"), b64("alpha")))

	// No credential header.
	req := httptest.NewRequest("GET", "/api/memories/alice/"+id, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusForbidden, w.Body.String())
	}

	// Valid credential.
	req = httptest.NewRequest("GET", "/api/memories/alice/"+id, nil)
	req.Header.Set(credentialHeader, "alpha")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Payload []byte `json:"payload"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if string(resp.Payload) != "secret" {
		t.Errorf("payload = %q", resp.Payload)
	}
}

func TestDeleteMemory(t *testing.T) {
	srv := testServer(t)

	id := ingest(t, srv, fmt.Sprintf(`{"owner":"alice","payload":"%s"}`, b64("bye")))

	req := httptest.NewRequest("DELETE", "/api/memories/alice/"+id, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d; body: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("DELETE", "/api/memories/alice/"+id, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestPromoteEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("POST", "/api/promote", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["moved"] != 0 {
		t.Errorf("moved = %d, want 0", resp["moved"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := testServer(t)

	ingest(t, srv, fmt.Sprintf(`{"owner":"alice","payload":"%s"}`, b64("counted")))

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Ingests int64 `json:"ingests"`
		Cache   struct {
			Partitions map[string]int `json:"partitions"`
		} `json:"cache"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ingests != 1 {
		t.Errorf("ingests = %d, want 1", resp.Ingests)
	}
	if resp.Cache.Partitions["alice"] != 1 {
		t.Errorf("alice partition = %d, want 1", resp.Cache.Partitions["alice"])
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{record.ErrNotFound, http.StatusNotFound},
		{record.ErrAccessDenied, http.StatusForbidden},
		{record.ErrCorrupted, http.StatusGone},
		{record.ErrMalformedEnvelope, http.StatusUnprocessableEntity},
		{record.ErrCapacityFull, http.StatusInsufficientStorage},
		{record.ErrTimeout, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		writeError(w, fmt.Errorf("op failed: %w", tc.err))
		if w.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}
