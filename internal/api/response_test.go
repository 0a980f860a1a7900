package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/vmrouter/internal/registry"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return env
}

func TestWriteJSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"id": "acme"})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("expected error field to be omitted, got %s", w.Body.String())
	}
	env := decodeEnvelope(t, w)
	data, ok := env.Data.(map[string]any)
	if !ok || data["id"] != "acme" {
		t.Fatalf("unexpected data %#v", env.Data)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusConflict, "DID already assigned")

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error != "DID already assigned" || env.Data != nil {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestReadJSON(t *testing.T) {
	type payload struct {
		Number string `json:"number"`
		Days   int    `json:"days"`
	}

	tests := []struct {
		name    string
		body    string
		wantMsg string
		prefix  bool
	}{
		{name: "valid", body: `{"number":"+15550001111","days":3}`},
		{name: "empty", body: "", wantMsg: "request body must not be empty"},
		{name: "malformed", body: `{"number":`, wantMsg: "malformed json"},
		{name: "syntax", body: `{bad}`, wantMsg: "malformed json"},
		{name: "wrong type", body: `{"days":"three"}`, wantMsg: "invalid value for field days"},
		{name: "unknown field", body: `{"number":"1","owner":"bob"}`, wantMsg: "unknown field", prefix: true},
		{name: "two objects", body: `{"days":1}{"days":2}`, wantMsg: "request body must contain a single json object"},
		{name: "too large", body: `{"number":"` + strings.Repeat("9", maxBodyBytes) + `"}`, wantMsg: "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst payload
			got := readJSON(r, &dst)

			switch {
			case tt.prefix && !strings.HasPrefix(got, tt.wantMsg):
				t.Errorf("readJSON() = %q, want prefix %q", got, tt.wantMsg)
			case !tt.prefix && got != tt.wantMsg:
				t.Errorf("readJSON() = %q, want %q", got, tt.wantMsg)
			}
			if tt.wantMsg == "" && (dst.Number != "+15550001111" || dst.Days != 3) {
				t.Errorf("decoded %+v", dst)
			}
		})
	}
}

func TestPathParamUnescapes(t *testing.T) {
	r := chi.NewRouter()
	var got string
	r.Get("/dids/{did}", func(w http.ResponseWriter, r *http.Request) {
		got = pathParam(r, "did")
	})

	req := httptest.NewRequest(http.MethodGet, "/dids/%2B15550001111", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	if got != "+15550001111" {
		t.Fatalf("pathParam() = %q, want +15550001111", got)
	}
}

func TestWriteRegistryError(t *testing.T) {
	s := &Server{logger: testLogger()}

	tests := []struct {
		err  error
		want int
	}{
		{registry.ErrProjectNotFound, http.StatusNotFound},
		{fmt.Errorf("archive: %w", registry.ErrDIDNotFound), http.StatusNotFound},
		{registry.ErrVoicemailNotFound, http.StatusNotFound},
		{registry.ErrNotFound, http.StatusNotFound},
		{registry.ErrNoteNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: name is empty", registry.ErrInvalidProject), http.StatusBadRequest},
		{fmt.Errorf("%w: +15550001111", registry.ErrDuplicateDID), http.StatusConflict},
		{registry.ErrProjectExists, http.StatusConflict},
		{registry.ErrCatchAllExists, http.StatusConflict},
		{registry.ErrCatchAllDID, http.StatusBadRequest},
		{registry.ErrInvalidDID, http.StatusBadRequest},
		{registry.ErrInvalidSettings, http.StatusBadRequest},
		{fmt.Errorf("%w: disk full", registry.ErrStore), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			s.writeRegistryError(w, "test", tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			env := decodeEnvelope(t, w)
			if tt.want == http.StatusInternalServerError && env.Error != "internal error" {
				t.Errorf("internal errors must not leak details, got %q", env.Error)
			}
		})
	}
}
