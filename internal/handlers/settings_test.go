package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/katulong/katulong/internal/access"
)

func putConfigField(t *testing.T, field, payload string) *httptest.ResponseRecorder {
	t.Helper()
	r := withChiParams(tierRequest("PUT", "/api/config/"+field, strings.NewReader(payload), access.TierLocalhost),
		map[string]string{"field": field})
	w := httptest.NewRecorder()
	UpdateInstanceConfig(w, r)
	return w
}

func TestGetInstanceConfigDefaults(t *testing.T) {
	setupState(t)

	w := httptest.NewRecorder()
	GetInstanceConfig(w, tierRequest("GET", "/api/config", nil, access.TierLocalhost))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var cfg struct {
		InstanceName string `json:"instanceName"`
		InstanceIcon string `json:"instanceIcon"`
		ToolbarColor string `json:"toolbarColor"`
	}
	decodeJSON(t, w, &cfg)
	if cfg.InstanceName != "" || cfg.InstanceIcon != "" || cfg.ToolbarColor != "" {
		t.Errorf("fresh config = %+v, want zero values", cfg)
	}
}

func TestUpdateInstanceName(t *testing.T) {
	st := setupState(t)

	w := putConfigField(t, "instance-name", `{"instanceName":"  Office Mac  "}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	cfg, err := st.GetInstanceConfig()
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.InstanceName != "Office Mac" {
		t.Errorf("instanceName = %q, want trimmed", cfg.InstanceName)
	}
	if cfg.UpdatedAt.IsZero() {
		t.Error("updatedAt was not set")
	}
	if cfg.CreatedAt.IsZero() {
		t.Error("createdAt was not set on first write")
	}
}

func TestUpdateInstanceNameValidation(t *testing.T) {
	setupState(t)

	if w := putConfigField(t, "instance-name", `{"instanceName":"   "}`); w.Code != http.StatusBadRequest {
		t.Errorf("blank name status = %d, want 400", w.Code)
	}
	long := strings.Repeat("x", 65)
	if w := putConfigField(t, "instance-name", `{"instanceName":"`+long+`"}`); w.Code != http.StatusBadRequest {
		t.Errorf("long name status = %d, want 400", w.Code)
	}
}

func TestUpdateInstanceIcon(t *testing.T) {
	st := setupState(t)

	if w := putConfigField(t, "instance-icon", `{"instanceIcon":"🦾"}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	cfg, _ := st.GetInstanceConfig()
	if cfg.InstanceIcon != "🦾" {
		t.Errorf("instanceIcon = %q", cfg.InstanceIcon)
	}
}

func TestUpdateToolbarColor(t *testing.T) {
	st := setupState(t)

	if w := putConfigField(t, "toolbar-color", `{"toolbarColor":"#1A2b3C"}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	cfg, _ := st.GetInstanceConfig()
	if cfg.ToolbarColor != "#1A2b3C" {
		t.Errorf("toolbarColor = %q", cfg.ToolbarColor)
	}

	// Clearing the color is allowed.
	if w := putConfigField(t, "toolbar-color", `{"toolbarColor":""}`); w.Code != http.StatusOK {
		t.Errorf("clear color status = %d, want 200", w.Code)
	}

	for _, bad := range []string{"red", "#12345", "#12345g", "123456"} {
		if w := putConfigField(t, "toolbar-color", `{"toolbarColor":"`+bad+`"}`); w.Code != http.StatusBadRequest {
			t.Errorf("color %q status = %d, want 400", bad, w.Code)
		}
	}
}

func TestUpdateUnknownConfigField(t *testing.T) {
	setupState(t)

	if w := putConfigField(t, "theme", `{"theme":"dark"}`); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
