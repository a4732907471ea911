package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{"valid JSON", `{"name": "test"}`, false},
		{"invalid JSON", `{invalid}`, true},
		{"unknown field", `{"name": "test", "extra": 1}`, true},
		{"empty body", ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))
			var dest struct {
				Name string `json:"name"`
			}

			err := ParseJSON(req, &dest)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "test", dest.Name)
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(`{invalid}`))
	w := httptest.NewRecorder()
	var dest map[string]string

	assert.False(t, ParseJSONOrError(w, req, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid JSON")
}

func TestParsePathInt(t *testing.T) {
	tests := []struct {
		name        string
		vars        map[string]string
		expected    int
		expectError bool
	}{
		{"valid", map[string]string{"ordinal": "42"}, 42, false},
		{"missing", map[string]string{}, 0, true},
		{"not a number", map[string]string{"ordinal": "abc"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/test", nil), tt.vars)
			val, err := ParsePathInt(req, "ordinal")
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, val)
		})
	}
}

func TestParsePathIntOrError_Invalid(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/test", nil), map[string]string{"id": "x"})
	w := httptest.NewRecorder()

	_, ok := ParsePathIntOrError(w, req, "id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathStringOrError(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/test", nil), map[string]string{"group": "orders"})
	w := httptest.NewRecorder()

	val, ok := ParsePathStringOrError(w, req, "group")
	assert.True(t, ok)
	assert.Equal(t, "orders", val)

	_, ok = ParsePathStringOrError(w, httptest.NewRequest(http.MethodGet, "/test", nil), "group")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?type=order&deleted=true&bad=maybe", nil)

	assert.Equal(t, "order", ParseQueryString(req, "type", ""))
	assert.Equal(t, "fallback", ParseQueryString(req, "missing", "fallback"))

	deleted, err := ParseQueryBool(req, "deleted", false)
	require.NoError(t, err)
	assert.True(t, deleted)

	missing, err := ParseQueryBool(req, "missing", true)
	require.NoError(t, err)
	assert.True(t, missing)

	_, err = ParseQueryBool(req, "bad", false)
	assert.Error(t, err)
}

func TestRequireNonEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	assert.True(t, RequireNonEmpty(w, "value", "field"))

	w = httptest.NewRecorder()
	assert.False(t, RequireNonEmpty(w, "", "schema"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "schema is required")
}
