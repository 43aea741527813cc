package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOkWrapsPayloadInDataKey(t *testing.T) {
	rr := httptest.NewRecorder()
	Ok(rr, envelope{"foo": "bar"})

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"data":{"foo":"bar"}}`, rr.Body.String())
}

func TestCreatedWritesStatusCreated(t *testing.T) {
	rr := httptest.NewRecorder()
	Created(rr, envelope{"id": "1"})

	require.Equal(t, http.StatusCreated, rr.Code)
	require.JSONEq(t, `{"data":{"id":"1"}}`, rr.Body.String())
}

func TestNoContentWritesEmptyBody(t *testing.T) {
	rr := httptest.NewRecorder()
	NoContent(rr)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Empty(t, rr.Body.String())
}

func TestErrorHelpersWriteExpectedStatusAndCode(t *testing.T) {
	cases := []struct {
		name   string
		call   func(http.ResponseWriter)
		status int
		code   string
	}{
		{"bad request", func(w http.ResponseWriter) { ErrBadRequest(w, "bad") }, http.StatusBadRequest, "bad_request"},
		{"unauthorized", func(w http.ResponseWriter) { ErrUnauthorized(w) }, http.StatusUnauthorized, "unauthorized"},
		{"forbidden", func(w http.ResponseWriter) { ErrForbidden(w) }, http.StatusForbidden, "forbidden"},
		{"not found", func(w http.ResponseWriter) { ErrNotFound(w) }, http.StatusNotFound, "not_found"},
		{"conflict", func(w http.ResponseWriter) { ErrConflict(w, "taken") }, http.StatusConflict, "conflict"},
		{"unprocessable", func(w http.ResponseWriter) { ErrUnprocessable(w, "bad field") }, http.StatusUnprocessableEntity, "validation_error"},
		{"internal", func(w http.ResponseWriter) { ErrInternal(w) }, http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tc.call(rr)
			require.Equal(t, tc.status, rr.Code)
			require.Contains(t, rr.Body.String(), `"code":"`+tc.code+`"`)
		})
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"a","extra":"b"}`))
	rr := httptest.NewRecorder()

	ok := decodeJSON(rr, req, &dst)
	require.False(t, ok)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDecodeJSONSucceedsOnWellFormedBody(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"a"}`))
	rr := httptest.NewRecorder()

	ok := decodeJSON(rr, req, &dst)
	require.True(t, ok)
	require.Equal(t, "a", dst.Name)
}
