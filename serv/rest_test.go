package serv

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbloq/datagate/core"
)

func TestParseKeySegments(t *testing.T) {
	t.Run("no segments", func(t *testing.T) {
		keys, err := parseKeySegments(nil)
		require.Nil(t, err)
		assert.Nil(t, keys)
	})

	t.Run("single value binds the single-column key", func(t *testing.T) {
		keys, err := parseKeySegments([]string{"7"})
		require.Nil(t, err)
		assert.Equal(t, map[string]string{"_": "7"}, keys)
	})

	t.Run("column value pairs", func(t *testing.T) {
		keys, err := parseKeySegments([]string{"book_id", "7", "author_id", "3"})
		require.Nil(t, err)
		assert.Equal(t, map[string]string{"book_id": "7", "author_id": "3"}, keys)
	})

	t.Run("odd segment count rejected", func(t *testing.T) {
		_, err := parseKeySegments([]string{"book_id", "7", "author_id"})
		require.NotNil(t, err)
		assert.Equal(t, core.CodeBadRequest, err.Code)
	})
}

func TestReadParams(t *testing.T) {
	r := httptest.NewRequest("GET",
		"/api/Book?$filter=year+ge+1990&$orderby=year+desc&$select=id,+title&$first=10&$after=tok", nil)

	p := readParams(r)
	assert.Equal(t, "year ge 1990", p.Filter)
	assert.Equal(t, "year desc", p.OrderBy)
	assert.Equal(t, []string{"id", "title"}, p.Select)
	assert.Equal(t, 10, p.First)
	assert.Equal(t, "tok", p.After)
}

func TestReadParamsBadFirst(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/Book?$first=ten", nil)
	p := readParams(r)
	assert.Equal(t, -1, p.First, "non-numeric first must fail validation downstream")
}

func TestMethodAllowed(t *testing.T) {
	open := core.Entity{}
	assert.True(t, methodAllowed(open, "DELETE"))

	readOnly := core.Entity{Rest: &core.EntityRest{Methods: []string{"get"}}}
	assert.True(t, methodAllowed(readOnly, "GET"))
	assert.False(t, methodAllowed(readOnly, "POST"))
}

func TestWithNextLink(t *testing.T) {
	r := httptest.NewRequest("GET", "http://gw.local/api/Book?$first=2", nil)

	out := withNextLink(r, []byte(`{"value": [{"id": 1}]}`), "tok123")

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &env))
	link, ok := env["nextLink"].(string)
	require.True(t, ok)
	assert.Contains(t, link, "http://gw.local/api/Book?")
	assert.Contains(t, link, "%24after=tok123")
	assert.Contains(t, link, "%24first=2")
	assert.NotNil(t, env["value"], "existing body keys survive")
}

func TestWithNextLinkNonEnvelopeBody(t *testing.T) {
	r := httptest.NewRequest("GET", "http://gw.local/api/Book", nil)
	body := []byte(`[1, 2]`)
	assert.Equal(t, body, withNextLink(r, body, "tok"), "non-object bodies pass through")
}
