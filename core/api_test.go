package core

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bookSchemaGraphQL = `type Book {
  id: ID!
  title: String
}`

// cosmosConfig renders a document-backend config whose shapes come from a
// schema file instead of database introspection, so a gateway can be built
// without a live datasource.
func cosmosConfig(mode, graphqlRuntime string) string {
	return fmt.Sprintf(`{
  "data-source": {
    "database-type": "cosmos-nosql",
    "connection-string": "AccountEndpoint=https://localhost:8081/",
    "options": { "schema": "/schema.graphql" }
  },
  "runtime": {
    "host": { "mode": %q }%s
  },
  "entities": {
    "Book": {
      "source": "book",
      "permissions": [
        { "role": "anonymous", "actions": ["read"] }
      ]
    }
  }
}`, mode, graphqlRuntime)
}

func newTestGateway(t *testing.T, conf string) (*Gateway, afero.Fs) {
	t.Helper()
	clearEnv(t)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dab-config.json", []byte(conf), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/schema.graphql", []byte(bookSchemaGraphQL), 0o644))

	db, _, err := sqlmock.New()
	require.NoError(t, err)

	g, err := New("/dab-config.json", Dependencies{
		FS:     fs,
		OpenDB: func(kind, connString string) (*sql.DB, error) { return db, nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g, fs
}

func TestGatewayReloadSwapsSnapshot(t *testing.T) {
	g, fs := newTestGateway(t, cosmosConfig(ModeDevelopment, ""))

	before := g.Current()
	require.Nil(t, before.conf.Runtime.GraphQL.DepthLimit)

	next := cosmosConfig(ModeDevelopment, `,
    "graphql": { "depth-limit": 5 }`)
	require.NoError(t, afero.WriteFile(fs, "/dab-config.json", []byte(next), 0o644))
	require.NoError(t, g.Reload())

	after := g.Current()
	assert.NotSame(t, before, after)
	require.NotNil(t, after.conf.Runtime.GraphQL.DepthLimit)
	assert.Equal(t, 5, *after.conf.Runtime.GraphQL.DepthLimit)

	// Requests started on the old snapshot still see its config.
	assert.Nil(t, before.conf.Runtime.GraphQL.DepthLimit)
}

func TestGatewayReloadUnchangedConfig(t *testing.T) {
	conf := cosmosConfig(ModeDevelopment, "")
	g, fs := newTestGateway(t, conf)

	before := g.Current()
	require.NoError(t, afero.WriteFile(fs, "/dab-config.json", []byte(conf), 0o644))
	require.NoError(t, g.Reload())

	assert.Same(t, before, g.Current())
}

func TestGatewayReloadIgnoresHostModeChange(t *testing.T) {
	g, fs := newTestGateway(t, cosmosConfig(ModeDevelopment, ""))

	before := g.Current()
	next := cosmosConfig(ModeProduction, "")
	require.NoError(t, afero.WriteFile(fs, "/dab-config.json", []byte(next), 0o644))
	require.NoError(t, g.Reload())

	// The snapshot and its mode are unchanged.
	assert.Same(t, before, g.Current())
	assert.False(t, g.IsProd())
}

func TestGraphQLIntrospection(t *testing.T) {
	anon := Principal{Role: RoleAnonymous}
	schemaQuery := `{ __schema { queryType { name } } }`

	t.Run("development always answers", func(t *testing.T) {
		g, _ := newTestGateway(t, cosmosConfig(ModeDevelopment, ""))

		res := g.GraphQL(context.Background(), anon, schemaQuery, nil)
		require.Empty(t, res.Errors)
		assert.Contains(t, string(res.Data), `"queryType":{"name":"Query"}`)
	})

	t.Run("type lookup", func(t *testing.T) {
		g, _ := newTestGateway(t, cosmosConfig(ModeDevelopment, ""))

		res := g.GraphQL(context.Background(), anon, `{ __type(name: "Book") { name kind } }`, nil)
		require.Empty(t, res.Errors)
		assert.Contains(t, string(res.Data), `"name":"Book"`)
		assert.Contains(t, string(res.Data), `"kind":"OBJECT"`)
	})

	t.Run("production rejects without the flag", func(t *testing.T) {
		g, _ := newTestGateway(t, cosmosConfig(ModeProduction, ""))

		res := g.GraphQL(context.Background(), anon, schemaQuery, nil)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeBadRequest, res.Errors[0].Code)
		assert.Contains(t, res.Errors[0].Message, "introspection is disabled")
	})

	t.Run("production answers when allowed", func(t *testing.T) {
		g, _ := newTestGateway(t, cosmosConfig(ModeProduction, `,
    "graphql": { "allow-introspection": true }`))

		res := g.GraphQL(context.Background(), anon, schemaQuery, nil)
		require.Empty(t, res.Errors)
		assert.Contains(t, string(res.Data), `"queryType":{"name":"Query"}`)
	})
}
