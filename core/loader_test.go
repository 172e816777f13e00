package core

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `{
  "data-source": {
    "database-type": "postgresql",
    "connection-string": "@env('TEST_DB_CONN')"
  },
  "runtime": {
    "host": { "mode": "development" }
  },
  "entities": {
    "Book": {
      "source": "books",
      "permissions": [
        { "role": "anonymous", "actions": ["read"] }
      ]
    }
  }
}`

func loaderWith(t *testing.T, files map[string]string) *Loader {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, body := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(body), 0o644))
	}
	return NewLoader(fs)
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvEnvironment, "")
	t.Setenv(EnvAspNetCore, "")
	t.Setenv(EnvConnString, "")
}

func TestLoadResolvesEnvTokens(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_DB_CONN", "postgres://localhost/library")

	l := loaderWith(t, map[string]string{"dab-config.json": baseConfig})
	conf, err := l.Load("dab-config.json")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/library", conf.DataSource.ConnectionString)
}

func TestLoadFailsOnUnsetEnvToken(t *testing.T) {
	clearEnv(t)
	l := loaderWith(t, map[string]string{
		"dab-config.json": strings.Replace(baseConfig, "TEST_DB_CONN", "TEST_DB_CONN_UNSET_42", 1),
	})
	_, err := l.Load("dab-config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_DB_CONN_UNSET_42")
}

func TestLoadEnvironmentOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_DB_CONN", "postgres://localhost/library")
	t.Setenv(EnvEnvironment, "Staging")

	l := loaderWith(t, map[string]string{
		"dab-config.json": baseConfig,
		// Objects merge recursively, so the overlay flips one nested value
		// without restating the rest of the file.
		"dab-config.Staging.json": `{
  "runtime": { "host": { "mode": "production" } }
}`,
		"dab-config.Staging.overrides.json": `{
  "data-source": { "connection-string": "postgres://staging/library" }
}`,
	})

	conf, err := l.Load("dab-config.json")
	require.NoError(t, err)
	assert.True(t, conf.Runtime.Host.IsProduction())
	assert.Equal(t, "postgres://staging/library", conf.DataSource.ConnectionString)
	require.Len(t, conf.Entities, 1)
}

func TestLoadConnStringEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_DB_CONN", "postgres://localhost/library")
	t.Setenv(EnvConnString, "postgres://secret-host/library")

	l := loaderWith(t, map[string]string{"dab-config.json": baseConfig})
	conf, err := l.Load("dab-config.json")
	require.NoError(t, err)
	assert.Equal(t, "postgres://secret-host/library", conf.DataSource.ConnectionString)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_DB_CONN", "x")

	l := loaderWith(t, map[string]string{
		"dab-config.json": strings.Replace(baseConfig, `"entities"`, `"bogus": 1, "entities"`, 1),
	})
	_, err := l.Load("dab-config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_DB_CONN", "x")

	tests := []struct {
		name string
		conf string
		want string
	}{
		{
			name: "unknown database type",
			conf: strings.Replace(baseConfig, "postgresql", "oracle", 1),
			want: "unsupported database type",
		},
		{
			name: "unknown action",
			conf: strings.Replace(baseConfig, `"read"`, `"merge"`, 1),
			want: "unknown action",
		},
		{
			name: "execute on a table",
			conf: strings.Replace(baseConfig, `"read"`, `"execute"`, 1),
			want: "not a stored procedure",
		},
		{
			name: "invalid host mode",
			conf: strings.Replace(baseConfig, "development", "staging", 1),
			want: "must be development or production",
		},
		{
			name: "relationship targets unknown entity",
			conf: strings.Replace(baseConfig,
				`"permissions"`,
				`"relationships": {
  "reviews": { "cardinality": "many", "target.entity": "Review" }
}, "permissions"`, 1),
			want: "unknown entity",
		},
		{
			name: "missing entities",
			conf: `{
  "data-source": { "database-type": "postgresql", "connection-string": "x" },
  "entities": {}
}`,
			want: "validation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := loaderWith(t, map[string]string{"dab-config.json": tt.conf})
			_, err := l.Load("dab-config.json")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCollectsAllValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_DB_CONN", "x")

	conf := strings.Replace(baseConfig, "postgresql", "oracle", 1)
	conf = strings.Replace(conf, `"read"`, `"merge"`, 1)

	l := loaderWith(t, map[string]string{"dab-config.json": conf})
	_, err := l.Load("dab-config.json")
	require.Error(t, err)

	var el ErrorList
	require.ErrorAs(t, err, &el)
	assert.GreaterOrEqual(t, len(el), 2)
}

func TestLoadGraphQLNameCollision(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_DB_CONN", "x")

	conf := strings.Replace(baseConfig, `"Book": {`, `"Tome": {
      "source": "tomes",
      "graphql": { "singular": "book", "plural": "books" },
      "permissions": [ { "role": "anonymous", "actions": ["read"] } ]
    },
    "Book": {`, 1)

	l := loaderWith(t, map[string]string{"dab-config.json": conf})
	_, err := l.Load("dab-config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

func TestConfigHashStability(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_DB_CONN", "x")

	l := loaderWith(t, map[string]string{"dab-config.json": baseConfig})
	a, err := l.Load("dab-config.json")
	require.NoError(t, err)
	b, err := l.Load("dab-config.json")
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())

	b.Runtime.Host.Mode = ModeProduction
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestEntitySourceForms(t *testing.T) {
	t.Run("bare string is a table", func(t *testing.T) {
		var e Entity
		require.NoError(t, e.Source.UnmarshalJSON([]byte(`"dbo.books"`)))
		assert.Equal(t, "dbo.books", e.Source.Object)
		assert.Equal(t, SourceTable, e.Source.Type)
	})

	t.Run("object form keeps type and key fields", func(t *testing.T) {
		var s EntitySource
		require.NoError(t, s.UnmarshalJSON([]byte(
			`{"object": "top_sellers", "type": "stored-procedure", "parameters": {"since_year": 1990}}`)))
		assert.True(t, s.IsProcedure())
	})
}
