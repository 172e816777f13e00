package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Environment variables consulted by the loader.
const (
	EnvEnvironment = "DAB_ENVIRONMENT"
	EnvAspNetCore  = "ASPNETCORE_ENVIRONMENT"
	EnvConnString  = "DAB_CONNSTRING"
)

const loadRetries = 5

// ErrorList collects all validation failures from one load so the operator
// sees everything wrong at once instead of one error per run.
type ErrorList []error

func (el ErrorList) Error() string {
	msgs := make([]string, len(el))
	for i, e := range el {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

var envTokenRe = regexp.MustCompile(`@env\('([A-Za-z_][A-Za-z0-9_]*)'\)`)

// Loader reads, overlays and validates runtime config files. The filesystem
// is abstracted so tests can run against an in-memory one.
type Loader struct {
	fs       afero.Fs
	validate *validator.Validate
}

// NewLoader creates a config loader over the given filesystem. A nil fs
// means the OS filesystem.
func NewLoader(fs afero.Fs) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Loader{fs: fs, validate: validator.New()}
}

// Load reads the config file at path, applies the environment overlay,
// resolves @env() tokens and validates the result. IO errors are retried
// with exponential backoff; validation errors are not.
func (l *Loader) Load(path string) (*RuntimeConfig, error) {
	raw, err := l.readMerged(path)
	if err != nil {
		return nil, err
	}

	if err := resolveEnvTokens(raw); err != nil {
		return nil, err
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "config: re-encode after merge")
	}

	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()

	var conf RuntimeConfig
	if err := dec.Decode(&conf); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	applyConnStringOverride(&conf)

	if errs := l.validateConfig(&conf); len(errs) != 0 {
		return nil, errs
	}
	return &conf, nil
}

// readMerged reads the base file plus the <base>.<env>.json and
// <base>.<env>.overrides.json overlays into one raw document.
func (l *Loader) readMerged(path string) (map[string]interface{}, error) {
	base, err := l.readJSON(path)
	if err != nil {
		return nil, err
	}

	env := os.Getenv(EnvEnvironment)
	if env == "" {
		env = os.Getenv(EnvAspNetCore)
	}
	if env == "" {
		return base, nil
	}

	stem := strings.TrimSuffix(path, ".json")
	for _, overlay := range []string{
		stem + "." + env + ".json",
		stem + "." + env + ".overrides.json",
	} {
		ok, err := afero.Exists(l.fs, overlay)
		if err != nil || !ok {
			continue
		}
		over, err := l.readJSON(overlay)
		if err != nil {
			return nil, err
		}
		base = deepMerge(base, over)
	}
	return base, nil
}

// readJSON reads one file with retries and decodes it into a raw map.
func (l *Loader) readJSON(path string) (map[string]interface{}, error) {
	var buf []byte
	err := retry.Do(
		func() (err error) {
			buf, err = afero.ReadFile(l.fs, path)
			return
		},
		retry.Attempts(loadRetries),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return m, nil
}

// deepMerge merges overlay into base. Objects merge recursively; arrays and
// scalars in the overlay replace the base value.
func deepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		if bm, ok := out[k].(map[string]interface{}); ok {
			if om, ok := ov.(map[string]interface{}); ok {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = ov
	}
	return out
}

// resolveEnvTokens replaces @env('NAME') tokens in string values in place.
// An unresolved variable is fatal.
func resolveEnvTokens(m map[string]interface{}) error {
	var walk func(v interface{}) (interface{}, error)
	walk = func(v interface{}) (interface{}, error) {
		switch val := v.(type) {
		case string:
			var missing error
			out := envTokenRe.ReplaceAllStringFunc(val, func(tok string) string {
				name := envTokenRe.FindStringSubmatch(tok)[1]
				ev, ok := os.LookupEnv(name)
				if !ok {
					missing = fmt.Errorf("config: environment variable %s is not set", name)
					return tok
				}
				return ev
			})
			return out, missing
		case map[string]interface{}:
			for k, c := range val {
				nc, err := walk(c)
				if err != nil {
					return nil, err
				}
				val[k] = nc
			}
			return val, nil
		case []interface{}:
			for i, c := range val {
				nc, err := walk(c)
				if err != nil {
					return nil, err
				}
				val[i] = nc
			}
			return val, nil
		default:
			return v, nil
		}
	}
	_, err := walk(m)
	return err
}

// applyConnStringOverride lets DAB_CONNSTRING replace the datasource
// connection string for deployments that keep it out of the config file.
func applyConnStringOverride(conf *RuntimeConfig) {
	if v := os.Getenv(EnvConnString); v != "" {
		conf.DataSource.ConnectionString = v
	}
}

// validateConfig runs struct-level validation plus the cross-reference
// checks the tag validator cannot express.
func (l *Loader) validateConfig(conf *RuntimeConfig) ErrorList {
	var errs ErrorList

	if err := l.validate.Struct(conf); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, ve := range verrs {
				errs = append(errs, fmt.Errorf("config: field %s failed %s validation", ve.Namespace(), ve.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if conf.DataSource.Kind != "" {
		if err := ValidateDBType(conf.DataSource.Kind); err != nil {
			errs = append(errs, err)
		}
	}

	if conf.Runtime.Host.Mode != "" &&
		conf.Runtime.Host.Mode != ModeDevelopment &&
		conf.Runtime.Host.Mode != ModeProduction {
		errs = append(errs, fmt.Errorf("config: host mode %q must be development or production", conf.Runtime.Host.Mode))
	}

	if dl := conf.Runtime.GraphQL.DepthLimit; dl != nil && *dl != -1 && *dl < 1 {
		errs = append(errs, fmt.Errorf("config: graphql depth-limit %d must be -1 or >= 1", *dl))
	}

	seenGraphQL := map[string]string{}
	for name, e := range conf.Entities {
		for _, p := range e.Permissions {
			if p.Role == "" {
				errs = append(errs, fmt.Errorf("config: entity %s has a permission with an empty role", name))
			}
			for _, a := range p.Actions {
				if err := validateAction(name, e, a); err != nil {
					errs = append(errs, err)
				}
			}
		}

		for rname, rel := range e.Relationships {
			if _, ok := conf.Entities[rel.TargetEntity]; !ok {
				errs = append(errs, fmt.Errorf("config: entity %s relationship %s targets unknown entity %q", name, rname, rel.TargetEntity))
			}
			if rel.Cardinality != CardinalityOne && rel.Cardinality != CardinalityMany {
				errs = append(errs, fmt.Errorf("config: entity %s relationship %s cardinality %q must be one or many", name, rname, rel.Cardinality))
			}
			if len(rel.SourceFields) != len(rel.TargetFields) {
				errs = append(errs, fmt.Errorf("config: entity %s relationship %s source.fields and target.fields must be equal length", name, rname))
			}
			if rel.LinkingObject != "" &&
				(len(rel.LinkingSourceFields) == 0 || len(rel.LinkingTargetFields) == 0) {
				errs = append(errs, fmt.Errorf("config: entity %s relationship %s linking.object requires linking source and target fields", name, rname))
			}
		}

		if e.GraphQLEnabled() {
			for _, gname := range []string{e.SingularName(name), e.PluralName(name)} {
				if prev, ok := seenGraphQL[strings.ToLower(gname)]; ok && prev != name {
					errs = append(errs, fmt.Errorf("config: GraphQL name %q of entity %s collides with entity %s", gname, name, prev))
				} else {
					seenGraphQL[strings.ToLower(gname)] = name
				}
			}
		}
	}

	return errs
}

func validateAction(entity string, e Entity, a Action) error {
	switch a.Action {
	case ActionWildcard:
		// Expands to execute for procedures, CRUD otherwise.
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		if e.Source.IsProcedure() {
			return fmt.Errorf("config: entity %s is a stored procedure and only supports the execute action", entity)
		}
	case ActionExecute:
		if !e.Source.IsProcedure() {
			return fmt.Errorf("config: entity %s is not a stored procedure and cannot grant execute", entity)
		}
	default:
		return fmt.Errorf("config: entity %s has unknown action %q", entity, a.Action)
	}
	return nil
}

// Hash returns a structural hash of the config. Reloads producing an
// identical hash are treated as no-ops.
func (c *RuntimeConfig) Hash() uint64 {
	h, err := hashstructure.Hash(c, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}
