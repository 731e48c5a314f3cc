package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvValue is either a literal string or a reference to a variable in the
// invoking process environment:
//
//	DATABASE_URL: postgres://db/app        # literal
//	API_KEY: { env: API_KEY }              # reference
//	REGION: { env: REGION, default: eu }   # reference with fallback
type EnvValue struct {
	Literal string
	FromEnv string
	Default *string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *EnvValue) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&v.Literal)
	}
	var ref struct {
		Env     string  `yaml:"env"`
		Default *string `yaml:"default"`
	}
	if err := value.Decode(&ref); err != nil {
		return fmt.Errorf("env value must be a string or {env: NAME}: %w", err)
	}
	if ref.Env == "" {
		return fmt.Errorf("env reference is missing the variable name")
	}
	v.FromEnv = ref.Env
	v.Default = ref.Default
	return nil
}

// MissingEnvVarError reports an unresolvable env reference at plan time.
type MissingEnvVarError struct {
	Name string
}

func (e *MissingEnvVarError) Error() string {
	return fmt.Sprintf("missing required environment variable: %s", e.Name)
}

// Resolve returns the concrete value. References are substituted from the
// invoking process environment; an empty-string variable is valid, an unset
// one without a default is an error.
func (v EnvValue) Resolve() (string, error) {
	if v.FromEnv == "" {
		return v.Literal, nil
	}
	if val, ok := os.LookupEnv(v.FromEnv); ok {
		return val, nil
	}
	if v.Default != nil {
		return *v.Default, nil
	}
	return "", &MissingEnvVarError{Name: v.FromEnv}
}

// ResolveEnvMap resolves every value in an env map.
func ResolveEnvMap(in map[string]EnvValue) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		resolved, err := v.Resolve()
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}
