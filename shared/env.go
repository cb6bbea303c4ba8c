package shared

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func GetenvString(s string) (string, error) {
	return strings.TrimSpace(s), nil
}

func GetenvInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func GetenvBool(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}

func GetenvDuration(s string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(s))
}

// Getenv reads key and parses it. An unset or blank variable yields def, or
// ErrMissingEnv when required is true.
func Getenv[T any](parse func(string) (T, error), key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		if required {
			return def, fmt.Errorf("%w: %s", ErrMissingEnv, key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse func(string) (T, error), key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
