package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lookup resolves a single configuration key.
type Lookup func(key string) (string, bool)

// Source reads typed settings from a Lookup. Blank values count as unset.
type Source struct {
	lookup Lookup
}

func OS() Source {
	return Source{lookup: os.LookupEnv}
}

func FromMap(values map[string]string) Source {
	return Source{lookup: func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}}
}

func (s Source) get(key string) (string, bool) {
	if s.lookup == nil {
		return "", false
	}
	v, ok := s.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func (s Source) String(key string, def string) string {
	if v, ok := s.get(key); ok {
		return v
	}
	return def
}

func (s Source) Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := s.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

func (s Source) Bool(key string, def bool) (bool, error) {
	if v, ok := s.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

func (s Source) Int(key string, def int) (int, error) {
	if v, ok := s.get(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}
