package task

import (
	"fmt"
	"strings"
)

// Argument is one named input of a task execution.
type Argument struct {
	Key   string
	Value string
}

// Arguments is an immutable ordered set of key/value pairs. Keys are unique
// and compared case-insensitively.
type Arguments struct {
	items []Argument
	index map[string]int
}

// NewArguments returns an error on blank or duplicate keys.
func NewArguments(items ...Argument) (Arguments, error) {
	args := Arguments{}
	for _, item := range items {
		key := strings.TrimSpace(item.Key)
		if key == "" {
			return Arguments{}, fmt.Errorf("argument key is required")
		}
		norm := strings.ToLower(key)
		if _, ok := args.index[norm]; ok {
			return Arguments{}, fmt.Errorf("duplicate argument %q", key)
		}
		if args.index == nil {
			args.index = make(map[string]int, len(items))
		}
		args.index[norm] = len(args.items)
		args.items = append(args.items, Argument{Key: key, Value: item.Value})
	}
	return args, nil
}

// ParseArguments reads command line tokens of the form key=value or
// -key:value. A bare token is a key with an empty value.
func ParseArguments(tokens []string) (Arguments, error) {
	items := make([]Argument, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		var key, value string
		switch {
		case strings.HasPrefix(tok, "-"):
			key, value, _ = strings.Cut(strings.TrimLeft(tok, "-"), ":")
		default:
			key, value, _ = strings.Cut(tok, "=")
		}
		items = append(items, Argument{Key: key, Value: value})
	}
	return NewArguments(items...)
}

func (a Arguments) Len() int { return len(a.items) }

// Lookup returns the value for key, ignoring case.
func (a Arguments) Lookup(key string) (string, bool) {
	i, ok := a.index[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return "", false
	}
	return a.items[i].Value, true
}

// Get returns the value for key or an empty string.
func (a Arguments) Get(key string) string {
	v, _ := a.Lookup(key)
	return v
}

func (a Arguments) Has(key string) bool {
	_, ok := a.Lookup(key)
	return ok
}

func (a Arguments) Keys() []string {
	keys := make([]string, len(a.items))
	for i, item := range a.items {
		keys[i] = item.Key
	}
	return keys
}

func (a Arguments) All() []Argument {
	return append([]Argument(nil), a.items...)
}

func (a Arguments) String() string {
	parts := make([]string, len(a.items))
	for i, item := range a.items {
		parts[i] = item.Key + "=" + item.Value
	}
	return strings.Join(parts, " ")
}
