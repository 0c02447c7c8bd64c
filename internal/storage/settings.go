package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// DefaultNamespace scopes the keys autocal persists.
const DefaultNamespace = "AutoCalibrate"

// Kind is the primitive type a setting is stored as.
type Kind string

const (
	KindString Kind = "string"
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
)

// Settings is a namespaced key/value store of primitive values.
type Settings struct {
	store     *Store
	namespace string
}

// Settings returns the settings view for namespace.
func (s *Store) Settings(namespace string) *Settings {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Settings{store: s, namespace: namespace}
}

// Read returns the value stored under key decoded as kind. ok is false when
// the key is absent or was written with a different kind.
func (st *Settings) Read(key string, kind Kind) (value any, ok bool, err error) {
	if st == nil || st.store == nil {
		return nil, false, nil
	}
	var storedKind, raw string
	err = st.store.DB.QueryRow(`SELECT type, value FROM settings WHERE namespace=? AND key=?;`, st.namespace, key).Scan(&storedKind, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if Kind(storedKind) != kind {
		return nil, false, nil
	}
	v, err := decode(kind, raw)
	if err != nil {
		return nil, false, fmt.Errorf("setting %s/%s: %w", st.namespace, key, err)
	}
	return v, true, nil
}

// Write stores value under key. value must match kind.
func (st *Settings) Write(key string, kind Kind, value any) error {
	if st == nil || st.store == nil {
		return nil
	}
	raw, err := encode(kind, value)
	if err != nil {
		return fmt.Errorf("setting %s/%s: %w", st.namespace, key, err)
	}
	_, err = st.store.DB.Exec(`INSERT OR REPLACE INTO settings (namespace, key, type, value) VALUES (?, ?, ?, ?);`,
		st.namespace, key, string(kind), raw)
	return err
}

// Delete removes key.
func (st *Settings) Delete(key string) error {
	if st == nil || st.store == nil {
		return nil
	}
	_, err := st.store.DB.Exec(`DELETE FROM settings WHERE namespace=? AND key=?;`, st.namespace, key)
	return err
}

// Entry is one stored setting.
type Entry struct {
	Key   string
	Kind  Kind
	Value string
}

// List returns every setting in the namespace, sorted by key.
func (st *Settings) List() ([]Entry, error) {
	if st == nil || st.store == nil {
		return nil, nil
	}
	rows, err := st.store.DB.Query(`SELECT key, type, value FROM settings WHERE namespace=? ORDER BY key;`, st.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.Key, &kind, &e.Value); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// String reads a string setting, returning def when unset.
func (st *Settings) String(key, def string) string {
	if v, ok, err := st.Read(key, KindString); err == nil && ok {
		return v.(string)
	}
	return def
}

// Bool reads a bool setting, returning def when unset.
func (st *Settings) Bool(key string, def bool) bool {
	if v, ok, err := st.Read(key, KindBool); err == nil && ok {
		return v.(bool)
	}
	return def
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindString, KindBool, KindInt, KindFloat:
		return k, nil
	}
	return "", fmt.Errorf("unknown setting type %q", s)
}

// ParseValue converts command-line text to a value of kind.
func ParseValue(kind Kind, s string) (any, error) { return decode(kind, s) }

func encode(kind Kind, value any) (string, error) {
	switch kind {
	case KindString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case KindBool:
		if v, ok := value.(bool); ok {
			return strconv.FormatBool(v), nil
		}
	case KindInt:
		switch v := value.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		}
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
		}
	default:
		return "", fmt.Errorf("unknown setting type %q", kind)
	}
	return "", fmt.Errorf("value %v (%T) is not a %s", value, value, kind)
}

func decode(kind Kind, raw string) (any, error) {
	switch kind {
	case KindString:
		return raw, nil
	case KindBool:
		return strconv.ParseBool(raw)
	case KindInt:
		return strconv.Atoi(raw)
	case KindFloat:
		return strconv.ParseFloat(raw, 64)
	}
	return nil, fmt.Errorf("unknown setting type %q", kind)
}
