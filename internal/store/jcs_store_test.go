package store_test

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

// jcsMarshal is a minimal reference canonicalizer (sorted object keys,
// compact output) used by the field-order test below; it is not
// compared against store.go's jcsPayload.
func jcsMarshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tmp any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&tmp); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jcsWrite(&buf, tmp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func jcsWrite(w *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		w.WriteString("null")
	case bool:
		if x {
			w.WriteString("true")
		} else {
			w.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(x)
		w.Write(b)
	case json.Number:
		w.WriteString(x.String())
	case []any:
		w.WriteByte('[')
		for i := range x {
			if i > 0 {
				w.WriteByte(',')
			}
			if err := jcsWrite(w, x[i]); err != nil {
				return err
			}
		}
		w.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				w.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			w.Write(kb)
			w.WriteByte(':')
			if err := jcsWrite(w, x[k]); err != nil {
				return err
			}
		}
		w.WriteByte('}')
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		var tmp any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return err
		}
		return jcsWrite(w, tmp)
	}
	return nil
}

func mustJCS(t *testing.T, v any) []byte {
	t.Helper()
	b, err := jcsMarshal(v)
	if err != nil {
		t.Fatalf("jcs marshal: %v", err)
	}
	if len(b) == 0 || string(b) == "null" {
		t.Fatalf("jcs marshal produced empty/null output")
	}
	return b
}

// hasColumn is a small schema-introspection helper tests use to assert
// a migration actually created the columns a store method depends on.
func hasColumn(ctx context.Context, pool *pgxpool.Pool, table, column string) (bool, error) {
	var ok bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.columns
			WHERE table_schema = current_schema()
			  AND table_name = $1
			  AND column_name = $2
		)
	`, table, column).Scan(&ok)
	return ok, err
}

func TestJCSCanonicalizationIsFieldOrderIndependent(t *testing.T) {
	type shape struct {
		B string `json:"b"`
		A int    `json:"a"`
	}
	a := mustJCS(t, shape{B: "x", A: 1})
	b := mustJCS(t, map[string]any{"a": json.Number(strconv.Itoa(1)), "b": "x"})
	if string(a) != string(b) {
		t.Fatalf("canonical forms diverged: %q vs %q", a, b)
	}
}

func TestMigrateCreatesExpectedColumns(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct{ table, column string }{
		{"event_log", "prev_hash"},
		{"event_log", "hash"},
		{"bookings", "fingerprint"},
		{"bookings", "state"},
		{"memory_rules", "half_life_days"},
	} {
		ok, err := hasColumn(ctx, pool, tc.table, tc.column)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("expected column %s.%s after migration", tc.table, tc.column)
		}
	}
}
