package store

import "testing"

func TestJoinSplit(t *testing.T) {
	if got := Join("calls", "u1", "c1"); got != "calls/u1/c1" {
		t.Fatalf("join: %q", got)
	}
	parts := Split("/calls/u1/c1/")
	if len(parts) != 3 || parts[0] != "calls" || parts[2] != "c1" {
		t.Fatalf("split: %v", parts)
	}
	if Split("") != nil {
		t.Fatal("empty path should split to nil")
	}
}

func TestNormalizeStructsToMaps(t *testing.T) {
	type rec struct {
		From string `json:"from"`
		TS   int64  `json:"ts"`
	}
	v, err := Normalize(rec{From: "u1", TS: 42})
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.(map[string]Value)
	if !ok {
		t.Fatalf("expected map, got %T", v)
	}
	if m["from"] != "u1" || m["ts"] != float64(42) {
		t.Fatalf("normalize lost fields: %v", m)
	}

	var out rec
	if err := Decode(v, &out); err != nil {
		t.Fatal(err)
	}
	if out.From != "u1" || out.TS != 42 {
		t.Fatalf("decode mismatch: %+v", out)
	}
}

func TestAsInt64(t *testing.T) {
	cases := []struct {
		in   Value
		want int64
	}{
		{nil, 0},
		{float64(7), 7},
		{int64(7), 7},
		{int(7), 7},
		{"7", 0},
	}
	for _, c := range cases {
		if got := AsInt64(c.in); got != c.want {
			t.Fatalf("AsInt64(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}
