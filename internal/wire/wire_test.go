package wire

import (
	"errors"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	data, err := Marshal(payload{Name: "x", Count: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"__VERSION__":"`+Version+`"`) {
		t.Fatalf("envelope missing version: %s", data)
	}

	var got payload
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "x" || got.Count != 3 {
		t.Fatalf("round trip produced %+v", got)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	var v struct{}
	cases := []struct {
		name string
		data string
		want error
	}{
		{"garbage", `not json`, ErrFormat},
		{"no envelope", `{}`, ErrFormat},
		{"missing data", `{"__VERSION__":"v1"}`, ErrFormat},
		{"missing version", `{"data":{}}`, ErrFormat},
		{"old version", `{"__VERSION__":"v0","data":{}}`, ErrVersion},
		{"future version", `{"__VERSION__":"v2","data":{}}`, ErrVersion},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if err := Unmarshal([]byte(tt.data), &v); !errors.Is(err, tt.want) {
				t.Fatalf("error %v, want %v", err, tt.want)
			}
		})
	}

	var n int
	if err := Unmarshal([]byte(`{"__VERSION__":"v1","data":"s"}`), &n); !errors.Is(err, ErrFormat) {
		t.Fatalf("mismatched data type: %v", err)
	}
}
