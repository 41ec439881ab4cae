package pipeline

import "testing"

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`, true},
		{"prose wrapped", `Sure, here it is: {"a": 1}. Hope that helps!`, `{"a": 1}`, true},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`, true},
		{"tilde fenced", "~~~\n[1, 2, 3]\n~~~", `[1, 2, 3]`, true},
		{"braces inside strings", `{"text": "use } carefully"}`, `{"text": "use } carefully"}`, true},
		{"escaped quotes", `{"text": "she said \"go\""}`, `{"text": "she said \"go\""}`, true},
		{"nested", `{"a": {"b": [1, {"c": 2}]}}`, `{"a": {"b": [1, {"c": 2}]}}`, true},
		{"unbalanced", `{"a": 1`, "", false},
		{"no json", "I cannot answer that.", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractFirstJSON(tc.in)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
