package llm

import (
	"encoding/json"
	"testing"
)

func TestJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		ok    bool
		key   string
	}{
		{"bare", `{"a":1}`, true, "a"},
		{"prose around", "结果如下：{\"a\":1}。希望有帮助", true, "a"},
		{"fenced", "```json\n{\"a\":1}\n```", true, "a"},
		{"trailing comma", `{"a":[1,2,],}`, true, "a"},
		{"truncated", `{"a":"unfinished`, true, "a"},
		{"no object", "没有 JSON", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, ok := JSONObject(tt.reply)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			var m map[string]any
			if err := json.Unmarshal([]byte(obj), &m); err != nil {
				t.Fatalf("not valid JSON after repair: %q: %v", obj, err)
			}
			if _, found := m[tt.key]; !found {
				t.Errorf("key %q missing in %q", tt.key, obj)
			}
		})
	}
}
