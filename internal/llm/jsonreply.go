package llm

import (
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// JSONObject pulls the outermost JSON object out of a model reply. Replies
// are often wrapped in prose or a Markdown code fence and are sometimes
// truncated or slightly malformed, so the located text is repaired before it
// is returned. ok is false when the reply contains no object at all.
func JSONObject(reply string) (obj string, ok bool) {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := strings.TrimPrefix(s[i+3:], "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		if strings.IndexByte(rest, '{') >= 0 {
			s = rest
		}
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	obj = s[start:]
	if end := strings.LastIndexByte(obj, '}'); end >= 0 {
		obj = obj[:end+1]
	}
	if repaired, err := jsonrepair.JSONRepair(obj); err == nil {
		obj = repaired
	}
	return obj, true
}
