package llmproxy

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// tokenAccumulator implements the Stream Tee's inline token-accounting rules
// (spec.md §4.3): metadata.usage.total_tokens overrides usage.total_tokens,
// which overrides an accumulated prompt_eval_count+eval_count sum. It also
// retains the raw bytes seen so the tolerant byte-scan fallback (§4.6) can
// run over the whole stream if nothing was recognized structurally.
type tokenAccumulator struct {
	finalTokens int64
	finalSet    bool
	running     int64
	raw         bytes.Buffer
}

func newTokenAccumulator() *tokenAccumulator {
	return &tokenAccumulator{}
}

// ingestLine processes one newline-delimited line of the upstream stream.
// Lines not prefixed with "data: " are ignored, matching the original
// protocol's comment/keepalive lines.
func (a *tokenAccumulator) ingestLine(line []byte) {
	a.raw.Write(line)
	a.raw.WriteByte('\n')

	trimmed, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data: "))
	if !ok {
		return
	}

	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		if v, ok := byteScanTokens(trimmed); ok {
			a.finalTokens = v
			a.finalSet = true
		}
		return
	}

	if v, ok := digNestedInt(obj, "metadata", "usage", "total_tokens"); ok {
		a.finalTokens = v
		a.finalSet = true
		return
	}
	if v, ok := digNestedInt(obj, "usage", "total_tokens"); ok {
		a.finalTokens = v
		a.finalSet = true
		return
	}
	pe, okPE := digTopInt(obj, "prompt_eval_count")
	ec, okEC := digTopInt(obj, "eval_count")
	if okPE && okEC {
		a.running += pe + ec
	}
}

// result returns finalTokens if a terminal usage object was ever seen,
// otherwise the accumulated prompt_eval_count+eval_count running sum.
func (a *tokenAccumulator) result() int64 {
	if a.finalSet {
		return a.finalTokens
	}
	return a.running
}

// byteScanFallback runs the tolerant byte-scan (§4.6) over every byte seen
// across the stream. Only called when result() == 0.
func (a *tokenAccumulator) byteScanFallback() int64 {
	if v, ok := byteScanTokens(a.raw.Bytes()); ok {
		return v
	}
	return 0
}

// extractUnaryTokens applies the same priority rules to a single, complete
// unary response body: structured parse first, byte-scan fallback if parsing
// fails or yields nothing.
func extractUnaryTokens(raw []byte) int64 {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if v, ok := digNestedInt(obj, "metadata", "usage", "total_tokens"); ok {
			return v
		}
		if v, ok := digNestedInt(obj, "usage", "total_tokens"); ok {
			return v
		}
		pe, okPE := digTopInt(obj, "prompt_eval_count")
		ec, okEC := digTopInt(obj, "eval_count")
		if okPE && okEC {
			return pe + ec
		}
	}
	if v, ok := byteScanTokens(raw); ok {
		return v
	}
	return 0
}

func digNestedInt(obj map[string]any, keys ...string) (int64, bool) {
	var cur any = obj
	for i, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		v, ok := m[k]
		if !ok {
			return 0, false
		}
		if i == len(keys)-1 {
			return toInt64(v)
		}
		cur = v
	}
	return 0, false
}

func digTopInt(obj map[string]any, key string) (int64, bool) {
	v, ok := obj[key]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// byteScanTokens is the tolerant fallback of spec.md §4.6. It never errors —
// failures silently yield (0, false) and the caller treats that as tokenCount
// 0. total_tokens (whether nested under metadata.usage or usage) is searched
// for textually rather than structurally, since this path only runs once
// structured JSON parsing has failed or found no token count.
func byteScanTokens(buf []byte) (int64, bool) {
	if v, ok := extractIntAfterKey(buf, `"total_tokens":`); ok {
		return v, true
	}
	pe, okPE := extractIntAfterKey(buf, `"prompt_eval_count":`)
	ec, okEC := extractIntAfterKey(buf, `"eval_count":`)
	if okPE && okEC {
		return pe + ec, true
	}
	return 0, false
}

func extractIntAfterKey(buf []byte, key string) (int64, bool) {
	idx := bytes.Index(buf, []byte(key))
	if idx < 0 {
		return 0, false
	}
	rest := buf[idx+len(key):]
	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
		i++
	}
	start := i
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == start {
		return 0, false
	}
	v, err := strconv.ParseInt(string(rest[start:i]), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
