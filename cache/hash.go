package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HashParameters produces a content hash of a parameter map that depends
// only on the map's contents: keys are canonicalized into a stable order
// before hashing, so {a:1,b:2} and {b:2,a:1} collide on purpose.
func HashParameters(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(canonicalValue(params[key]))
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum)
}

// CacheKey derives the redundancy cache key for one call triple.
func CacheKey(sessionID, toolName string, params map[string]interface{}) string {
	return sessionID + ":" + toolName + ":" + HashParameters(params)
}

// canonicalValue renders one parameter value deterministically.
// encoding/json sorts nested map keys, which keeps nested objects stable;
// values that refuse to marshal fall back to their fmt representation so
// hashing never fails and dedup never false-negatives on odd payloads.
func canonicalValue(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
