package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// LoopClassification is the repetition verdict the executor attaches to a
// tool call within one inbound-message turn (§4.5).
type LoopClassification int

const (
	LoopNone LoopClassification = iota
	LoopWarning
	LoopCritical
	LoopCircuitBreaker
)

func (c LoopClassification) String() string {
	switch c {
	case LoopWarning:
		return "warning"
	case LoopCritical:
		return "critical"
	case LoopCircuitBreaker:
		return "circuit_breaker"
	default:
		return "none"
	}
}

// callRecord is one observed (name, args, result) triple.
type callRecord struct {
	argsHash   string
	resultHash string
}

// LoopDetector tracks the recent sequence of (tool_name, arguments_hash,
// result_hash) triples for a single inbound-message turn. It is not a
// process-wide singleton: the pipeline constructs one per turn so reset
// semantics fall out naturally (§9).
type LoopDetector struct {
	calls map[string][]callRecord
}

// NewLoopDetector creates a detector scoped to one turn.
func NewLoopDetector() *LoopDetector {
	return &LoopDetector{calls: make(map[string][]callRecord)}
}

func hashArgs(args map[string]interface{}) string {
	// Stable hash: args is re-marshaled with sorted keys via a map copy into
	// an ordered slice, since encoding/json does not guarantee key order
	// across Go versions for map types in all edge cases historically, and
	// we want a reproducible fingerprint regardless.
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, args[k])
	}
	b, _ := json.Marshal(ordered)
	return hashBytes(b)
}

func hashResult(result string) string {
	return hashBytes([]byte(result))
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Observe records one completed tool call and returns its classification.
// Thresholds per §4.5: Warning at 2 occurrences with differing results,
// Critical at >=3 with identical results, CircuitBreaker at >=5.
func (d *LoopDetector) Observe(name string, args map[string]interface{}, result string) LoopClassification {
	rec := callRecord{argsHash: hashArgs(args), resultHash: hashResult(result)}
	key := name + ":" + rec.argsHash
	history := append(d.calls[key], rec)
	d.calls[key] = history

	n := len(history)
	if n < 2 {
		return LoopNone
	}

	sameResult := true
	for _, h := range history {
		if h.resultHash != rec.resultHash {
			sameResult = false
			break
		}
	}

	switch {
	case n >= 5:
		return LoopCircuitBreaker
	case n >= 3 && sameResult:
		return LoopCritical
	case n >= 2 && !sameResult:
		return LoopWarning
	default:
		return LoopNone
	}
}
