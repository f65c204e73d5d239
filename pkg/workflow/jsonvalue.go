package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// resolveFieldPath walks a dotted path (e.g. "customer.address.city" or
// "items.0.sku") over a decoded JSON value and returns the value found
// there, or false if the path does not resolve. This is the interpreter's
// only means of reaching into step payloads: no JSON schema or query
// library is imported, only map/slice/primitive traversal.
func resolveFieldPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	current := root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = value
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// valuesEqual reports deep equality between two decoded JSON values,
// normalizing numeric representations (a plain Go literal compared against
// a json.Unmarshal-produced float64 would otherwise never match).
func valuesEqual(a, b any) bool {
	na, aIsNumber := normalizeNumber(a)
	nb, bIsNumber := normalizeNumber(b)
	if aIsNumber && bIsNumber {
		return na == nb
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !valuesEqual(v, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// normalizeNumber coerces any Go numeric kind to float64 so values decoded
// from JSON (always float64) compare equal to literals built in Go code
// (int, int64, float64, ...).
func normalizeNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// evaluateCondition applies a condition step's operator to the value found
// at field_path within payload, against the step's configured Value. A path
// that does not resolve is treated as JSON null, so Exists is false both
// for a missing key and for an explicit null, and Equals/NotEquals compare
// against null.
func evaluateCondition(payload JSONObject, step WorkflowStep) (bool, error) {
	found, ok := resolveFieldPath(any(payload), step.FieldPath)
	if !ok {
		found = nil
	}
	switch step.Operator {
	case OperatorExists:
		return found != nil, nil
	case OperatorEquals:
		return valuesEqual(found, step.Value), nil
	case OperatorNotEquals:
		return !valuesEqual(found, step.Value), nil
	default:
		return false, fmt.Errorf("unsupported condition operator: %s", step.Operator)
	}
}

// formatStatsKey renders a stable cache key for a queue-stats query,
// encoding the active window and, when present, the partition shard.
func formatStatsKey(activeWindowSeconds uint32, partition *ClaimPartition) string {
	if partition == nil {
		return fmt.Sprintf("window=%d;partition=none", activeWindowSeconds)
	}
	return fmt.Sprintf("window=%d;partition=%d/%d", activeWindowSeconds, partition.Index, partition.Count)
}
