package workflow

import "testing"

func TestResolveFieldPath(t *testing.T) {
	payload := JSONObject{
		"customer": map[string]any{
			"address": map[string]any{"city": "Berlin"},
		},
		"items": []any{
			map[string]any{"sku": "A1"},
			map[string]any{"sku": "B2"},
		},
	}

	t.Run("nested object", func(t *testing.T) {
		v, ok := resolveFieldPath(any(payload), "customer.address.city")
		if !ok || v != "Berlin" {
			t.Fatalf("expected Berlin, got %v (ok=%v)", v, ok)
		}
	})

	t.Run("array index", func(t *testing.T) {
		v, ok := resolveFieldPath(any(payload), "items.1.sku")
		if !ok || v != "B2" {
			t.Fatalf("expected B2, got %v (ok=%v)", v, ok)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		_, ok := resolveFieldPath(any(payload), "customer.address.country")
		if ok {
			t.Fatal("expected missing path to resolve false")
		}
	})

	t.Run("out of range index", func(t *testing.T) {
		_, ok := resolveFieldPath(any(payload), "items.5.sku")
		if ok {
			t.Fatal("expected out-of-range index to resolve false")
		}
	})
}

func TestValuesEqualNormalizesNumbers(t *testing.T) {
	if !valuesEqual(3, float64(3)) {
		t.Fatal("expected int and float64 3 to compare equal")
	}
	if !valuesEqual(int64(42), float32(42)) {
		t.Fatal("expected int64 and float32 42 to compare equal")
	}
	if valuesEqual(3, 4) {
		t.Fatal("expected 3 != 4")
	}
}

func TestValuesEqualNested(t *testing.T) {
	a := map[string]any{"x": []any{1, 2, float64(3)}}
	b := map[string]any{"x": []any{float64(1), float64(2), 3}}
	if !valuesEqual(a, b) {
		t.Fatal("expected deeply nested numeric-normalized structures to compare equal")
	}
}

func TestEvaluateConditionOperators(t *testing.T) {
	payload := JSONObject{"status": "approved", "count": float64(2)}

	equals := WorkflowStep{Kind: StepCondition, FieldPath: "status", Operator: OperatorEquals, Value: "approved"}
	matched, err := evaluateCondition(payload, equals)
	if err != nil || !matched {
		t.Fatalf("expected equals match, got %v err=%v", matched, err)
	}

	notEquals := WorkflowStep{Kind: StepCondition, FieldPath: "status", Operator: OperatorNotEquals, Value: "rejected"}
	matched, err = evaluateCondition(payload, notEquals)
	if err != nil || !matched {
		t.Fatalf("expected not_equals match, got %v err=%v", matched, err)
	}

	exists := WorkflowStep{Kind: StepCondition, FieldPath: "missing_field", Operator: OperatorExists}
	matched, err = evaluateCondition(payload, exists)
	if err != nil || matched {
		t.Fatalf("expected exists=false for missing field, got %v err=%v", matched, err)
	}
}
