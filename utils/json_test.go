package utils

import (
	"errors"
	"testing"
)

func TestDecodeJSONObject(t *testing.T) {
	obj, err := DecodeJSONObject([]byte(`{"product_id":3}`))
	if err != nil || obj["product_id"] != float64(3) {
		t.Fatalf("unexpected decode %v %v", obj, err)
	}
	if obj, err := DecodeJSONObject(nil); err != nil || obj != nil {
		t.Fatalf("expected nil map for empty input, got %v %v", obj, err)
	}
	if obj, err := DecodeJSONObject([]byte("null")); err != nil || obj != nil {
		t.Fatalf("expected nil map for null, got %v %v", obj, err)
	}
	if _, err := DecodeJSONObject([]byte(`[1,2]`)); !errors.Is(err, ErrorNotJSONObject) {
		t.Fatalf("expected not-an-object error, got %v", err)
	}
	if _, err := DecodeJSONObject([]byte(`{`)); err == nil {
		t.Fatalf("expected syntax error")
	}
}
