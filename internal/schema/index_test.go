package schema

import "testing"

func loadTestIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	if err := idx.Load("testdata/payloads.yaml"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func TestIndex_Load(t *testing.T) {
	idx := loadTestIndex(t)

	types := idx.WorkerTypes()
	if len(types) != 3 {
		t.Fatalf("WorkerTypes = %v, want 3 entries", types)
	}
	if types[0] != "latex" || types[1] != "llm" || types[2] != "resume" {
		t.Errorf("WorkerTypes = %v, want sorted [latex llm resume]", types)
	}
	if !idx.Has("latex") {
		t.Error("Has(latex) = false")
	}
	if idx.Has("assistant") {
		t.Error("Has(assistant) = true, want false")
	}
}

func TestIndex_Load_missing_file(t *testing.T) {
	idx := NewIndex()
	if err := idx.Load("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestIndex_ValidatePayload_valid(t *testing.T) {
	idx := loadTestIndex(t)

	errs := idx.ValidatePayload("latex", map[string]any{
		"document": "\\documentclass{article}",
		"format":   "pdf",
	})
	if len(errs) != 0 {
		t.Errorf("ValidatePayload = %v, want none", errs)
	}
}

func TestIndex_ValidatePayload_missing_required(t *testing.T) {
	idx := loadTestIndex(t)

	errs := idx.ValidatePayload("latex", map[string]any{"document": "x"})
	if len(errs) != 1 {
		t.Fatalf("ValidatePayload = %v, want one error", errs)
	}
	if errs[0].Field != "format" {
		t.Errorf("Field = %q, want format", errs[0].Field)
	}
}

func TestIndex_ValidatePayload_unconstrained_type(t *testing.T) {
	idx := loadTestIndex(t)

	errs := idx.ValidatePayload("assistant", map[string]any{})
	if len(errs) != 0 {
		t.Errorf("types without a schema must be unconstrained, got %v", errs)
	}
}

func TestIndex_ValidatePayload_no_required_fields(t *testing.T) {
	idx := loadTestIndex(t)

	errs := idx.ValidatePayload("llm", map[string]any{})
	if len(errs) != 0 {
		t.Errorf("llm schema has no required fields, got %v", errs)
	}
}
