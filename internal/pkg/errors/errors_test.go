package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeValidation, "invalid input"),
			want: "VALIDATION_ERROR: invalid input",
		},
		{
			name: "with wrapped error",
			err:  Wrap(CodeInternal, "something failed", errors.New("underlying")),
			want: "INTERNAL_ERROR: something failed: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeInternal, "wrapped", underlying)

	if unwrapped := err.Unwrap(); unwrapped != underlying {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlying)
	}
}

func TestAppError_ExitCode(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeValidation, 2},
		{CodeNotFound, 2},
		{CodeMalformedTemp, 2},
		{CodeVocabMismatch, 3},
		{CodeTemplateShape, 3},
		{CodeModelError, 4},
		{CodeUnavailable, 4},
		{CodeTimeout, 4},
		{CodeInternal, 1},
		{CodeConflict, 1},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := New(tt.code, "test").ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", got)
	}
	if got := ExitCode(errors.New("plain")); got != 1 {
		t.Errorf("ExitCode(plain) = %d, want 1", got)
	}
	wrapped := fmt.Errorf("batch 3: %w", VocabularyMismatchError("paris", "not in vocab subset"))
	if got := ExitCode(wrapped); got != 3 {
		t.Errorf("ExitCode(wrapped) = %d, want 3", got)
	}
}

func TestAppError_WithDetail(t *testing.T) {
	err := New(CodeValidation, "invalid").
		WithDetail("field", "name").
		WithDetail("reason", "required")

	if err.Details["field"] != "name" {
		t.Errorf("Details[field] = %s, want name", err.Details["field"])
	}

	if err.Details["reason"] != "required" {
		t.Errorf("Details[reason] = %s, want required", err.Details["reason"])
	}
}

func TestDomainConstructors(t *testing.T) {
	t.Run("VocabularyMismatchError", func(t *testing.T) {
		err := VocabularyMismatchError("France", "is not in model vocabulary")
		if err.Code != CodeVocabMismatch {
			t.Errorf("Code = %s, want %s", err.Code, CodeVocabMismatch)
		}
		if err.Details["object"] != "France" {
			t.Errorf("Details[object] = %q, want France", err.Details["object"])
		}
	})

	t.Run("TemplateShapeError", func(t *testing.T) {
		err := TemplateShapeError("rank 4")
		if err.Code != CodeTemplateShape {
			t.Errorf("Code = %s, want %s", err.Code, CodeTemplateShape)
		}
	})

	t.Run("MalformedTemplateError", func(t *testing.T) {
		err := MalformedTemplateError("[X] is", "missing [Y]")
		if err.Code != CodeMalformedTemp {
			t.Errorf("Code = %s, want %s", err.Code, CodeMalformedTemp)
		}
		if err.Details["template"] != "[X] is" {
			t.Errorf("Details[template] = %q", err.Details["template"])
		}
	})

	t.Run("ModelError", func(t *testing.T) {
		underlying := errors.New("connection refused")
		err := ModelError("generate failed", underlying)
		if err.Code != CodeModelError {
			t.Errorf("Code = %s, want %s", err.Code, CodeModelError)
		}
		if err.Unwrap() != underlying {
			t.Error("Underlying error not preserved")
		}
	})
}

func TestIsCode(t *testing.T) {
	shape := TemplateShapeError("rank 1")
	wrapped := fmt.Errorf("merge: %w", shape)

	if !IsCode(wrapped, CodeTemplateShape) {
		t.Error("IsCode(wrapped, TEMPLATE_SHAPE) = false, want true")
	}
	if IsCode(wrapped, CodeVocabMismatch) {
		t.Error("IsCode(wrapped, VOCABULARY_MISMATCH) = true, want false")
	}
	if IsCode(errors.New("standard error"), CodeTemplateShape) {
		t.Error("IsCode(standard error) = true, want false")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NotFoundError("relation P19")) {
		t.Error("IsNotFound(NotFoundError) = false, want true")
	}
	if IsNotFound(ValidationError("test")) {
		t.Error("IsNotFound(ValidationError) = true, want false")
	}
}

func TestIsValidation(t *testing.T) {
	if !IsValidation(ValidationError("test")) {
		t.Error("IsValidation(ValidationError) = false, want true")
	}
	if IsValidation(NotFoundError("test")) {
		t.Error("IsValidation(NotFoundError) = true, want false")
	}
}
