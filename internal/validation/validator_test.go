// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package validation

import (
	"errors"
	"strings"
	"testing"
)

type sample struct {
	Name   string `validate:"required"`
	Mode   string `validate:"omitempty,oneof=json console"`
	Listen string `validate:"omitempty,hostname_port"`
	Window []int  `validate:"omitempty,len=2"`
}

func TestValidateStructPasses(t *testing.T) {
	s := sample{Name: "persolog", Mode: "json", Listen: ":9477", Window: []int{-7, -30}}
	if err := ValidateStruct(&s); err != nil {
		t.Fatalf("expected valid struct, got %v", err)
	}
}

func TestValidateStructRequired(t *testing.T) {
	err := ValidateStruct(&sample{})
	if err == nil {
		t.Fatal("expected error for missing Name")
	}

	var verrs Errors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation.Errors, got %T", err)
	}
	if len(verrs) != 1 {
		t.Fatalf("expected 1 field error, got %d", len(verrs))
	}
	if verrs[0].Field != "Name" || verrs[0].Tag != "required" {
		t.Errorf("unexpected field error: %+v", verrs[0])
	}
	if got := verrs[0].Message; got != "Name is required" {
		t.Errorf("message = %q", got)
	}
}

func TestValidateStructTranslations(t *testing.T) {
	tests := []struct {
		name string
		in   sample
		want string
	}{
		{"oneof", sample{Name: "x", Mode: "xml"}, "Mode must be one of: json console"},
		{"hostname_port", sample{Name: "x", Listen: "not an address"}, "Listen must be a host:port address"},
		{"len", sample{Name: "x", Window: []int{-7}}, "Window must have exactly 2 elements"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.in)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestErrorsJoinsMessages(t *testing.T) {
	err := ValidateStruct(&sample{Mode: "xml"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "Name is required") || !strings.Contains(msg, "Mode must be one of") {
		t.Errorf("combined message missing parts: %q", msg)
	}
	if !strings.Contains(msg, "; ") {
		t.Errorf("expected messages joined with separator, got %q", msg)
	}
}
