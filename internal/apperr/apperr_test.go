package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestConfigurationClassification(t *testing.T) {
	base := errors.New("duplicate")
	err := fmt.Errorf("register: %w", Configuration(base))
	if !IsConfiguration(err) {
		t.Fatalf("expected configuration class")
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error lost")
	}
	if IsConfiguration(base) {
		t.Fatalf("plain error misclassified")
	}
	if Configuration(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if !IsConfiguration(Configf("bad %d", 1)) {
		t.Fatalf("Configf not classified")
	}
}

func TestExternalClassification(t *testing.T) {
	err := External("github search", errors.New("502"))
	if !IsExternal(fmt.Errorf("x: %w", err)) {
		t.Fatalf("expected external class")
	}
	if got := err.Error(); got != "external call github search: 502" {
		t.Fatalf("message=%q", got)
	}
	if IsConfiguration(err) {
		t.Fatalf("external misclassified")
	}
}
