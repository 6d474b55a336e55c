package config_test

import (
	"strings"
	"testing"

	"github.com/voxgate/voxgate/internal/config"
)

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error(`ValidProviderNames["llm"] should contain "openai"`)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/path/voxgate.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8443"
not_a_real_field: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected strict-decode error for unknown field")
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ""
  log_level: bogus
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "listen_addr") {
		t.Errorf("error should mention listen_addr, got: %v", err)
	}
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}
