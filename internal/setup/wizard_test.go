package setup

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testOpts(configPath string) WizardOptions {
	return WizardOptions{
		ConfigPath: configPath,
		GenToken:   func() string { return "tok-test-fixed" },
	}
}

func TestPrompt_WithInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("custom-value\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default")
	if result != "custom-value" {
		t.Errorf("prompt() = %q, want %q", result, "custom-value")
	}
	if !strings.Contains(out.String(), "Enter value: ") {
		t.Error("prompt should print the message to out")
	}
}

func TestPrompt_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default-val")
	if result != "default-val" {
		t.Errorf("prompt() = %q, want %q", result, "default-val")
	}
}

func TestPrompt_EOF(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "fallback")
	if result != "fallback" {
		t.Errorf("prompt() = %q, want %q on EOF", result, "fallback")
	}
}

func TestGenerateConfig(t *testing.T) {
	content := generateConfig("0.0.0.0", "8765", "9000", "9100", "127.0.0.1:8766", "tok-abc", "")
	if !strings.Contains(content, `ws_port: 8765`) {
		t.Error("config should contain ws_port")
	}
	if !strings.Contains(content, `token: "tok-abc"`) {
		t.Error("config should contain the minted token")
	}
	if !strings.Contains(content, `auth_token: ""`) {
		t.Error("config should contain empty admin auth_token")
	}
}

func TestGenerateConfig_WithAdminToken(t *testing.T) {
	content := generateConfig("0.0.0.0", "8765", "9000", "9100", "127.0.0.1:8766", "tok-abc", "adminsecret")
	if !strings.Contains(content, `auth_token: "adminsecret"`) {
		t.Error("config should contain the admin auth token")
	}
}

func TestRunWizard_WritesValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	// Accept every default by answering blank to every prompt.
	in := strings.NewReader(strings.Repeat("\n", 10))
	var out bytes.Buffer

	if err := RunWizard(in, &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(data), "tok-test-fixed") {
		t.Error("written config should contain the generated token")
	}
	if !strings.Contains(out.String(), "Setup complete!") {
		t.Error("wizard should print a completion summary")
	}
}

func TestRunWizard_DeclinesOverwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("existing: true\n"), 0640); err != nil {
		t.Fatal(err)
	}

	// Answer blank to every port prompt, then "n" to the overwrite prompt.
	in := strings.NewReader("\n\n\n\n\nn\n")
	var out bytes.Buffer

	if err := RunWizard(in, &out, testOpts(configPath)); err != nil {
		t.Fatalf("RunWizard: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "existing: true\n" {
		t.Error("existing config should not be overwritten when declined")
	}
	if !strings.Contains(out.String(), "Setup cancelled.") {
		t.Error("wizard should print a cancellation message")
	}
}
