package codegen

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rhuss/sandboxd/pkg/codegen/samples"
	"github.com/rhuss/sandboxd/pkg/provider"
)

func tool(name string) provider.ToolSchema {
	return provider.ToolSchema{
		Name:        name,
		Description: "adds two numbers",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"a": {"type": "integer", "description": "first operand"},
				"b": {"type": "integer", "description": "second operand"},
				"label": {"type": "string", "enum": ["sum", "diff"]}
			},
			"required": ["a", "b"]
		}`),
	}
}

func TestGenerateProviderIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	tools := []provider.ToolSchema{tool("add_numbers")}

	first, err := GenerateProvider(context.Background(), dir, "calc", tools, nil)
	if err != nil {
		t.Fatalf("GenerateProvider: %v", err)
	}
	contentFirst, err := os.ReadFile(filepath.Join(dir, "tools", "calc", "add_numbers.py"))
	if err != nil {
		t.Fatalf("read generated module: %v", err)
	}

	if _, err := GenerateProvider(context.Background(), dir, "calc", tools, nil); err != nil {
		t.Fatalf("GenerateProvider (second run): %v", err)
	}
	contentSecond, err := os.ReadFile(filepath.Join(dir, "tools", "calc", "add_numbers.py"))
	if err != nil {
		t.Fatalf("read regenerated module: %v", err)
	}

	if string(contentFirst) != string(contentSecond) {
		t.Fatal("expected byte-identical regeneration for unchanged schema")
	}
	if len(first) != 1 || first[0] != "add_numbers" {
		t.Fatalf("unexpected sanitized names: %v", first)
	}
}

func TestGenerateProviderPrunesStaleModules(t *testing.T) {
	dir := t.TempDir()
	tools := []provider.ToolSchema{tool("add_numbers"), tool("sub_numbers")}
	if _, err := GenerateProvider(context.Background(), dir, "calc", tools, nil); err != nil {
		t.Fatalf("GenerateProvider: %v", err)
	}

	if _, err := GenerateProvider(context.Background(), dir, "calc", tools[:1], nil); err != nil {
		t.Fatalf("GenerateProvider (shrink): %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "tools", "calc", "sub_numbers.py")); !os.IsNotExist(err) {
		t.Fatal("expected removed tool's module to be pruned")
	}
	if _, err := os.Stat(filepath.Join(dir, "tools", "calc", "add_numbers.py")); err != nil {
		t.Fatalf("expected surviving tool's module to remain: %v", err)
	}
}

func TestGenerateProviderStructuredOutput(t *testing.T) {
	dir := t.TempDir()
	toolWithOutput := tool("add_numbers")
	toolWithOutput.OutputSchema = json.RawMessage(`{"type": "object", "properties": {"sum": {"type": "integer"}}, "required": ["sum"]}`)

	if _, err := GenerateProvider(context.Background(), dir, "calc", []provider.ToolSchema{toolWithOutput}, nil); err != nil {
		t.Fatalf("GenerateProvider: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "tools", "calc", "add_numbers.py"))
	if err != nil {
		t.Fatalf("read generated module: %v", err)
	}
	if !strings.Contains(string(content), "class Result(BaseModel)") {
		t.Fatalf("expected generated Result class, got:\n%s", content)
	}
	if !strings.Contains(string(content), "def run(params: Params) -> Result:") {
		t.Fatalf("expected structured run entry point, got:\n%s", content)
	}
}

func TestGenerateProviderInfersResultFromSample(t *testing.T) {
	dir := t.TempDir()
	store := samples.New(dir)
	if err := store.Record("calc", "add_numbers", json.RawMessage(`{"sum": 3}`)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, err := GenerateProvider(context.Background(), dir, "calc", []provider.ToolSchema{tool("add_numbers")}, store); err != nil {
		t.Fatalf("GenerateProvider: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "tools", "calc", "add_numbers.py"))
	if err != nil {
		t.Fatalf("read generated module: %v", err)
	}
	if !strings.Contains(string(content), "class Result(BaseModel)") {
		t.Fatalf("expected inferred Result class, got:\n%s", content)
	}
}

func TestWritePreambleAtomicAndSecretMode(t *testing.T) {
	dir := t.TempDir()
	if err := WritePreamble(dir, Preamble{Host: "127.0.0.1", Port: 8088, Secret: "s3cr3t"}); err != nil {
		t.Fatalf("WritePreamble: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "tools", "_preamble.py"))
	if err != nil {
		t.Fatalf("stat preamble: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected preamble mode 0600, got %v", info.Mode().Perm())
	}
}

