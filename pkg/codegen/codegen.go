// Package codegen implements the Code Generator (C6): given a connected
// provider's tool schemas, it writes Python source modules into the
// kernel's workspace filesystem that the running kernel imports to call
// those tools. This package produces Python source text, never Go types —
// the same relationship ipybox's own generator has to the code it emits.
//
// No reflection or runtime code loading is involved on either side: every
// module is plain, readable Python written once per Coordinator.Reset (or
// whenever a provider's tool list changes) and read back in by the kernel
// like any other import.
package codegen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rhuss/sandboxd/pkg/codegen/samples"
	"github.com/rhuss/sandboxd/pkg/provider"
)

// Preamble holds the Tool Service address and bearer secret shared by
// every generated module in the workspace. It is rewritten (not
// regenerated per-provider) on every Coordinator.Reset.
type Preamble struct {
	Host   string
	Port   int
	Secret string
}

const preambleTemplate = `# Generated by sandboxd. Do not edit by hand: rewritten on every session reset.
import json
import urllib.error
import urllib.request

TOOL_SERVICE_HOST = %q
TOOL_SERVICE_PORT = %d
TOOL_SERVICE_SECRET = %q


class ToolCallError(Exception):
    def __init__(self, kind: str, message: str):
        super().__init__(message)
        self.kind = kind
        self.message = message


def ipybox_tools_run_sync(provider: str, tool: str, arguments: dict) -> str:
    payload = json.dumps({"provider": provider, "tool": tool, "arguments": arguments}).encode("utf-8")
    req = urllib.request.Request(
        f"http://{TOOL_SERVICE_HOST}:{TOOL_SERVICE_PORT}/run",
        data=payload,
        headers={
            "Content-Type": "application/json",
            "Authorization": f"Bearer {TOOL_SERVICE_SECRET}",
        },
        method="POST",
    )
    try:
        with urllib.request.urlopen(req) as resp:
            body = resp.read().decode("utf-8")
    except urllib.error.HTTPError as e:
        body = e.read().decode("utf-8")
    try:
        envelope = json.loads(body)
    except json.JSONDecodeError:
        raise ToolCallError("fatal", body)
    if not envelope.get("ok"):
        error = envelope.get("error") or {}
        raise ToolCallError(error.get("kind", "fatal"), error.get("message", body))
    result = envelope.get("result")
    return result if isinstance(result, str) else json.dumps(result)
`

// WritePreamble writes tools/_preamble.py under workspaceDir, mode 0600
// since it carries the Tool Service bearer secret. The write is
// atomic: write-temp-then-rename, per spec.md's re-entry requirement.
func WritePreamble(workspaceDir string, p Preamble) error {
	dir := filepath.Join(workspaceDir, "tools")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("codegen: mkdir %s: %w", dir, err)
	}

	if err := atomicWrite(filepath.Join(dir, "__init__.py"), "", 0o644); err != nil {
		return err
	}

	content := fmt.Sprintf(preambleTemplate, p.Host, p.Port, p.Secret)
	path := filepath.Join(dir, "_preamble.py")
	return atomicWrite(path, content, 0o600)
}

const initTemplate = `# Generated by sandboxd for provider %q. Do not edit by hand.
from .._preamble import ToolCallError, ipybox_tools_run_sync  # noqa: F401

TOOLS = %s
`

const rawFunctionTemplate = `
def run_raw(params: Params) -> str:
    """%s"""
    return ipybox_tools_run_sync(%q, %q, params.model_dump(exclude_none=True))
`

const identityRunTemplate = `
Result = str


def run(params: Params) -> str:
    """%s"""
    return run_raw(params)
`

const structuredFunctionTemplate = `
def run(params: Params) -> Result:
    """%s"""
    raw = ipybox_tools_run_sync(%q, %q, params.model_dump(exclude_none=True))
    return Result.model_validate_json(raw)
`

const moduleHeader = `# Generated by sandboxd for provider %q, tool %q. Do not edit by hand.
from pydantic import BaseModel, Field
from typing import Any, Literal, Optional

from . import ToolCallError, ipybox_tools_run_sync  # noqa: F401

`

// GenerateProvider writes one Python module per tool into
// tools/<providerName>/ under workspaceDir, plus an aggregator __init__.py
// listing the generated tool names. It returns the sanitized tool names
// written, in the order tools was given. Modules for tools no longer
// present in the provider's schema list are removed. Generation is
// deterministic: identical tools input produces byte-identical files.
func GenerateProvider(ctx context.Context, workspaceDir, providerName string, tools []provider.ToolSchema, sampleStore *samples.Store) ([]string, error) {
	providerDir := filepath.Join(workspaceDir, "tools", providerName)
	if err := os.MkdirAll(providerDir, 0o755); err != nil {
		return nil, fmt.Errorf("codegen: mkdir %s: %w", providerDir, err)
	}

	names := make([]string, 0, len(tools))
	written := make(map[string]bool, len(tools))

	for _, tool := range tools {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		sanitized := sanitizeName(tool.Name)
		content, err := renderToolModule(providerName, tool, sampleStore)
		if err != nil {
			return nil, fmt.Errorf("codegen: rendering %s/%s: %w", providerName, tool.Name, err)
		}

		path := filepath.Join(providerDir, sanitized+".py")
		if err := atomicWrite(path, content, 0o644); err != nil {
			return nil, err
		}

		names = append(names, sanitized)
		written[sanitized] = true
	}

	if err := pruneStaleModules(providerDir, written); err != nil {
		return nil, err
	}

	initPath := filepath.Join(providerDir, "__init__.py")
	initContent := fmt.Sprintf(initTemplate, providerName, pythonStringList(names))
	if err := atomicWrite(initPath, initContent, 0o644); err != nil {
		return nil, err
	}

	return names, nil
}

func renderToolModule(providerName string, tool provider.ToolSchema, sampleStore *samples.Store) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, moduleHeader, providerName, tool.Name)

	inputSchema, err := parseSchemaNode(tool.InputSchema)
	if err != nil {
		return "", fmt.Errorf("input schema: %w", err)
	}
	var classes []string
	emitModel("Params", inputSchema, &classes)
	for _, class := range classes {
		b.WriteString(class)
		b.WriteString("\n")
	}

	description := escapeDocstring(tool.Description)

	if len(tool.OutputSchema) == 0 {
		// No declared output schema: always provide the raw entry point, and
		// a parsed variant inferred from a recorded sample when one exists —
		// falling back to an identity str result when no sample has been
		// observed yet (spec.md §4.6 item 4).
		fmt.Fprintf(&b, rawFunctionTemplate, description, providerName, tool.Name)

		var inferred json.RawMessage
		if sampleStore != nil {
			if sample, ok, err := sampleStore.Load(providerName, tool.Name); err == nil && ok {
				inferred = InferJSONSchema(sample)
			}
		}
		if inferred == nil {
			fmt.Fprintf(&b, identityRunTemplate, description)
			return b.String(), nil
		}

		resultSchema, err := parseSchemaNode(inferred)
		if err != nil {
			return "", fmt.Errorf("inferred output schema: %w", err)
		}
		var resultClasses []string
		emitModel("Result", resultSchema, &resultClasses)
		for _, class := range resultClasses {
			b.WriteString(class)
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, structuredFunctionTemplate, description, providerName, tool.Name)
		return b.String(), nil
	}

	resultSchema, err := parseSchemaNode(tool.OutputSchema)
	if err != nil {
		return "", fmt.Errorf("output schema: %w", err)
	}
	var resultClasses []string
	emitModel("Result", resultSchema, &resultClasses)
	for _, class := range resultClasses {
		b.WriteString(class)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, structuredFunctionTemplate, description, providerName, tool.Name)
	return b.String(), nil
}

func pruneStaleModules(providerDir string, written map[string]bool) error {
	entries, err := os.ReadDir(providerDir)
	if err != nil {
		return fmt.Errorf("codegen: read %s: %w", providerDir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".py") || name == "__init__.py" {
			continue
		}
		sanitized := strings.TrimSuffix(name, ".py")
		if written[sanitized] {
			continue
		}
		if err := os.Remove(filepath.Join(providerDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("codegen: removing stale module %s: %w", name, err)
		}
	}
	return nil
}

func atomicWrite(path, content string, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), mode); err != nil {
		return fmt.Errorf("codegen: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("codegen: rename %s: %w", path, err)
	}
	return nil
}

var nonIdentifier = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeName turns a provider-declared tool name into a valid Python
// module/identifier name.
func sanitizeName(name string) string {
	return strings.ToLower(nonIdentifier.ReplaceAllString(name, "_"))
}

func sanitizeIdentifier(name string) string {
	return nonIdentifier.ReplaceAllString(name, "_")
}

func pythonStringList(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	quoted := make([]string, len(sorted))
	for i, n := range sorted {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
