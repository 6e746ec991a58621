// Command mcp-test-server runs a small MCP server standing in for an
// external tool provider a sandbox code-execution session might reach
// over pkg/provider/mcpclient: package-index lookups and dataset
// metadata, the kind of enrichment calls generated code makes mid-run
// rather than anything the kernel itself exposes. Provides "pip_index"
// and "dataset_info" tools.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// pinnedPackages is a small fixed index standing in for a real package
// registry, enough to exercise success and not-found paths.
var pinnedPackages = map[string]string{
	"numpy":      "2.1.3",
	"pandas":     "2.2.3",
	"requests":   "2.32.3",
	"matplotlib": "3.9.2",
}

// sampleDatasets is a small fixed catalog standing in for a real
// dataset registry.
var sampleDatasets = map[string]struct {
	Rows    int
	Columns []string
}{
	"iris":    {Rows: 150, Columns: []string{"sepal_length", "sepal_width", "petal_length", "petal_width", "species"}},
	"titanic": {Rows: 891, Columns: []string{"passenger_id", "survived", "pclass", "name", "age", "fare"}},
	"mnist":   {Rows: 70000, Columns: []string{"pixels", "label"}},
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "sandboxd-test-mcp", Version: "v1.0.0"},
		nil,
	)

	type PipIndexInput struct {
		Package string `json:"package" jsonschema_description:"Name of the pip package to look up"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "pip_index",
		Description: "Looks up the pinned version of a pip package available in the sandbox image",
	}, func(_ context.Context, _ *mcp.CallToolRequest, input PipIndexInput) (*mcp.CallToolResult, struct{}, error) {
		version, ok := pinnedPackages[input.Package]
		if !ok {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{
					&mcp.TextContent{Text: fmt.Sprintf("package %q is not pinned in this sandbox image", input.Package)},
				},
			}, struct{}{}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("%s==%s", input.Package, version)},
			},
		}, struct{}{}, nil
	})

	type DatasetInfoInput struct {
		Name string `json:"name" jsonschema_description:"Name of the sample dataset to describe"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "dataset_info",
		Description: "Returns row count and column names for a sample dataset mounted in the sandbox workspace",
	}, func(_ context.Context, _ *mcp.CallToolRequest, input DatasetInfoInput) (*mcp.CallToolResult, struct{}, error) {
		ds, ok := sampleDatasets[input.Name]
		if !ok {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{
					&mcp.TextContent{Text: fmt.Sprintf("no sample dataset named %q", input.Name)},
				},
			}, struct{}{}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("%s: %d rows, columns=%v", input.Name, ds.Rows, ds.Columns)},
			},
		}, struct{}{}, nil
	})

	// Serve via streamable HTTP on /mcp.
	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server
	}, nil)

	httpMux := http.NewServeMux()
	httpMux.Handle("/mcp", handler)
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})

	log.Printf("MCP test server starting on :%s", port)
	if err := http.ListenAndServe(":"+port, httpMux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
