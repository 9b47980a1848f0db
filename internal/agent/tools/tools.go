// Package tools implements the Tool.Run contract. Tool internals are
// deliberately simple — what matters here is the interface
// every tool satisfies and a small registry the executor dispatches
// through by name.
//
// Every tool takes an adapters.StorageAdapter uniformly — the Local
// adapter plays the bare-path role under the same interface the remote
// backends use.
package tools

import (
	"context"
	"fmt"

	"github.com/fabrice-guiot/shuttersense/internal/agent/adapters"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// Result is the uniform Tool.Run return shape.
type Result struct {
	Success      bool
	Results      map[string]any
	ReportHTML   *string
	FilesScanned int
	IssuesFound  int
	ErrorMessage string
}

// Tool is a pure function of its inputs: no network beyond the adapter,
// no shared state.
type Tool interface {
	Run(ctx context.Context, adapter adapters.StorageAdapter, location string, cfg apitypes.TeamConfig) (Result, error)
}

// Registry maps a job's tool name to its implementation, mirroring the
// server's Job.Tool enum.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a Registry pre-populated with the built-in tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.Register("photostats", &PhotoStats{})
	r.Register("photo_pairing", &PhotoPairing{})
	r.Register("pipeline_validation", &PipelineValidation{})
	return r
}

// Register adds or replaces the Tool for name.
func (r *Registry) Register(name string, t Tool) {
	r.tools[name] = t
}

// Lookup returns the Tool registered for name, or an error if unknown.
func (r *Registry) Lookup(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return Tool(nil), fmt.Errorf("tools: unknown tool %q", name)
	}
	return t, nil
}
