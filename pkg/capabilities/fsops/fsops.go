// Package fsops provides the built-in filesystem capabilities: read, write,
// and delete under a configured root. Write and delete snapshot prior state
// and return intent-form compensations, so a rollback restores exactly what
// the step displaced.
package fsops

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
	"github.com/Mindburn-Labs/capstan/pkg/registry"
)

// Capability identifiers.
const (
	CapReadFile   = "io.fs.read_file"
	CapWriteFile  = "io.fs.write_file"
	CapDeleteFile = "io.fs.delete_file"
)

// Ops holds the root directory all paths resolve against. Paths escaping
// the root are rejected before any filesystem call.
type Ops struct {
	root string
}

// New creates the filesystem capability set rooted at dir.
func New(dir string) *Ops {
	return &Ops{root: dir}
}

// Register installs the three capabilities into the registry.
func (o *Ops) Register(reg *registry.Registry) error {
	caps := []struct {
		spec    contracts.CapabilitySpec
		handler registry.HandlerFunc
	}{
		{readSpec(), o.readFile},
		{writeSpec(), o.writeFile},
		{deleteSpec(), o.deleteFile},
	}
	for _, c := range caps {
		if err := reg.Register(c.spec, c.handler); err != nil {
			return err
		}
	}
	return nil
}

func readSpec() contracts.CapabilitySpec {
	return contracts.CapabilitySpec{
		ID:            CapReadFile,
		OperationType: contracts.OpRead,
		Parameters: []contracts.ParameterDef{
			{Name: "path", Type: "string", Required: true, Description: "file path relative to the root"},
		},
		Outputs: []contracts.OutputDef{
			{Name: "content", Type: "string"},
			{Name: "size", Type: "integer"},
		},
		SideEffects:  contracts.SideEffects{Reversible: true, Scope: contracts.ScopeLocal},
		Compensation: contracts.CompensationSpec{Supported: false, Strategy: contracts.StrategyNone},
		Risk:         contracts.RiskSpec{Level: contracts.RiskLow, Justification: "read only"},
	}
}

func writeSpec() contracts.CapabilitySpec {
	return contracts.CapabilitySpec{
		ID:            CapWriteFile,
		OperationType: contracts.OpWrite,
		Parameters: []contracts.ParameterDef{
			{Name: "path", Type: "string", Required: true, Description: "file path relative to the root"},
			{Name: "content", Type: "string", Required: true},
		},
		Outputs: []contracts.OutputDef{
			{Name: "path", Type: "string"},
			{Name: "bytes_written", Type: "integer"},
		},
		SideEffects: contracts.SideEffects{Reversible: true, Scope: contracts.ScopeLocal},
		Compensation: contracts.CompensationSpec{
			Supported:                true,
			Strategy:                 contracts.StrategyRestore,
			CompensatingCapabilityID: CapWriteFile,
		},
		Risk: contracts.RiskSpec{Level: contracts.RiskMedium, Justification: "prior content is snapshotted before overwrite"},
	}
}

func deleteSpec() contracts.CapabilitySpec {
	return contracts.CapabilitySpec{
		ID:            CapDeleteFile,
		OperationType: contracts.OpDelete,
		Parameters: []contracts.ParameterDef{
			{Name: "path", Type: "string", Required: true, Description: "file path relative to the root"},
		},
		Outputs: []contracts.OutputDef{
			{Name: "path", Type: "string"},
		},
		SideEffects: contracts.SideEffects{Reversible: true, Scope: contracts.ScopeLocal},
		Compensation: contracts.CompensationSpec{
			Supported:                true,
			Strategy:                 contracts.StrategyRestore,
			CompensatingCapabilityID: CapWriteFile,
		},
		Risk: contracts.RiskSpec{Level: contracts.RiskHigh, RequiresApproval: true, Justification: "removes data, restorable from the captured snapshot"},
	}
}

// resolve joins a request path against the root and rejects escapes.
func (o *Ops) resolve(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("fsops: path is required")
	}
	clean := filepath.Clean(raw)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fsops: path %q escapes the root", raw)
	}
	return filepath.Join(o.root, clean), nil
}

func pathArg(inputs map[string]any) (string, error) {
	raw, _ := inputs["path"].(string)
	if raw == "" {
		return "", fmt.Errorf("fsops: input %q must be a non-empty string", "path")
	}
	return raw, nil
}

func (o *Ops) readFile(_ context.Context, inputs map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
	raw, err := pathArg(inputs)
	if err != nil {
		return nil, nil, err
	}
	full, err := o.resolve(raw)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, nil, fmt.Errorf("fsops: read %s: %w", raw, err)
	}
	return map[string]any{"content": string(data), "size": len(data)}, nil, nil
}

// writeFile overwrites or creates a file. The compensation restores the
// prior bytes when the file existed, and deletes it when it did not.
// Content may be passed base64 encoded under content_base64, which is how
// restore compensations round-trip binary-safe snapshots.
func (o *Ops) writeFile(_ context.Context, inputs map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
	raw, err := pathArg(inputs)
	if err != nil {
		return nil, nil, err
	}
	full, err := o.resolve(raw)
	if err != nil {
		return nil, nil, err
	}

	var content []byte
	switch {
	case inputs["content_base64"] != nil:
		enc, _ := inputs["content_base64"].(string)
		content, err = base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, nil, fmt.Errorf("fsops: decode content_base64: %w", err)
		}
	default:
		s, ok := inputs["content"].(string)
		if !ok {
			return nil, nil, fmt.Errorf("fsops: input %q must be a string", "content")
		}
		content = []byte(s)
	}

	prior, readErr := os.ReadFile(full)
	existed := readErr == nil

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, nil, fmt.Errorf("fsops: create parent for %s: %w", raw, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return nil, nil, fmt.Errorf("fsops: write %s: %w", raw, err)
	}

	comp := &contracts.CompensationDescriptor{}
	if existed {
		comp.CapabilityID = CapWriteFile
		comp.Inputs = map[string]any{
			"path":           raw,
			"content_base64": base64.StdEncoding.EncodeToString(prior),
		}
	} else {
		comp.CapabilityID = CapDeleteFile
		comp.Inputs = map[string]any{"path": raw}
	}

	outputs := map[string]any{"path": raw, "bytes_written": len(content)}
	return outputs, comp, nil
}

// deleteFile removes a file after snapshotting it; the compensation writes
// the snapshot back. Deleting a file that does not exist fails rather than
// succeeding vacuously, since the undo would then fabricate a file.
func (o *Ops) deleteFile(_ context.Context, inputs map[string]any, _ registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
	raw, err := pathArg(inputs)
	if err != nil {
		return nil, nil, err
	}
	full, err := o.resolve(raw)
	if err != nil {
		return nil, nil, err
	}

	prior, err := os.ReadFile(full)
	if err != nil {
		return nil, nil, fmt.Errorf("fsops: snapshot %s before delete: %w", raw, err)
	}
	if err := os.Remove(full); err != nil {
		return nil, nil, fmt.Errorf("fsops: delete %s: %w", raw, err)
	}

	comp := &contracts.CompensationDescriptor{
		CapabilityID: CapWriteFile,
		Inputs: map[string]any{
			"path":           raw,
			"content_base64": base64.StdEncoding.EncodeToString(prior),
		},
	}
	return map[string]any{"path": raw}, comp, nil
}
