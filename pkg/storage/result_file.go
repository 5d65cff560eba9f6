package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// NodeResultMeta identifies the node a result belongs to.
type NodeResultMeta struct {
	NodeID   string `json:"node_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	NodeType string `json:"node_type,omitempty"` // factory type of native nodes
	State    string `json:"state"`
}

// NodeResultError holds the node message when it is a warning or an error.
type NodeResultError struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// NodeResult is the stored snapshot of one node after a run.
type NodeResult struct {
	Meta    NodeResultMeta   `json:"_meta"`
	Error   *NodeResultError `json:"_error,omitempty"`
	Outputs []string         `json:"outputs,omitempty"` // summaries, one per outport
}

// ResultFile maps node ids to their results.
// Format: { "<node_id>": NodeResult, ... }
type ResultFile map[string]*NodeResult

// ResultFileClient manages the shared result file of a run.
type ResultFileClient struct {
	blobClient BlobClient
	logger     *zap.Logger
	mu         sync.Mutex // serialises read-modify-write cycles
}

// NewResultFileClient creates a result file client.
func NewResultFileClient(blobClient BlobClient, logger *zap.Logger) (*ResultFileClient, error) {
	if blobClient == nil {
		return nil, fmt.Errorf("blob client cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &ResultFileClient{blobClient: blobClient, logger: logger}, nil
}

// ResultFilePath returns the blob path of a run's result file.
func ResultFilePath(workflowName, runID string) string {
	return fmt.Sprintf("results/%s/%s/results.json", workflowName, runID)
}

// CollectResults snapshots every node of m and its nested workflows. The
// virtual nodes of composites are left out.
func CollectResults(m *workflow.Manager) ResultFile {
	out := make(ResultFile)
	collectInto(m, nil, out)
	return out
}

func collectInto(m *workflow.Manager, comp *workflow.CompositeNode, out ResultFile) {
	for _, nc := range m.Nodes() {
		if comp != nil && (nc.ID() == comp.VirtualIn() || nc.ID() == comp.VirtualOut()) {
			continue
		}
		out[nc.ID().String()] = snapshot(m, nc)

		switch n := nc.(type) {
		case *workflow.Metanode:
			collectInto(n.Inner(), nil, out)
		case *workflow.CompositeNode:
			collectInto(n.Inner(), n, out)
		}
	}
}

func snapshot(m *workflow.Manager, nc workflow.NodeContainer) *NodeResult {
	r := &NodeResult{
		Meta: NodeResultMeta{
			NodeID: nc.ID().String(),
			Name:   nc.Name(),
			Kind:   nc.Kind().String(),
			State:  nc.State().String(),
		},
	}
	if n, ok := nc.(*workflow.NativeNode); ok {
		r.Meta.NodeType = n.FactoryType()
	}

	switch msg := nc.Message(); msg.Type {
	case workflow.MessageWarning:
		r.Error = &NodeResultError{Severity: "warning", Message: msg.Text}
	case workflow.MessageError:
		r.Error = &NodeResultError{Severity: "error", Message: msg.Text}
	}

	if nc.Kind() != workflow.KindMetanode && nc.State() == workflow.StateExecuted {
		for port := 0; port < nc.NrOutPorts(); port++ {
			o, err := m.Output(nc.ID(), port)
			if err != nil {
				continue
			}
			r.Outputs = append(r.Outputs, o.Summary)
		}
	}
	return r
}

// AppendNodeResult adds or replaces one node's entry in the result file.
// A missing file is created.
func (c *ResultFileClient) AppendNodeResult(ctx context.Context, workflowName, runID string, result *NodeResult) (string, error) {
	if result == nil {
		return "", fmt.Errorf("result cannot be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := c.read(ctx, workflowName, runID)
	if err != nil {
		return "", err
	}
	file[result.Meta.NodeID] = result
	return c.write(ctx, workflowName, runID, file)
}

// SaveResults writes all results of a run, merged over any stored file.
func (c *ResultFileClient) SaveResults(ctx context.Context, workflowName, runID string, results ResultFile) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := c.read(ctx, workflowName, runID)
	if err != nil {
		return "", err
	}
	for id, r := range results {
		file[id] = r
	}
	return c.write(ctx, workflowName, runID, file)
}

// GetResultFile downloads and parses a run's result file.
func (c *ResultFileClient) GetResultFile(ctx context.Context, workflowName, runID string) (ResultFile, error) {
	data, err := c.blobClient.Download(ctx, ResultFilePath(workflowName, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to download result file: %w", err)
	}
	var file ResultFile
	if err := sonic.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse result file: %w", err)
	}
	return file, nil
}

// GetNodeResult returns one node's entry of a run's result file.
func (c *ResultFileClient) GetNodeResult(ctx context.Context, workflowName, runID, nodeID string) (*NodeResult, error) {
	file, err := c.GetResultFile(ctx, workflowName, runID)
	if err != nil {
		return nil, err
	}
	r, ok := file[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s not found in result file", nodeID)
	}
	return r, nil
}

func (c *ResultFileClient) read(ctx context.Context, workflowName, runID string) (ResultFile, error) {
	blobPath := ResultFilePath(workflowName, runID)
	data, err := c.blobClient.Download(ctx, blobPath)
	if errors.Is(err, ErrBlobNotFound) {
		c.logger.Debug("Result file doesn't exist yet, creating new",
			zap.String("blob_path", blobPath))
		return make(ResultFile), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download result file: %w", err)
	}

	file := make(ResultFile)
	if err := sonic.Unmarshal(data, &file); err != nil {
		c.logger.Error("Failed to parse existing result file, starting fresh",
			zap.String("blob_path", blobPath),
			zap.Error(err))
		return make(ResultFile), nil
	}
	return file, nil
}

func (c *ResultFileClient) write(ctx context.Context, workflowName, runID string, file ResultFile) (string, error) {
	blobPath := ResultFilePath(workflowName, runID)
	data, err := sonic.Marshal(file)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result file: %w", err)
	}

	blobURL, err := c.blobClient.Upload(ctx, blobPath, data, "application/json", map[string]string{
		"workflow":      workflowName,
		"run_id":        runID,
		"node_count":    fmt.Sprintf("%d", len(file)),
		"last_modified": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload result file: %w", err)
	}

	c.logger.Info("Stored result file",
		zap.String("workflow", workflowName),
		zap.String("run_id", runID),
		zap.Int("total_nodes", len(file)),
		zap.Int("result_size_bytes", len(data)))
	return blobURL, nil
}
