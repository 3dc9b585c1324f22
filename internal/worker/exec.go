package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/strandlabs/tiller/internal/store"
)

// execPayload is what the executor command receives on stdin.
type execPayload struct {
	ID          string          `json:"id"`
	QueueID     string          `json:"queue_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Workstream  string          `json:"workstream,omitempty"`
	RetryCount  int             `json:"retry_count"`
}

// NewExecHandler returns an ItemHandler that runs an external executor
// command per item: the item is written to stdin as JSON, stdout becomes the
// result payload. A non-zero exit is a recoverable failure.
func NewExecHandler(argv []string) (ItemHandler, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("executor command is empty")
	}
	return func(ctx context.Context, item store.WorkItem) (json.RawMessage, error) {
		input, err := json.Marshal(execPayload{
			ID:          item.ID,
			QueueID:     item.QueueID,
			Title:       item.Title,
			Description: item.Description,
			Payload:     item.Payload,
			Workstream:  item.Workstream,
			RetryCount:  item.RetryCount,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal item for executor: %w", err)
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(input)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = err.Error()
			}
			return nil, fmt.Errorf("executor failed: %s", detail)
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return nil, nil
		}
		if json.Valid(out) {
			return json.RawMessage(out), nil
		}
		wrapped, err := json.Marshal(map[string]string{"output": string(out)})
		if err != nil {
			return nil, fmt.Errorf("wrap executor output: %w", err)
		}
		return json.RawMessage(wrapped), nil
	}, nil
}
