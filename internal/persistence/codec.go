package persistence

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/petrijr/conductor/pkg/api"
)

// EncodeExecution serializes an execution as JSON.
func EncodeExecution(exec *api.Execution) ([]byte, error) {
	data, err := sonic.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("encode execution %s: %w", exec.ID, err)
	}
	return data, nil
}

// DecodeExecution parses an execution encoded by EncodeExecution.
func DecodeExecution(data []byte) (*api.Execution, error) {
	if len(data) == 0 {
		return nil, ErrExecutionNotFound
	}
	var exec api.Execution
	if err := sonic.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &exec, nil
}

// unixNano stores instants as integers so every backend orders them the
// same way.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
