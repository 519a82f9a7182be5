package taskqueue

import (
	"encoding/json"
	"fmt"
)

// EncodeJob serializes a job for durable queues.
func EncodeJob(j Job) ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a job produced by EncodeJob.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("taskqueue: decode job: %w", err)
	}
	return &j, nil
}
