package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// AgentTaskJob is the payload stored on a tenant queue. One job asks the
// named agent to run one task.
type AgentTaskJob struct {
	TenantID  string `json:"tenantId"`
	AgentName string `json:"agentName"`
	TaskID    string `json:"taskId"`
}

// Validate checks the fields every worker relies on.
func (j AgentTaskJob) Validate() error {
	var errs []error
	if j.TenantID == "" {
		errs = append(errs, errors.New("tenantId is required"))
	}
	if j.AgentName == "" {
		errs = append(errs, errors.New("agentName is required"))
	}
	if j.TaskID == "" {
		errs = append(errs, errors.New("taskId is required"))
	}
	return errors.Join(errs...)
}

// Encode serializes the job for the queue.
func (j AgentTaskJob) Encode() ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent task job: %w", err)
	}
	return json.Marshal(j)
}

// DecodeAgentTaskJob parses a queued payload, rejecting unknown fields and
// incomplete jobs.
func DecodeAgentTaskJob(data []byte) (AgentTaskJob, error) {
	var j AgentTaskJob
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&j); err != nil {
		return AgentTaskJob{}, fmt.Errorf("decode agent task job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return AgentTaskJob{}, fmt.Errorf("invalid agent task job: %w", err)
	}
	return j, nil
}
