package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/attractor-dev/attractor/internal/domain"
)

// NodeResult is the recorded result of a node's final attempt.
type NodeResult struct {
	Status        domain.NodeOutcomeStatus `json:"status"`
	FailureReason string                   `json:"failure_reason,omitempty"`
	Attempts      int                      `json:"attempts"`
}

// State is the engine's mutable execution state. It is the unit persisted in
// run checkpoints, so every exported field must round-trip through JSON. The
// mutex serializes mutation from concurrent parallel branches.
type State struct {
	mu sync.Mutex

	Context         map[string]string            `json:"context"`
	NodeOutputs     map[string]string            `json:"node_outputs"`
	ParallelOutputs map[string]map[string]string `json:"parallel_outputs"`
	NodeOutcomes    map[string]NodeResult        `json:"node_outcomes"`
	NodeRetryCounts map[string]int               `json:"node_retry_counts"`
	CompletedNodes  []string                     `json:"completed_nodes"`
}

func NewState() *State {
	return &State{
		Context:         map[string]string{},
		NodeOutputs:     map[string]string{},
		ParallelOutputs: map[string]map[string]string{},
		NodeOutcomes:    map[string]NodeResult{},
		NodeRetryCounts: map[string]int{},
	}
}

// Resolve looks a key up for edge-condition evaluation: plain context keys,
// outcome fields, and node outputs via "output.<nodeId>".
func (s *State) Resolve(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.Context[key]; ok {
		return v
	}
	if rest, ok := strings.CutPrefix(key, "output."); ok {
		return s.NodeOutputs[rest]
	}
	return ""
}

func (s *State) setContext(key, value string) {
	s.mu.Lock()
	s.Context[key] = value
	s.mu.Unlock()
}

func (s *State) output(nodeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.NodeOutputs[nodeID]
}

func (s *State) setOutput(nodeID, out string) {
	s.mu.Lock()
	s.NodeOutputs[nodeID] = out
	s.mu.Unlock()
}

func (s *State) setRetryCount(nodeID string, n int) {
	s.mu.Lock()
	s.NodeRetryCounts[nodeID] = n
	s.mu.Unlock()
}

func (s *State) setBranchOutput(parallelID, label, out string) {
	s.mu.Lock()
	if s.ParallelOutputs[parallelID] == nil {
		s.ParallelOutputs[parallelID] = map[string]string{}
	}
	s.ParallelOutputs[parallelID][label] = out
	s.mu.Unlock()
}

func (s *State) markCompleted(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.CompletedNodes {
		if id == nodeID {
			return
		}
	}
	s.CompletedNodes = append(s.CompletedNodes, nodeID)
}

func (s *State) recordOutcome(nodeID string, r NodeResult) {
	s.mu.Lock()
	s.NodeOutcomes[nodeID] = r
	s.Context["outcome"] = string(r.Status)
	s.Context["failure_reason"] = r.FailureReason
	s.mu.Unlock()
}

// Marshal serializes the state for the checkpoint row.
func (s *State) Marshal() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal engine state: %w", err)
	}
	return raw, nil
}

// UnmarshalState restores a checkpointed state, tolerating nil maps from
// older snapshots.
func UnmarshalState(raw json.RawMessage) (*State, error) {
	s := NewState()
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("unmarshal engine state: %w", err)
	}
	if s.Context == nil {
		s.Context = map[string]string{}
	}
	if s.NodeOutputs == nil {
		s.NodeOutputs = map[string]string{}
	}
	if s.ParallelOutputs == nil {
		s.ParallelOutputs = map[string]map[string]string{}
	}
	if s.NodeOutcomes == nil {
		s.NodeOutcomes = map[string]NodeResult{}
	}
	if s.NodeRetryCounts == nil {
		s.NodeRetryCounts = map[string]int{}
	}
	return s, nil
}
