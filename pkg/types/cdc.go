package types

import "github.com/katasec/dstream-probe/pkg/cdc"

// ChangeBatch is the request body posted to the cloud changes endpoint
type ChangeBatch struct {
	BatchID string       `json:"batchId,omitempty"`
	Source  string       `json:"source,omitempty"`
	Changes []cdc.Change `json:"changes"`
}

// BatchAck is the response body of the cloud changes endpoint.
// A nil Accepted slice means the whole batch was accepted.
type BatchAck struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// HealthStatus is the body returned by the health endpoint
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
