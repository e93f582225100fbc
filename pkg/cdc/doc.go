// Package cdc provides the public types and interfaces for the change-data-capture pipeline.
//
// The package defines the records read from the source change-log, the normalized
// change events delivered to the cloud, and the capabilities other components plug in.
//
// Key Components:
//   - RawChangeRecord: One row read from the change-log table
//   - Change: Normalized change event with a deterministic idempotency ID
//   - Decoder: Interface for turning a RawChangeRecord into a Change
//   - CredentialProvider: Interface for the device token used by the sync client
package cdc
