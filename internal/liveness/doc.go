// Package liveness periodically reconciles durable agent status with the
// live connection registry, catching agents whose channels died without a
// clean teardown.
package liveness
