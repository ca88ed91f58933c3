// Package config loads handlerkit configuration.
//
// Configuration starts from Default, is overlaid by a YAML, JSON or CUE file
// and finally by HANDLERKIT_* environment variables:
//
//	store:
//	  path: /var/lib/handlerkit/state.db
//	handler:
//	  kind: script
//	  script: bucket.star
//	budget: 15m
//
// CUE files are unified with the embedded #Config schema before decoding, so
// unknown fields and out-of-range values are reported with file positions.
// The merged result is checked with validator struct tags and the telemetry
// rules before Load returns it.
package config
