// Package config provides configuration structures for every relay
// subsystem.
//
// Each subsystem has its own struct with a DefaultXConfig constructor and a
// Merge method that overlays the non-zero fields of another value. The root
// Config aggregates them:
//
//	cfg := config.DefaultConfig()
//	cfg.Merge(loaded)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//
// # Files
//
// Load picks a decoder from the file extension. JSON, YAML and TOML files
// share the same field names:
//
//	hub:
//	  name: relay
//	  channel_buffer_size: 256
//	  ack_timeout_ms: 2000
//	correlator:
//	  default_timeout_ms: 30000
//	delivery:
//	  guarantee: AT_LEAST_ONCE
//	  retry_count: 3
//	  retry_delay_ms: 200
//	  backoff: exponential
//	server:
//	  addr: ":8080"
//	  sender: api
//	log:
//	  level: info
//	  format: json
//	observer: slog
//	topology:
//	  supervisors:
//	    - name: orchestrator
//	      subordinates: [writing]
//	    - name: writing
//	      category: pipeline
//	      subordinates: [writer, editor]
//	      responsibilities: [summarize]
//
// Durations are written in milliseconds (*_ms fields) and read back through
// accessor methods such as HubConfig.AckTimeout.
//
// Loggers cannot be expressed in a file. HubConfig.Logger and
// CorrelatorConfig.Logger default to slog.Default() and are set in code.
package config
