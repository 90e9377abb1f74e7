// Package config handles configuration loading for convo-gateway.
//
// # Configuration File
//
// Location (first match wins):
//
//  1. Path from the CONVO_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/convo/gateway.yaml
//  3. ~/.config/convo/gateway.yaml
//
// `convo-gateway init` writes an annotated template to that location.
//
// # Environment Variables
//
// Values can reference the environment with ${VAR_NAME}; unset variables
// expand to the empty string. CONVO_DB_PATH overrides database.path.
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax ("5s", "10m") and are held in the
// *Raw fields until parseDurations fills the typed ones.
//
// # Sections
//
//	server:    http_addr
//	database:  driver (sqlite|mongo), path, mongo_uri, mongo_database
//	gateway:   dispatch_timeout, write_timeout, pong_timeout, ping_interval,
//	           send_buffer, max_frame_bytes, events_per_second, event_burst,
//	           allowed_origins
//	dedupe:    ttl, max_entries
//	auth:      jwt_secret (empty disables authentication)
//	logging:   level, format
//	metrics:   enabled, path
//
// Every unset field takes a default; Validate then rejects inconsistent values
// such as a ping interval that is not shorter than the pong timeout.
package config
