// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the path ends in
// .toml. Every field has a default, so an empty file is a valid
// configuration.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	control_api:
//	  key: "${FLEET_CONTROL_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  session_timeout: "60s"
//	  suspend_timeout: "5m"
//
// # Validation
//
// Validate runs go-playground/validator rules declared on the struct tags
// and reports the first failure using the dotted YAML path of the field,
// for example "gateway.lane_capacity failed gt=0".
//
// # Hot Reload
//
// A Watcher observes the file with fsnotify and hands each valid new
// configuration to a callback. Compare splits the differences into the
// fields a running gateway applies in place:
//
//   - gateway.session_timeout
//   - gateway.suspend_timeout
//   - gateway.health_check_interval
//   - gateway.lane_capacity
//
// and everything else, which only takes effect after a restart.
package config
