// Package config loads leasekeeper configuration and blueprint definitions.
//
// # Overview
//
// Runtime configuration is read once at startup by Load and handed to the
// constructors of each component. Values come from, in increasing order of
// precedence:
//
//   - built-in defaults (see Default)
//   - a YAML file, either given explicitly or found as leasekeeper.yaml in
//     the working directory or $HOME/.leasekeeper
//   - LEASEKEEPER_* environment variables, with nested keys joined by
//     underscores (LEASEKEEPER_STORE_PATH, LEASEKEEPER_EVENTS_REDIS_ADDR)
//
// The loaded Config is validated before it is returned.
//
// # Blueprint files
//
// LoadBlueprintFile reads a blueprint and its deployment targets from YAML:
//
//	blueprint:
//	  id: web-sandbox
//	  name: Web sandbox
//	  tags:
//	    team: platform
//	targets:
//	  - id: default
//	    templateRef: leasekeeper-web-sandbox
//	    regions: [us-east-1, us-west-2]
//	    rollout:
//	      maxConcurrentPercentage: 25
//	      regionConcurrency: SEQUENTIAL
package config
