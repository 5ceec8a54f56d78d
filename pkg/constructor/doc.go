// Package constructor builds constellations from declarative specs (JSON or
// YAML, with tasks and dependencies given as lists or as maps keyed by ID),
// from plain-text plans, and from files.
package constructor
