// Package session keeps track of every constellation the service runs.
//
// The Manager validates and persists submitted constellations, drives each
// one with a controller session bounded by the graph timeout, applies live
// edits and saves the constellation again whenever an event about it is
// published. Constellations that are not in memory are restored from
// storage on first access.
package session
