// Package persistence stores client runtime state that must survive
// restarts of the courage CLI.
//
// The state file is JSON. It holds the device id generated on first use and
// the outcome of the last replay of each known channel. Keys are never
// written here; they come from the configuration file.
package persistence
