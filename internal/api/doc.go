// Package api implements the HTTP surface for submitting, inspecting and
// canceling task and workflow runs, plus the health and metrics probes.
// Handlers sit on top of the client facade and never touch stores directly.
package api
