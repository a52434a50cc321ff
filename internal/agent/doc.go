// Package agent describes the remote agent services the orchestrator
// coordinates and provides the HTTP client used to read their metadata
// (GET /meta) and run them (POST /run).
package agent
