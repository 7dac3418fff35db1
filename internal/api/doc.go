// Package api defines the wire DTOs shared by the HTTP API and the IPC
// surface, plus thin services that translate between store types and those
// DTOs. Handlers in internal/daemon and internal/ipc stay concerned with
// transport; the conversions live here.
package api
