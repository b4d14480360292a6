// Package handlers contains the HTTP handlers of the build API.
//
// Handlers report failures through foundation/errors so the HTTPErrorAdapter
// can map error categories to status codes, and encode successful responses
// with the types in server/responses.
package handlers
