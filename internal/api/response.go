// Package api implements the HTTP REST API layer for the agent supervisor.
// It uses Chi as the router and exposes all resources under /api. Every
// response body has the shape {success, data?, message?, error?, pagination?}.
// Authentication is enforced via JWT middleware on all routes except the
// public auth endpoints. Role-based access (admin/operator/viewer) is applied
// at the route level via the RequireRole/RequireOperator middleware.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper for every API response.
//
// Success: {"success": true, "data": <payload>, "message"?: "..."}
// Error:   {"success": false, "error": "..."}
type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination describes the page window of a list response.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload under "data".
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{Success: true, Data: payload})
}

// OkPage writes a 200 OK response with a payload and pagination metadata.
func OkPage(w http.ResponseWriter, payload any, p Pagination) {
	JSON(w, http.StatusOK, envelope{Success: true, Data: payload, Pagination: &p})
}

// OkMessage writes a 200 OK response with a human-readable message and no data.
// Used for actions like delete/stop where the payload itself is not interesting.
func OkMessage(w http.ResponseWriter, message string) {
	JSON(w, http.StatusOK, envelope{Success: true, Message: message})
}

// Created writes a 201 Created response with the payload under "data".
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{Success: true, Data: payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errJSON writes a JSON error response with the given status and message.
func errJSON(w http.ResponseWriter, status int, message string) {
	JSON(w, status, envelope{Success: false, Error: message})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message)
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required")
}

// ErrForbidden writes a 403 Forbidden error response.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found")
}

// ErrConflict writes a 409 Conflict error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message)
}

// ErrUnprocessable writes a 422 Unprocessable Entity error response.
// Used when the request is well-formed but fails business validation.
func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message)
}

// ErrServiceUnavailable writes a 503 Service Unavailable error response.
// Used when the agent pool has no free port to allocate.
func ErrServiceUnavailable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusServiceUnavailable, message)
}

// ErrInternal writes a 500 Internal Server Error response.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
