// Package api documents the Chimera HTTP API.
//
// The handlers live in api/handlers; this package holds the API overview.
//
// # API Overview
//
// Chimera exposes a RESTful API for:
//   - Task submission, status and cancellation (/api/v1/tasks)
//   - The human review queue (/api/v1/escalations)
//   - Circuit breaker inspection and reset (/api/v1/breakers)
//   - Per-actor budget and transaction history (/api/v1/actors/{id})
//   - Liveness, readiness and build info (/health, /ready, /version)
//
// Prometheus metrics are served on a separate listener (default :9091).
//
// # Authentication
//
// When jwt.secret is configured, every /api/ route requires a bearer
// token:
//
//	Authorization: Bearer <jwt>
//
// The token subject is recorded as the resolver of escalation decisions.
//
// # Responses
//
// Every response uses the same envelope:
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//	{"success": false, "error": {"code": "VALIDATION", "message": "...", "fields": {...}}, "timestamp": "..."}
//
// # Base URL
//
//	http://localhost:8080
package api
