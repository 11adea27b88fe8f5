/*
Package api maps domain errors to HTTP responses and hosts the handler
subpackages for the HSM backend.

This package is organized into three handler subpackages:

1. ceremonyhandler - key ceremony administration and custodian contributions
2. rotationhandler - rotation lifecycle and participant key delivery
3. keyhandler - root generation, child derivation and key inspection

Handlers translate HTTP requests into calls on the ceremony engine, the
rotation coordinator and the key hierarchy, and use StatusFromError to map
the domain error taxonomy onto status codes:

  - validation errors        -> 400 Bad Request
  - unknown entities         -> 404 Not Found
  - lifecycle state errors   -> 409 Conflict
  - cryptographic mismatches -> 422 Unprocessable Entity
  - storage backend failures -> 503 Service Unavailable

Key material never appears in any response body; responses carry
fingerprints and checksums instead.
*/
package api
