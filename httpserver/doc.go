/*
Package httpserver implements the HTTP API of the keyfall switch service.

It exposes endpoints for owners to register dead man's switches, check in
against their deadlines, and manage the switch lifecycle. The server never
returns share material: the share submitted at creation is sealed under the
envelope key before it is persisted, and disclosure happens exclusively
through the scheduler's notifier, not through this API.

# API Endpoints

  - POST /api/secrets - Register a new switch (seals the submitted share)
  - GET /api/secrets/{id} - Get the switch state, without share material
  - POST /api/secrets/{id}/checkin - Reset the check-in deadline
  - POST /api/secrets/{id}/pause - Suspend scheduling
  - POST /api/secrets/{id}/resume - Re-arm with a fresh deadline
  - POST /api/secrets/{id}/disarm - Permanently discard the sealed share
  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

# Lifecycle Rules

  - Check-in, pause, and resume require the switch not to be triggered;
    triggered is terminal.
  - Resume restarts the deadline clock from the moment of the request.
  - Disarm nulls the sealed share and pauses the switch. A disarmed switch
    can never disclose, because there is nothing left to disclose.

# Concurrency

Status transitions use optimistic updates against the store's version token
and retry a bounded number of times, so an owner request racing a scheduler
tick resolves deterministically: whoever commits first wins, and a trigger
that already happened is never undone.
*/
package httpserver
