package httpserver

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keyfall/keyfall/envelope"
	"github.com/keyfall/keyfall/interfaces"
	"github.com/keyfall/keyfall/scheduler"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes the switch management API. The share plaintext exists in
// memory only for the duration of the create request; responses never carry
// share material, sealed or otherwise.
type Handler struct {
	store     interfaces.SecretStore
	processor *scheduler.Processor
	keys      interfaces.KeyProvider
	log       *slog.Logger
	now       func() time.Time
}

// NewHandler creates a request handler over the given collaborators.
func NewHandler(store interfaces.SecretStore, processor *scheduler.Processor, keys interfaces.KeyProvider, log *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		processor: processor,
		keys:      keys,
		log:       log,
		now:       time.Now,
	}
}

// WithNow overrides the time source, for tests.
func (h *Handler) WithNow(now func() time.Time) *Handler {
	h.now = now
	return h
}

// createSecretRequest is the POST /api/secrets body. ShareHex is the one
// share the owner hands to the server out of their client-side split.
type createSecretRequest struct {
	OwnerID           string                 `json:"owner_id"`
	Title             string                 `json:"title"`
	ThresholdK        int                    `json:"threshold_k"`
	TotalSharesN      int                    `json:"total_shares_n"`
	ShareHex          string                 `json:"share_hex"`
	CheckInPeriodDays int                    `json:"check_in_period_days"`
	Recipients        []interfaces.Recipient `json:"recipients"`
}

// secretView is the API representation of a secret. It deliberately omits
// the sealed share.
type secretView struct {
	ID                interfaces.SecretID     `json:"id"`
	OwnerID           string                  `json:"owner_id"`
	Title             string                  `json:"title"`
	ThresholdK        int                     `json:"threshold_k"`
	TotalSharesN      int                     `json:"total_shares_n"`
	Armed             bool                    `json:"armed"`
	CheckInPeriodDays int                     `json:"check_in_period_days"`
	LastCheckIn       time.Time               `json:"last_check_in"`
	NextCheckIn       time.Time               `json:"next_check_in"`
	Status            interfaces.SecretStatus `json:"status"`
	TriggeredAt       *time.Time              `json:"triggered_at,omitempty"`
	Recipients        []interfaces.Recipient  `json:"recipients"`
}

func viewOf(s *interfaces.Secret) secretView {
	return secretView{
		ID:                s.ID,
		OwnerID:           s.OwnerID,
		Title:             s.Title,
		ThresholdK:        s.ThresholdK,
		TotalSharesN:      s.TotalSharesN,
		Armed:             s.ServerShare != nil,
		CheckInPeriodDays: s.CheckInPeriodDays,
		LastCheckIn:       s.LastCheckIn,
		NextCheckIn:       s.NextCheckIn,
		Status:            s.Status,
		TriggeredAt:       s.TriggeredAt,
		Recipients:        s.Recipients,
	}
}

// HandleCreate registers a new switch. The submitted share is sealed under
// the envelope key before it is persisted.
//
// URL format: POST /api/secrets
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	share, err := hex.DecodeString(req.ShareHex)
	if err != nil || len(share) == 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("share_hex must be non-empty hex"))
		return
	}

	key, err := h.keys.EnvelopeKey()
	if err != nil {
		h.log.Error("Envelope key unavailable", "err", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	ciphertext, iv, tag, err := envelope.Seal(share, key)
	if err != nil {
		h.log.Error("Failed to seal share", "err", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	secret := &interfaces.Secret{
		ID:                interfaces.SecretID(uuid.NewString()),
		OwnerID:           req.OwnerID,
		Title:             req.Title,
		ThresholdK:        req.ThresholdK,
		TotalSharesN:      req.TotalSharesN,
		ServerShare:       &interfaces.EncryptedShare{Ciphertext: ciphertext, IV: iv, AuthTag: tag},
		CheckInPeriodDays: req.CheckInPeriodDays,
		Status:            interfaces.StatusActive,
		Recipients:        req.Recipients,
	}
	scheduler.ApplyCheckIn(secret, h.now())

	if err := secret.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.store.Create(r.Context(), secret); err != nil {
		h.log.Error("Failed to create secret", "err", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	h.log.Info("Secret created", "secret", secret.ID, "owner", secret.OwnerID,
		"period_days", secret.CheckInPeriodDays, "recipients", len(secret.Recipients))
	h.writeJSON(w, http.StatusCreated, viewOf(secret))
}

// HandleGet returns the API view of one switch.
//
// URL format: GET /api/secrets/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	secret, err := h.store.Get(r.Context(), interfaces.SecretID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(secret))
}

// HandleCheckIn resets the owner's deadline clock.
//
// URL format: POST /api/secrets/{id}/checkin
func (h *Handler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	id := interfaces.SecretID(chi.URLParam(r, "id"))
	secret, err := h.processor.CheckIn(r.Context(), id, h.now())
	if err != nil {
		if errors.Is(err, scheduler.ErrNotActive) {
			h.writeError(w, http.StatusConflict, err)
			return
		}
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(secret))
}

// HandlePause suspends scheduling without touching the sealed share.
//
// URL format: POST /api/secrets/{id}/pause
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(secret *interfaces.Secret) error {
		switch secret.Status {
		case interfaces.StatusTriggered:
			return errTriggered
		case interfaces.StatusPaused:
			return nil
		}
		secret.Status = interfaces.StatusPaused
		return nil
	})
}

// HandleResume re-arms a paused switch. The deadline clock restarts from
// now: the owner was not expected to check in while paused.
//
// URL format: POST /api/secrets/{id}/resume
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	h.transition(w, r, func(secret *interfaces.Secret) error {
		if secret.Status == interfaces.StatusTriggered {
			return errTriggered
		}
		secret.Status = interfaces.StatusActive
		scheduler.ApplyCheckIn(secret, now)
		return nil
	})
}

// HandleDisarm permanently discards the sealed share and pauses the switch.
// The server can never reconstruct the secret afterwards.
//
// URL format: POST /api/secrets/{id}/disarm
func (h *Handler) HandleDisarm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(secret *interfaces.Secret) error {
		if secret.Status == interfaces.StatusTriggered {
			return errTriggered
		}
		secret.ServerShare = nil
		secret.Status = interfaces.StatusPaused
		return nil
	})
}

var errTriggered = errors.New("secret has already been triggered")

const transitionAttempts = 3

// transition applies a status mutation with optimistic retries against
// concurrent scheduler updates.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, mutate func(*interfaces.Secret) error) {
	id := interfaces.SecretID(chi.URLParam(r, "id"))

	for attempt := 0; attempt < transitionAttempts; attempt++ {
		secret, err := h.store.Get(r.Context(), id)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		if err := mutate(secret); err != nil {
			h.writeError(w, http.StatusConflict, err)
			return
		}

		err = h.store.Update(r.Context(), secret)
		if err == nil {
			h.log.Info("Secret transitioned", "secret", id, "status", secret.Status, "armed", secret.ServerShare != nil)
			h.writeJSON(w, http.StatusOK, viewOf(secret))
			return
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			h.log.Error("Failed to update secret", "secret", id, "err", err)
			h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			return
		}
	}
	h.writeError(w, http.StatusConflict, interfaces.ErrVersionConflict)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrSecretNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, interfaces.ErrVersionConflict):
		h.writeError(w, http.StatusConflict, err)
	default:
		h.log.Error("Storage failure", "err", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parsing request body: %w", err)
	}
	return nil
}
