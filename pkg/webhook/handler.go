// Package webhook provides the HTTP publish endpoint: a signed {event, data}
// envelope posted by a trusted backend is verified and broadcast to every
// open session of the bus.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
	"github.com/codeGROOVE-dev/wsbus/pkg/srv"
)

const (
	maxPayloadSize = 1 << 20 // 1MB

	// SignatureHeader carries "sha256=" followed by the hex HMAC-SHA256 of the body.
	SignatureHeader = "X-Signature-256"

	// DeliveryHeader is an optional caller-chosen ID, only used for logging.
	DeliveryHeader = "X-Delivery-Id"
)

// Broadcaster fans an event out to every open session. *srv.Server
// satisfies it.
type Broadcaster interface {
	Broadcast(event string, data any) int
}

// Handler handles publish requests.
type Handler struct {
	bus              Broadcaster
	allowedEventsMap map[string]bool
	secret           string
}

// NewHandler creates a publish handler. A nil allowedEvents permits every
// event except the lifecycle ones.
func NewHandler(bus Broadcaster, secret string, allowedEvents []string) *Handler {
	var allowedMap map[string]bool
	if allowedEvents != nil {
		allowedMap = make(map[string]bool, len(allowedEvents))
		for _, event := range allowedEvents {
			allowedMap[event] = true
		}
	}

	return &Handler{
		bus:              bus,
		secret:           secret,
		allowedEventsMap: allowedMap,
	}
}

type publishResponse struct {
	Delivered int `json:"delivered"`
}

// ServeHTTP verifies and broadcasts one envelope.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deliveryID := r.Header.Get(DeliveryHeader)

	if r.Method != http.MethodPost {
		logger.Warn(ctx, "publish rejected: invalid method", logger.Fields{
			"method":      r.Method,
			"remote_addr": r.RemoteAddr,
			"path":        r.URL.Path,
		})
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.ContentLength > maxPayloadSize {
		logger.Warn(ctx, "publish rejected: payload too large", logger.Fields{
			"content_length": r.ContentLength,
			"max_size":       maxPayloadSize,
			"delivery_id":    deliveryID,
		})
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	// One byte past the limit tells a truncated body from one that fits exactly.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		logger.Error(ctx, "error reading publish body", err, logger.Fields{"delivery_id": deliveryID})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			logger.Debug(ctx, "failed to close request body", logger.Fields{"error": err.Error()})
		}
	}()
	if len(body) > maxPayloadSize {
		logger.Warn(ctx, "publish rejected: payload too large", logger.Fields{
			"max_size":    maxPayloadSize,
			"delivery_id": deliveryID,
		})
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if !VerifySignature(body, signature, h.secret) {
		logger.Warn(ctx, "publish rejected: 401 Unauthorized - signature verification failed", logger.Fields{
			"delivery_id":      deliveryID,
			"remote_addr":      r.RemoteAddr,
			"signature_exists": signature != "",
			"secret_set":       h.secret != "",
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	event, data, ok := srv.Decode(string(body))
	if !ok || strings.TrimSpace(event) == "" {
		logger.Warn(ctx, "publish rejected: 400 Bad Request - not an envelope", logger.Fields{
			"delivery_id":  deliveryID,
			"remote_addr":  r.RemoteAddr,
			"payload_size": len(body),
		})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if event == srv.EventConnection || event == srv.EventClose {
		logger.Warn(ctx, "publish rejected: lifecycle event", logger.Fields{
			"event":       event,
			"delivery_id": deliveryID,
		})
		http.Error(w, "reserved event", http.StatusBadRequest)
		return
	}

	if h.allowedEventsMap != nil && !h.allowedEventsMap[event] {
		logger.Warn(ctx, "publish rejected: event not allowed", logger.Fields{
			"event":       event,
			"delivery_id": deliveryID,
		})
		http.Error(w, "event not allowed", http.StatusForbidden)
		return
	}

	delivered := h.bus.Broadcast(event, data)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(publishResponse{Delivered: delivered}); err != nil {
		logger.Error(ctx, "failed to write response", err, logger.Fields{"delivery_id": deliveryID})
	}

	logger.Info(ctx, "publish broadcast", logger.Fields{
		"event":       event,
		"delivery_id": deliveryID,
		"delivered":   delivered,
	})
}

// VerifySignature reports whether signature is "sha256=" followed by the hex
// HMAC-SHA256 of payload under secret. An empty secret never verifies.
func VerifySignature(payload []byte, signature, secret string) bool {
	// Always compute HMAC first to maintain constant time
	expected := Sign(payload, secret)

	validFormat := strings.HasPrefix(signature, "sha256=")
	validSecret := secret != ""
	validSignature := hmac.Equal([]byte(signature), []byte(expected))

	return validFormat && validSecret && validSignature
}

// Sign returns the SignatureHeader value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
