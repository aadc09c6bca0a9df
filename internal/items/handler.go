package items

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"shardgate/internal/fault"
	"shardgate/pkg/problems"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// RegisterHTTP mounts the item routes. Every handler caps the whole pipeline
// with the configured request timeout so a stuck exchange or table call
// fails as Timeout instead of hanging.
func RegisterHTTP(r chi.Router, svc *Service, log *zap.SugaredLogger, timeout time.Duration) {
	h := &handler{svc: svc, log: log, timeout: timeout}

	r.Post("/items", h.create)
	r.Get("/items", h.read)
	r.Delete("/items/{product_id}", h.delete)
}

type handler struct {
	svc     *Service
	log     *zap.SugaredLogger
	timeout time.Duration
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.bound(r.Context())
	defer cancel()

	body, err := decodeBody(r)
	if err != nil {
		h.writeError(w, fault.New(fault.KindInvalidIdentity, "items.create", err))
		return
	}
	res, err := h.svc.CreateItems(ctx, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":      "Successful",
		"shard_ids":   res.ShardIDs,
		"product_ids": res.ProductIDs,
	})
}

// read serves both shapes of GET /items: a full-key point read when both
// shard_id and product_id are present, otherwise a fan-out list.
func (h *handler) read(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.bound(r.Context())
	defer cancel()

	q := r.URL.Query()
	if q.Get(shardParam) != "" && q.Get(productParam) != "" {
		item, err := h.svc.GetItem(ctx, q)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}
	res, err := h.svc.ListItems(ctx, q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.bound(r.Context())
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	if err := h.svc.DeleteItem(ctx, r.URL.Query(), productID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.timeout)
}

// writeError emits the generic external body for the fault kind. Internal
// detail stays in the logs; titles are deliberately uninformative for
// authorization kinds.
func (h *handler) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	writeJSON(w, status, map[string]any{
		"type":   problems.Type(fault.Slug(kind)),
		"title":  titleFor(kind),
		"status": status,
	})
}

func titleFor(k fault.Kind) string {
	switch k {
	case fault.KindInvalidIdentity:
		return "Invalid or missing tenant identifier"
	case fault.KindNotFound:
		return "No item found for the given key"
	case fault.KindPolicyRejected, fault.KindIdentityUntrusted, fault.KindAccessDenied:
		return "Request not authorized"
	case fault.KindBrokerUnavailable, fault.KindThrottled:
		return "Service temporarily unavailable"
	case fault.KindTimeout:
		return "Request timed out"
	default:
		return "Internal error"
	}
}

func decodeBody(r *http.Request) (map[string]any, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
