package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flashdrop.org/internal/admission"
	"flashdrop.org/internal/sale"
)

type createSaleRequest struct {
	ProductRef      string     `json:"product_ref"`
	OriginalPrice   int64      `json:"original_price"`
	SalePrice       int64      `json:"sale_price"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	MaxQuantity     int        `json:"max_quantity"`
	MaxPerIdentity  int        `json:"max_per_identity"`
}

type purchaseRequest struct {
	Identity          string `json:"identity"`
	VerificationToken string `json:"verification_token"`
	IdempotencyKey    string `json:"idempotency_key"`
}

type releaseRequest struct {
	Identity string `json:"identity"`
}

type saleResponse struct {
	Sale     sale.Sale     `json:"sale"`
	Snapshot sale.Snapshot `json:"snapshot"`
}

type listSalesResponse struct {
	Items []saleResponse `json:"items"`
	AsOf  time.Time      `json:"as_of"`
}

func (a *API) handleSalesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listSales(w, r)
	case http.MethodPost:
		a.requireAdmin(a.createSale)(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleSaleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sales/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getSale(w, r, id)
	case "purchase":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.purchase(w, r, id)
	case "release":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
			a.releaseSale(w, r, id)
		})(w, r)
	case "quota":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
			a.quotaUsed(w, r, id)
		})(w, r)
	case "stream":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.streamSale(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	spec := sale.CreateSpec{
		ProductRef:     strings.TrimSpace(req.ProductRef),
		OriginalPrice:  req.OriginalPrice,
		SalePrice:      req.SalePrice,
		Duration:       time.Duration(req.DurationSeconds) * time.Second,
		MaxQuantity:    req.MaxQuantity,
		MaxPerIdentity: req.MaxPerIdentity,
	}
	if req.StartTime != nil {
		spec.StartTime = req.StartTime.UTC()
	}

	sl, err := a.engine.CreateSale(r.Context(), spec)
	if err != nil {
		handleSaleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/sales/"+sl.ID)
	writeJSON(w, http.StatusCreated, saleResponse{
		Sale:     sl,
		Snapshot: sl.SnapshotAt(time.Now().UTC()),
	})
}

func (a *API) listSales(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	var (
		sales []sale.Sale
		err   error
	)
	switch state := strings.TrimSpace(r.URL.Query().Get("state")); state {
	case "", "all":
		sales, err = a.sales.ListSales(r.Context())
	case "active":
		sales, err = a.sales.ListActive(r.Context(), now)
	default:
		writeError(w, r, http.StatusBadRequest, "state must be active or all")
		return
	}
	if err != nil {
		handleSaleError(w, r, err)
		return
	}

	items := make([]saleResponse, 0, len(sales))
	for _, sl := range sales {
		items = append(items, saleResponse{Sale: sl, Snapshot: sl.SnapshotAt(now)})
	}
	writeJSON(w, http.StatusOK, listSalesResponse{Items: items, AsOf: now})
}

func (a *API) getSale(w http.ResponseWriter, r *http.Request, id string) {
	sl, err := a.sales.GetSale(r.Context(), id)
	if err != nil {
		handleSaleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saleResponse{
		Sale:     sl,
		Snapshot: sl.SnapshotAt(time.Now().UTC()),
	})
}

func (a *API) purchase(w http.ResponseWriter, r *http.Request, id string) {
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		writeError(w, r, http.StatusBadRequest, "identity is required")
		return
	}
	if len(identity) > 128 {
		writeError(w, r, http.StatusBadRequest, "identity too long")
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	out, err := a.engine.Purchase(r.Context(), admission.PurchaseRequest{
		SaleID:            id,
		Identity:          identity,
		IdempotencyKey:    idem,
		VerificationToken: req.VerificationToken,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	if out.Replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	if out.Reserved {
		writeJSON(w, http.StatusCreated, out)
		return
	}
	writeRejection(w, r, out)
}

func (a *API) releaseSale(w http.ResponseWriter, r *http.Request, id string) {
	var req releaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		writeError(w, r, http.StatusBadRequest, "identity is required")
		return
	}

	if err := a.engine.Release(r.Context(), id, identity); err != nil {
		handleSaleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"released": true,
		"sale_id":  id,
		"identity": identity,
	})
}

func (a *API) quotaUsed(w http.ResponseWriter, r *http.Request, id string) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		writeError(w, r, http.StatusBadRequest, "identity query parameter is required")
		return
	}
	used, err := a.sales.QuotaUsed(r.Context(), id, identity)
	if err != nil {
		handleSaleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sale_id":  id,
		"identity": identity,
		"used":     used,
	})
}

// writeRejection maps a terminal pipeline rejection to its status code. Every
// body carries the machine-readable reason so clients can branch without
// parsing messages.
func writeRejection(w http.ResponseWriter, r *http.Request, out admission.Outcome) {
	status := http.StatusConflict
	switch out.Reason {
	case admission.ReasonRateLimited:
		status = http.StatusTooManyRequests
	case admission.ReasonVerificationFailed:
		status = http.StatusForbidden
	case admission.ReasonSaleNotFound:
		status = http.StatusNotFound
	case admission.ReasonUnavailable:
		status = http.StatusServiceUnavailable
	}

	payload := map[string]any{
		"error": rejectionMessage(out.Reason),
		"code":  string(out.Reason),
	}
	if out.RetryAfter > 0 {
		seconds := int(math.Ceil(out.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		payload["retry_after_ms"] = out.RetryAfter.Milliseconds()
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func rejectionMessage(reason admission.Reason) string {
	switch reason {
	case admission.ReasonRateLimited:
		return "too many attempts, slow down"
	case admission.ReasonVerificationFailed:
		return "verification failed"
	case admission.ReasonSaleNotFound:
		return "sale not found"
	case admission.ReasonSaleNotStarted:
		return "sale has not started"
	case admission.ReasonSaleEnded:
		return "sale has ended"
	case admission.ReasonSaleSoldOut:
		return "sale is sold out"
	case admission.ReasonQuotaExceeded:
		return "per-identity quota exceeded"
	case admission.ReasonUnavailable:
		return "service temporarily unavailable, retry with the same idempotency key"
	default:
		return "purchase rejected"
	}
}

func handleSaleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sale.ErrInvalidSpec):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, sale.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, sale.ErrNoReservation):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, sale.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
