package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"flashdrop.org/internal/sale"
)

// handleStreamAll serves Server-Sent Events for every sale.
func (a *API) handleStreamAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.serveStream(w, r, "")
}

// streamSale serves Server-Sent Events for one sale, starting with its
// current snapshot so a client never renders from nothing.
func (a *API) streamSale(w http.ResponseWriter, r *http.Request, saleID string) {
	if _, err := a.sales.GetSale(r.Context(), saleID); err != nil {
		handleSaleError(w, r, err)
		return
	}
	a.serveStream(w, r, saleID)
}

func (a *API) serveStream(w http.ResponseWriter, r *http.Request, saleID string) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.stream.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	if saleID != "" {
		if sl, err := a.sales.GetSale(r.Context(), saleID); err == nil {
			writeEvent(w, sl.SnapshotAt(time.Now().UTC()))
		}
	}
	flusher.Flush()

	for snap := range ch {
		if saleID != "" && snap.SaleID != saleID {
			continue
		}
		writeEvent(w, snap)
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, snap sale.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
