package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"acqstream/internal/acq"
	"acqstream/internal/store/redis"
	"acqstream/internal/store/sqlite"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Control is the trigger surface of the acquisition controller.
type Control interface {
	Stats() acq.Stats
	ManualStart()
	ManualStop()
	ClearOverride()
	NotifyExternalStart()
	NotifyExternalStop()
}

// RangeStore is the persisted-range query surface.
type RangeStore interface {
	ListRanges(sessionID string) ([]sqlite.Range, error)
	ReadRange(sessionID string, rangeID int) ([]byte, int64, error)
	BadRanges(sessionID string, from, to int64) ([]sqlite.BadRange, error)
}

// PageStore is the recent-page query surface.
type PageStore interface {
	Pages(ctx context.Context, session, afterID string, count int64, withSamples bool) ([]redis.StoredPage, error)
}

// Deps are the collaborators behind the HTTP routes. Pages may be nil when
// Redis is disabled.
type Deps struct {
	Hub       *Hub
	Control   Control
	Ranges    RangeStore
	Pages     PageStore
	SessionID string
	Start     time.Time
	Status    func() map[string]interface{} // extra status sections
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// RegisterRoutes registers all HTTP routes on mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		var channels []string
		if q := r.URL.Query().Get("channels"); q != "" {
			channels = strings.Split(q, ",")
		}
		d.Hub.HandleWSRequest(conn, channels)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"session":      d.SessionID,
			"ws_clients":   d.Hub.ClientCount(),
			"pages_shown":  d.Hub.PagesShown(),
			"scrollback":   d.Hub.Scroll.Scans(),
			"display":      d.Hub.Reads.Health(),
			"uptime_sec":   int64(time.Since(d.Start).Seconds()),
			"system":       CollectSystem(d.Start),
			"ts":           time.Now().UTC().Format(time.RFC3339Nano),
			"last_page_ts": formatTime(d.Hub.LastPageAt()),
		}
		if d.Control != nil {
			status["acquisition"] = d.Control.Stats()
		}
		if d.Status != nil {
			for k, v := range d.Status() {
				status[k] = v
			}
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /api/ranges", func(w http.ResponseWriter, r *http.Request) {
		ranges, err := d.Ranges.ListRanges(sessionParam(r, d.SessionID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ranges == nil {
			ranges = []sqlite.Range{}
		}
		writeJSON(w, http.StatusOK, ranges)
	})

	mux.HandleFunc("GET /api/ranges/{id}/bad", func(w http.ResponseWriter, r *http.Request) {
		session := sessionParam(r, d.SessionID)
		rg, ok := findRange(w, r, d.Ranges, session)
		if !ok {
			return
		}
		bad, err := d.Ranges.BadRanges(session, rg.FirstScan, rg.FirstScan+rg.Scans)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if bad == nil {
			bad = []sqlite.BadRange{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"range": rg, "bad": bad})
	})

	mux.HandleFunc("GET /api/ranges/{id}/data", func(w http.ResponseWriter, r *http.Request) {
		session := sessionParam(r, d.SessionID)
		rg, ok := findRange(w, r, d.Ranges, session)
		if !ok {
			return
		}
		data, first, err := d.Ranges.ReadRange(session, rg.RangeID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		SetCORS(w)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-First-Scan", strconv.FormatInt(first, 10))
		w.Write(data)
	})

	mux.HandleFunc("GET /api/pages", func(w http.ResponseWriter, r *http.Request) {
		if d.Pages == nil {
			writeError(w, http.StatusServiceUnavailable, "page store disabled")
			return
		}
		limit := int64(100)
		if l, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
		withSamples := r.URL.Query().Get("samples") == "1"
		pages, err := d.Pages.Pages(r.Context(), sessionParam(r, d.SessionID), r.URL.Query().Get("after"), limit, withSamples)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, pages)
	})

	// Gap backfill: envelopes for channel with channel_seq in [from, to].
	mux.HandleFunc("GET /api/missed", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		channel := q.Get("channel")
		if channel == "" {
			channel = ChannelPages
		}
		from, err := strconv.ParseInt(q.Get("from"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from is required")
			return
		}
		to, _ := strconv.ParseInt(q.Get("to"), 10, 64)
		envelopes := d.Hub.GetReplayRange(channel, from, to)
		out := make([]json.RawMessage, len(envelopes))
		for i, e := range envelopes {
			out[i] = e
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"channel":     channel,
			"channel_seq": d.Hub.GetChannelSeq(channel),
			"envelopes":   out,
		})
	})

	mux.HandleFunc("POST /api/trigger", func(w http.ResponseWriter, r *http.Request) {
		if d.Control == nil {
			writeError(w, http.StatusServiceUnavailable, "no controller")
			return
		}
		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		switch req.Action {
		case "start":
			d.Control.ManualStart()
		case "stop":
			d.Control.ManualStop()
		case "clear":
			d.Control.ClearOverride()
		case "external_start":
			d.Control.NotifyExternalStart()
		case "external_stop":
			d.Control.NotifyExternalStop()
		default:
			writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(req.Action))
			return
		}
		log.Printf("[gateway] trigger action %s", req.Action)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "action": req.Action})
	})

	mux.HandleFunc("OPTIONS /api/", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.WriteHeader(http.StatusOK)
	})
}

func sessionParam(r *http.Request, def string) string {
	if s := r.URL.Query().Get("session"); s != "" {
		return s
	}
	return def
}

func findRange(w http.ResponseWriter, r *http.Request, store RangeStore, session string) (sqlite.Range, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid range id")
		return sqlite.Range{}, false
	}
	ranges, err := store.ListRanges(session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return sqlite.Range{}, false
	}
	for _, rg := range ranges {
		if rg.RangeID == id {
			return rg, true
		}
	}
	writeError(w, http.StatusNotFound, "range not found")
	return sqlite.Range{}, false
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
