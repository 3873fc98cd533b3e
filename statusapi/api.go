package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/andrebq/challenged/gate"
	"github.com/andrebq/challenged/internal/logutil"
	"github.com/andrebq/challenged/notice"
	"github.com/julienschmidt/httprouter"
)

type (
	PendingLister interface {
		Pending() []gate.PendingChallenge
	}

	NoticeLister interface {
		List(limit int) ([]notice.Notice, error)
	}

	ConnCounter interface {
		Active() int
	}

	Health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Pending     int    `json:"pending"`
	}
)

const (
	defaultNoticeLimit = 100
)

// AsHandler exposes what the server is doing. Every route is read-only:
// approvals happen outside of this process.
//
// notices may be nil, in which case /notices always returns an empty list.
func AsHandler(ctx context.Context, pending PendingLister, notices NoticeLister, conns ConnCounter) http.Handler {
	router := httprouter.New()
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h := Health{Status: "ok", Pending: len(pending.Pending())}
		if conns != nil {
			h.Connections = conns.Active()
		}
		writeJSON(w, r, h)
	})
	router.GET("/pending", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		list := pending.Pending()
		if list == nil {
			list = []gate.PendingChallenge{}
		}
		writeJSON(w, r, list)
	})
	router.GET("/notices", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		limit := defaultNoticeLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		list := []notice.Notice{}
		if notices != nil {
			found, err := notices.List(limit)
			if err != nil {
				logger := logutil.GetOrDefault(r.Context())
				logger.Error().Err(err).Msg("Unable to list notices")
				http.Error(w, "unable to list notices", http.StatusInternalServerError)
				return
			}
			list = append(list, found...)
		}
		writeJSON(w, r, list)
	})
	log := logutil.GetOrDefault(ctx).With().Str("component", "statusapi").Logger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r.WithContext(logutil.WithLogger(r.Context(), log)))
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		logger := logutil.GetOrDefault(r.Context())
		logger.Error().Err(err).Msg("Unable to encode response")
		http.Error(w, "unable to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}
