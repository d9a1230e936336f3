package station

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SB-IM/tablehub/internal/station/httpx"
	"github.com/SB-IM/tablehub/internal/store"
)

// StatusResponse is the body of GET /v1/hub/status.
type StatusResponse struct {
	HubID          string   `json:"hubId"`
	RestaurantID   string   `json:"restaurantId"`
	SignalingReady bool     `json:"signalingReady"`
	Peers          []string `json:"peers"`
	Clients        int      `json:"clients"`
}

// Handler returns the station's HTTP routes.
func (s *Station) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/hub/status", s.handleStatus()).Methods(http.MethodGet)
	r.HandleFunc("/v1/hub/orders", s.handleListOrders()).Methods(http.MethodGet)
	r.HandleFunc("/v1/hub/orders/{id}", s.handleGetOrder()).Methods(http.MethodGet)
	r.HandleFunc("/v1/hub/ws", s.hub.handleWS())
	r.Handle("/metrics", promhttp.Handler())
	s.logger.Debug().Msg("registered HTTP handlers")
	return r
}

func (s *Station) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, StatusResponse{
			HubID:          s.config.HubID,
			RestaurantID:   s.config.RestaurantID,
			SignalingReady: s.signalingReady.Load(),
			Peers:          s.answerer.Peers(),
			Clients:        s.hub.Clients(),
		})
	}
}

func (s *Station) handleListOrders() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpx.Error(w, http.StatusBadRequest, httpx.ErrInvalidLimit)
				return
			}
			limit = n
		}

		orders, err := s.store.List(r.Context(), s.config.RestaurantID, limit)
		if err != nil {
			s.logger.Err(err).Msg("could not list orders")
			httpx.Error(w, http.StatusInternalServerError, httpx.ErrStoreUnavailable)
			return
		}
		if orders == nil {
			orders = []store.Order{}
		}
		httpx.JSON(w, orders)
	}
}

func (s *Station) handleGetOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
		switch {
		case errors.Is(err, store.ErrNotFound):
			httpx.Error(w, http.StatusNotFound, httpx.ErrOrderNotFound)
			return
		case err != nil:
			s.logger.Err(err).Msg("could not get order")
			httpx.Error(w, http.StatusInternalServerError, httpx.ErrStoreUnavailable)
			return
		}
		if order.RestaurantID != s.config.RestaurantID {
			httpx.Error(w, http.StatusNotFound, httpx.ErrOrderNotFound)
			return
		}
		httpx.JSON(w, order)
	}
}
