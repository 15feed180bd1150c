package api

import (
	"net/http"
	"strconv"

	"github.com/lreardon/agent-repository/domain/listing"
	"github.com/lreardon/agent-repository/infrastructure/httputil"
)

type listingHandlers struct {
	listings *listing.Service
}

type createListingRequest struct {
	SkillID     string  `json:"skill_id"`
	Description string  `json:"description"`
	PriceModel  string  `json:"price_model"`
	BasePrice   float64 `json:"base_price"`
	Currency    string  `json:"currency"`
	SLA         *string `json:"sla,omitempty"`
}

func (h *listingHandlers) create(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	var req createListingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := h.listings.Create(r.Context(), listing.CreateRequest{
		SellerAgentID: caller,
		SkillID:       req.SkillID,
		Description:   req.Description,
		PriceModel:    listing.PriceModel(req.PriceModel),
		BasePrice:     req.BasePrice,
		Currency:      req.Currency,
		SLA:           req.SLA,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *listingHandlers) get(w http.ResponseWriter, r *http.Request) {
	l, err := h.listings.Get(r.Context(), httputil.PathParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *listingHandlers) pause(w http.ResponseWriter, r *http.Request) {
	if err := h.listings.Pause(r.Context(), httputil.PathParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.RespondNoContent(w)
}

func (h *listingHandlers) archive(w http.ResponseWriter, r *http.Request) {
	if err := h.listings.Archive(r.Context(), httputil.PathParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.RespondNoContent(w)
}

func (h *listingHandlers) discover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := listing.DiscoveryFilter{SkillID: q.Get("skill_id")}
	if raw := q.Get("min_rating"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MinRating = &v
		}
	}
	if raw := q.Get("max_price"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MaxPrice = &v
		}
	}
	if raw := q.Get("price_model"); raw != "" {
		pm := listing.PriceModel(raw)
		filter.PriceModel = &pm
	}

	results, err := h.listings.Discover(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
