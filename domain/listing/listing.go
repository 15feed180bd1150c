// Package listing implements service-offering CRUD and discovery ranking.
package listing

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lreardon/agent-repository/infrastructure/errors"
	"github.com/lreardon/agent-repository/infrastructure/validate"
)

// PriceModel is the unit a listing's base_price is denominated against.
type PriceModel string

const (
	PriceModelPerCall PriceModel = "per_call"
	PriceModelPerUnit PriceModel = "per_unit"
	PriceModelPerHour PriceModel = "per_hour"
	PriceModelFlat    PriceModel = "flat"
)

// Status is a listing's visibility state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Listing is a seller's service offering.
type Listing struct {
	ListingID     string
	SellerAgentID string
	SkillID       string
	Description   string
	PriceModel    PriceModel
	BasePrice     float64
	Currency      string
	SLA           *string
	Status        Status
	CreatedAt     time.Time
}

var validPriceModels = map[PriceModel]bool{
	PriceModelPerCall: true, PriceModelPerUnit: true, PriceModelPerHour: true, PriceModelFlat: true,
}

// CreateRequest is the caller-supplied portion of a new Listing.
type CreateRequest struct {
	SellerAgentID string
	SkillID       string
	Description   string
	PriceModel    PriceModel
	BasePrice     float64
	Currency      string
	SLA           *string
}

// Repository persists and retrieves Listing records.
type Repository interface {
	Create(ctx context.Context, l *Listing) error
	GetByID(ctx context.Context, listingID string) (*Listing, error)
	UpdateStatus(ctx context.Context, listingID string, status Status) error
	Discover(ctx context.Context, filter DiscoveryFilter) ([]DiscoveryResult, error)
}

// DiscoveryFilter narrows the set of listings a discovery query considers.
type DiscoveryFilter struct {
	SkillID    string
	MinRating  *float64
	MaxPrice   *float64
	PriceModel *PriceModel
}

// DiscoveryResult pairs a listing with the seller reputation the ranking
// comparator sorts on.
type DiscoveryResult struct {
	Listing               Listing
	SellerReputation      float64
	SellerReputationIsNew bool
}

// Service implements listing creation and discovery.
type Service struct {
	repo Repository
}

// NewService constructs the listing Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create validates and inserts a new listing. The single-active-per-skill
// invariant is enforced at the storage layer's partial unique index; a
// violation surfaces here as a conflict.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Listing, error) {
	if err := validate.Tag("skill_id", req.SkillID); err != nil {
		return nil, err
	}
	if !validPriceModels[req.PriceModel] {
		return nil, errors.InvalidFormat("price_model", "one of per_call, per_unit, per_hour, flat")
	}
	if req.BasePrice <= 0 || req.BasePrice > validate.MaxDecimalBound {
		return nil, errors.OutOfRange("base_price", 0, validate.MaxDecimalBound)
	}
	if err := validate.FreeText("description", req.Description, validate.MaxDescriptionLen); err != nil {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = "credits"
	}

	l := &Listing{
		ListingID:     uuid.NewString(),
		SellerAgentID: req.SellerAgentID,
		SkillID:       req.SkillID,
		Description:   req.Description,
		PriceModel:    req.PriceModel,
		BasePrice:     req.BasePrice,
		Currency:      currency,
		SLA:           req.SLA,
		Status:        StatusActive,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, l); err != nil {
		return nil, errors.Conflict("a listing for this skill is already active")
	}
	return l, nil
}

// Get loads a listing by ID.
func (s *Service) Get(ctx context.Context, listingID string) (*Listing, error) {
	l, err := s.repo.GetByID(ctx, listingID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("listing", listingID)
		}
		return nil, errors.DatabaseError("get listing", err)
	}
	return l, nil
}

// Pause transitions a listing out of the active set without archiving it.
func (s *Service) Pause(ctx context.Context, listingID string) error {
	return s.setStatus(ctx, listingID, StatusPaused)
}

// Archive permanently retires a listing (still restrict-on-delete, never
// hard-deleted).
func (s *Service) Archive(ctx context.Context, listingID string) error {
	return s.setStatus(ctx, listingID, StatusArchived)
}

func (s *Service) setStatus(ctx context.Context, listingID string, status Status) error {
	if err := s.repo.UpdateStatus(ctx, listingID, status); err != nil {
		if err == sql.ErrNoRows {
			return errors.NotFound("listing", listingID)
		}
		return errors.DatabaseError("update listing status", err)
	}
	return nil
}

// Discover returns active listings matching filter, ranked by (seller
// reputation descending, base price ascending, listing_id ascending).
func (s *Service) Discover(ctx context.Context, filter DiscoveryFilter) ([]DiscoveryResult, error) {
	results, err := s.repo.Discover(ctx, filter)
	if err != nil {
		return nil, errors.DatabaseError("discover listings", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.SellerReputationIsNew != b.SellerReputationIsNew {
			return !a.SellerReputationIsNew // known reputations sort before "new"
		}
		if a.SellerReputation != b.SellerReputation {
			return a.SellerReputation > b.SellerReputation
		}
		if a.Listing.BasePrice != b.Listing.BasePrice {
			return a.Listing.BasePrice < b.Listing.BasePrice
		}
		return a.Listing.ListingID < b.Listing.ListingID
	})

	return results, nil
}
