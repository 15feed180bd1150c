package listing

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepository struct {
	listings map[string]*Listing
	active   map[string]bool // key: sellerAgentID+"/"+skillID
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{listings: map[string]*Listing{}, active: map[string]bool{}}
}

func (f *fakeRepository) Create(ctx context.Context, l *Listing) error {
	key := l.SellerAgentID + "/" + l.SkillID
	if f.active[key] {
		return sql.ErrNoRows
	}
	f.active[key] = true
	f.listings[l.ListingID] = l
	return nil
}

func (f *fakeRepository) GetByID(ctx context.Context, listingID string) (*Listing, error) {
	if l, ok := f.listings[listingID]; ok {
		return l, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRepository) UpdateStatus(ctx context.Context, listingID string, status Status) error {
	l, ok := f.listings[listingID]
	if !ok {
		return sql.ErrNoRows
	}
	l.Status = status
	return nil
}

func (f *fakeRepository) Discover(ctx context.Context, filter DiscoveryFilter) ([]DiscoveryResult, error) {
	var out []DiscoveryResult
	for _, l := range f.listings {
		if l.Status != StatusActive {
			continue
		}
		if filter.SkillID != "" && l.SkillID != filter.SkillID {
			continue
		}
		out = append(out, DiscoveryResult{Listing: *l, SellerReputationIsNew: true})
	}
	return out, nil
}

func TestCreate_RejectsDuplicateActiveSkill(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	req := CreateRequest{SellerAgentID: "seller-1", SkillID: "summarize", PriceModel: PriceModelPerCall, BasePrice: 1.00}
	_, err := svc.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), req)
	assert.Error(t, err)
}

func TestCreate_RejectsInvalidPriceModel(t *testing.T) {
	svc := NewService(newFakeRepository())

	_, err := svc.Create(context.Background(), CreateRequest{
		SellerAgentID: "seller-1", SkillID: "summarize", PriceModel: "bogus", BasePrice: 1.00,
	})

	assert.Error(t, err)
}

func TestDiscover_SortsByReputationThenPrice(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo)

	_, _ = svc.Create(context.Background(), CreateRequest{SellerAgentID: "seller-a", SkillID: "summarize", PriceModel: PriceModelPerCall, BasePrice: 5.00})
	_, _ = svc.Create(context.Background(), CreateRequest{SellerAgentID: "seller-b", SkillID: "summarize", PriceModel: PriceModelPerCall, BasePrice: 1.00})

	results, err := svc.Discover(context.Background(), DiscoveryFilter{SkillID: "summarize"})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1.00, results[0].Listing.BasePrice)
}
