package listing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresRepository implements Repository against the listings table,
// joined with agents for discovery ranking.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, l *Listing) error {
	var sla interface{}
	if l.SLA != nil {
		sla = *l.SLA
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO listings (listing_id, seller_agent_id, skill_id, description,
			price_model, base_price, currency, sla, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, l.ListingID, l.SellerAgentID, l.SkillID, l.Description,
		string(l.PriceModel), l.BasePrice, l.Currency, sla, string(l.Status), l.CreatedAt)
	return err
}

func (r *PostgresRepository) GetByID(ctx context.Context, listingID string) (*Listing, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT listing_id, seller_agent_id, skill_id, description, price_model,
			base_price, currency, sla, status, created_at
		FROM listings WHERE listing_id = $1
	`, listingID)
	return scanListing(row)
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, listingID string, status Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE listings SET status = $2 WHERE listing_id = $1`, listingID, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *PostgresRepository) Discover(ctx context.Context, filter DiscoveryFilter) ([]DiscoveryResult, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT l.listing_id, l.seller_agent_id, l.skill_id, l.description, l.price_model,
			l.base_price, l.currency, l.sla, l.status, l.created_at,
			a.reputation_as_seller, a.reviews_as_seller_count
		FROM listings l
		JOIN agents a ON a.agent_id = l.seller_agent_id
		WHERE l.status = 'active'
	`)
	args := []interface{}{}
	argN := 0

	if filter.SkillID != "" {
		argN++
		query.WriteString(fmt.Sprintf(" AND l.skill_id = $%d", argN))
		args = append(args, filter.SkillID)
	}
	if filter.MaxPrice != nil {
		argN++
		query.WriteString(fmt.Sprintf(" AND l.base_price <= $%d", argN))
		args = append(args, *filter.MaxPrice)
	}
	if filter.PriceModel != nil {
		argN++
		query.WriteString(fmt.Sprintf(" AND l.price_model = $%d", argN))
		args = append(args, string(*filter.PriceModel))
	}
	if filter.MinRating != nil {
		argN++
		query.WriteString(fmt.Sprintf(" AND a.reputation_as_seller >= $%d", argN))
		args = append(args, *filter.MinRating)
	}

	rows, err := r.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	const newReviewThreshold = 20
	var out []DiscoveryResult
	for rows.Next() {
		var l Listing
		var priceModel, status string
		var sla sql.NullString
		var reputation sql.NullFloat64
		var reviewCount int

		if err := rows.Scan(&l.ListingID, &l.SellerAgentID, &l.SkillID, &l.Description,
			&priceModel, &l.BasePrice, &l.Currency, &sla, &status, &l.CreatedAt,
			&reputation, &reviewCount); err != nil {
			return nil, err
		}
		l.PriceModel = PriceModel(priceModel)
		l.Status = Status(status)
		if sla.Valid {
			v := sla.String
			l.SLA = &v
		}

		result := DiscoveryResult{Listing: l}
		if reviewCount < newReviewThreshold || !reputation.Valid {
			result.SellerReputationIsNew = true
		} else {
			result.SellerReputation = reputation.Float64
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

func scanListing(row *sql.Row) (*Listing, error) {
	var l Listing
	var priceModel, status string
	var sla sql.NullString

	err := row.Scan(&l.ListingID, &l.SellerAgentID, &l.SkillID, &l.Description,
		&priceModel, &l.BasePrice, &l.Currency, &sla, &status, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.PriceModel = PriceModel(priceModel)
	l.Status = Status(status)
	if sla.Valid {
		v := sla.String
		l.SLA = &v
	}
	return &l, nil
}
