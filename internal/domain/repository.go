package domain

import (
	"context"
	"time"
)

// Repository is the narrow capability set the engine consumes from the
// durable data store it does not own. Every method accepts tenantID and
// returns one of the typed failures in package engineerr
// (NotFound | Database | Validation | TenantMismatch) wrapped as a plain
// error; the repository, not the engine, owns tenant-isolation enforcement
// at the storage layer, but callers still verify tenantID on every
// returned record (TenantMismatch is a fatal programmer error, never
// swallowed).
type Repository interface {
	GetPortfolio(ctx context.Context, tenantID, id string) (*Portfolio, error)
	ListPortfolios(ctx context.Context, tenantID, clientID string, page Pagination) (Page[Portfolio], error)
	PutPortfolio(ctx context.Context, tenantID string, p *Portfolio) error
	DeletePortfolio(ctx context.Context, tenantID, id string) error

	GetTransaction(ctx context.Context, tenantID, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, tenantID, accountID string, start, end time.Time, page Pagination) (Page[Transaction], error)
	PutTransaction(ctx context.Context, tenantID string, t *Transaction) error
	DeleteTransaction(ctx context.Context, tenantID, id string) error

	GetAccount(ctx context.Context, tenantID, id string) (*Account, error)
	ListAccounts(ctx context.Context, tenantID, portfolioID string, page Pagination) (Page[Account], error)
	PutAccount(ctx context.Context, tenantID string, a *Account) error
	DeleteAccount(ctx context.Context, tenantID, id string) error

	GetSecurity(ctx context.Context, tenantID, id string) (*Security, error)
	ListSecurities(ctx context.Context, tenantID string, page Pagination) (Page[Security], error)
	PutSecurity(ctx context.Context, tenantID string, s *Security) error
	DeleteSecurity(ctx context.Context, tenantID, id string) error

	GetPrice(ctx context.Context, tenantID, securityID string, date time.Time) (*Price, error)
	ListPrices(ctx context.Context, tenantID, securityID string, start, end time.Time, page Pagination) (Page[Price], error)
	PutPrice(ctx context.Context, tenantID string, p *Price) error

	GetPositions(ctx context.Context, tenantID, accountID string, date time.Time) ([]Position, error)
	PutPosition(ctx context.Context, tenantID string, p *Position) error
}
