package repository

import (
	"context"
	"database/sql"

	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/model"
)

// AgentRepositoryInterface defines methods used by the ingestor and orchestrator
type AgentRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Agent, error)
	ListAll(ctx context.Context) ([]*model.Agent, error)
}

// AgentRepository is the concrete implementation
type AgentRepository struct {
	DB *sql.DB
}

const agentColumns = `id, name, phone, active, deleted, current_workload, max_concurrent_leads, profile, created_at`

func scanAgent(row rowScanner) (*model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Phone, &a.Active, &a.Deleted, &a.CurrentWorkload,
		&a.MaxConcurrentLeads, &a.Profile, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AgentRepository) GetByID(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, appErrors.NewNotFound("agent", id)
	}
	return a, err
}

// ListAll fetches the non-deleted roster ordered by creation, the order the
// phone resolver and the workload fallback break ties on.
func (r *AgentRepository) ListAll(ctx context.Context) ([]*model.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+agentColumns+` FROM agents
        WHERE NOT deleted
        ORDER BY created_at ASC, id ASC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := []*model.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

var _ AgentRepositoryInterface = (*AgentRepository)(nil)
