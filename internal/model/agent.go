// internal/model/agent.go
package model

import "time"

// Agent is a seller who receives qualified conversations.
type Agent struct {
	ID                 string    `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	Phone              string    `db:"phone" json:"phone"`
	Active             bool      `db:"active" json:"active"`
	Deleted            bool      `db:"deleted" json:"deleted"`
	CurrentWorkload    int       `db:"current_workload" json:"current_workload"`
	MaxConcurrentLeads int       `db:"max_concurrent_leads" json:"max_concurrent_leads"`
	Profile            string    `db:"profile" json:"profile"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

func (a *Agent) Available() bool {
	return a.Active && !a.Deleted
}
