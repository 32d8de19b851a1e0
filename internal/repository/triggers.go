package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/events"
	"github.com/arcanafx/effects-server-go/internal/triggers"
)

// Schema creates the trigger tables when they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS triggers (
	id          BIGSERIAL PRIMARY KEY,
	name        VARCHAR(255) NOT NULL,
	description VARCHAR(1000),
	event_type  VARCHAR(100) NOT NULL,
	condition   JSONB,
	priority    INTEGER NOT NULL DEFAULT 0,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS trigger_actions (
	id          BIGSERIAL PRIMARY KEY,
	trigger_id  BIGINT NOT NULL REFERENCES triggers(id) ON DELETE CASCADE,
	action_type VARCHAR(50) NOT NULL,
	parameters  JSONB NOT NULL DEFAULT '{}',
	"order"     INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_trigger_actions_trigger ON trigger_actions (trigger_id, "order");
`

const loadTriggersSQL = `
SELECT t.id, t.name, t.event_type, t.condition, t.priority, t.is_active,
       a.action_type, a.parameters
FROM triggers t
LEFT JOIN trigger_actions a ON a.trigger_id = t.id
ORDER BY t.id, a."order", a.id`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TriggerStore loads trigger definitions from Postgres. It never writes.
type TriggerStore struct {
	db     querier
	logger *zap.Logger
}

// NewTriggerStore creates a store backed by pool.
func NewTriggerStore(pool *pgxpool.Pool, logger *zap.Logger) *TriggerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerStore{db: pool, logger: logger}
}

// triggerRow is one row of the trigger/action join.
type triggerRow struct {
	ID         int64
	Name       string
	EventType  string
	Condition  []byte
	Priority   int32
	IsActive   bool
	ActionType *string
	Parameters []byte
}

// Load reads every trigger with its actions in execution order.
func (s *TriggerStore) Load(ctx context.Context) ([]triggers.Definition, error) {
	rows, err := s.db.Query(ctx, loadTriggersSQL)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var scanned []triggerRow
	for rows.Next() {
		var r triggerRow
		if err := rows.Scan(&r.ID, &r.Name, &r.EventType, &r.Condition, &r.Priority, &r.IsActive, &r.ActionType, &r.Parameters); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		scanned = append(scanned, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}

	defs, skipped := assemble(scanned)
	for id, err := range skipped {
		s.logger.Warn("skipping stored trigger", zap.String("trigger_id", id), zap.Error(err))
	}
	s.logger.Debug("loaded triggers from database", zap.Int("count", len(defs)))
	return defs, nil
}

// assemble groups join rows into definitions. Rows must be ordered by trigger id and
// then action order. Triggers with undecodable JSON are returned in skipped.
func assemble(rows []triggerRow) ([]triggers.Definition, map[string]error) {
	var defs []triggers.Definition
	skipped := make(map[string]error)
	index := make(map[int64]int)

	for _, r := range rows {
		id := strconv.FormatInt(r.ID, 10)
		if _, bad := skipped[id]; bad {
			continue
		}

		pos, seen := index[r.ID]
		if !seen {
			def := triggers.Definition{
				ID:        id,
				Name:      r.Name,
				EventType: events.Type(r.EventType),
				Priority:  int(r.Priority),
				IsActive:  r.IsActive,
			}
			if len(r.Condition) > 0 && string(r.Condition) != "null" {
				if err := json.Unmarshal(r.Condition, &def.Condition); err != nil {
					skipped[id] = fmt.Errorf("decode condition: %w", err)
					continue
				}
			}
			defs = append(defs, def)
			pos = len(defs) - 1
			index[r.ID] = pos
		}

		if r.ActionType == nil {
			continue
		}
		action := triggers.ActionSpec{Type: triggers.ActionType(*r.ActionType)}
		if len(r.Parameters) > 0 {
			if err := json.Unmarshal(r.Parameters, &action.Parameters); err != nil {
				skipped[id] = fmt.Errorf("decode action parameters: %w", err)
				continue
			}
		}
		defs[pos].Actions = append(defs[pos].Actions, action)
	}

	if len(skipped) == 0 {
		return defs, skipped
	}
	kept := defs[:0]
	for _, d := range defs {
		if _, bad := skipped[d.ID]; !bad {
			kept = append(kept, d)
		}
	}
	return kept, skipped
}
