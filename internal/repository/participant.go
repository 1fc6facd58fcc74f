package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

var ErrNotFound = errors.New("not found")

type ParticipantRepository struct {
	pool *pgxpool.Pool
}

func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

// Upsert создаёт участника или обновляет его снимок. Пустые поля не затирают сохранённые:
// получатель создаётся только по id, имя придёт из его собственного токена.
func (r *ParticipantRepository) Upsert(ctx context.Context, p model.Participant) error {
	defer logger.DeferLogDuration("participant.Upsert", time.Now())()
	if !model.ValidParticipantID(p.ID) {
		return fmt.Errorf("participantRepo.Upsert: invalid id %q", p.ID)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO participants (id, display_name, contact)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		     display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), participants.display_name),
		     contact      = COALESCE(NULLIF(EXCLUDED.contact, ''), participants.contact),
		     updated_at   = NOW()`,
		p.ID, p.DisplayName, p.Contact,
	)
	if err != nil {
		return fmt.Errorf("participantRepo.Upsert: %w", err)
	}
	return nil
}

func (r *ParticipantRepository) GetByID(ctx context.Context, id string) (*model.Participant, error) {
	defer logger.DeferLogDuration("participant.GetByID", time.Now())()
	p := &model.Participant{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, display_name, contact FROM participants WHERE id = $1`, id,
	).Scan(&p.ID, &p.DisplayName, &p.Contact)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("participantRepo.GetByID: %w", err)
	}
	return p, nil
}
