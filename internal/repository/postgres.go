// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/appasalvi/catarse/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProjectNotFound возвращается, если проект не найден.
	ErrProjectNotFound = errors.New("project not found")
	// ErrRewardNotFound возвращается, если вознаграждение не найдено.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrBackerNotFound возвращается, если взнос не найден.
	ErrBackerNotFound = errors.New("backer not found")
	// ErrRewardCapacityExceeded возвращается, если лимит взносов по
	// вознаграждению уже исчерпан на момент вставки.
	ErrRewardCapacityExceeded = errors.New("reward maximum backers reached")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Сериализационные сбои и дедлоки безопасно повторять: транзакция
		// вставки взноса держит блокировку строки вознаграждения.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetProject возвращает проект по идентификатору.
func (r *PostgresRepository) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, state FROM projects WHERE id = $1`,
		id,
	)

	var (
		p     model.Project
		state string
	)
	if err := row.Scan(&p.ID, &p.Name, &state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.State = model.ProjectState(state)

	return &p, nil
}

// GetReward возвращает вознаграждение по идентификатору.
func (r *PostgresRepository) GetReward(ctx context.Context, id int64) (*model.Reward, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, project_id, minimum_value, maximum_backers FROM rewards WHERE id = $1`,
		id,
	)

	var rw model.Reward
	if err := row.Scan(&rw.ID, &rw.ProjectID, &rw.MinimumValueCents, &rw.MaximumBackers); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("get reward: %w", err)
	}

	return &rw, nil
}

// CountConfirmedByReward возвращает число подтверждённых взносов по вознаграждению.
func (r *PostgresRepository) CountConfirmedByReward(ctx context.Context, rewardID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM backers WHERE reward_id = $1 AND state = $2`,
		rewardID, string(model.BackerStateConfirmed),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count confirmed backers: %w", err)
	}
	return count, nil
}

// CreateBacker сохраняет взнос. Проверка лимита вознаграждения и вставка
// выполняются в одной транзакции под блокировкой строки вознаграждения,
// поэтому два одновременных взноса не могут превысить maximum_backers.
func (r *PostgresRepository) CreateBacker(ctx context.Context, b model.Backer) (model.Backer, error) {
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if b.RewardID != nil {
			var maximumBackers int
			err = tx.QueryRow(ctx,
				`SELECT maximum_backers FROM rewards WHERE id = $1 FOR UPDATE`,
				*b.RewardID,
			).Scan(&maximumBackers)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrRewardNotFound
				}
				return fmt.Errorf("lock reward for update: %w", err)
			}

			var confirmed int64
			err = tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM backers WHERE reward_id = $1 AND state = $2`,
				*b.RewardID, string(model.BackerStateConfirmed),
			).Scan(&confirmed)
			if err != nil {
				return fmt.Errorf("count confirmed backers: %w", err)
			}

			if confirmed >= int64(maximumBackers) {
				return ErrRewardCapacityExceeded
			}
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO backers (project_id, user_id, reward_id, value, state, uses_credits, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			b.ProjectID, b.UserID, b.RewardID, b.ValueCents, string(b.State), b.UsesCredits, b.CreatedAt,
		).Scan(&b.ID)
		if err != nil {
			return fmt.Errorf("insert backer: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return model.Backer{}, err
	}

	return b, nil
}

// GetBackerByID возвращает взнос по идентификатору.
func (r *PostgresRepository) GetBackerByID(ctx context.Context, id int64) (*model.Backer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, project_id, user_id, reward_id, value, state, uses_credits, created_at
		 FROM backers
		 WHERE id = $1`,
		id,
	)

	b, err := scanBacker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBackerNotFound
		}
		return nil, fmt.Errorf("get backer: %w", err)
	}

	return &b, nil
}

// GetBackersByUser возвращает список взносов пользователя.
func (r *PostgresRepository) GetBackersByUser(ctx context.Context, userID int64) ([]model.Backer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, user_id, reward_id, value, state, uses_credits, created_at
		 FROM backers
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select backers: %w", err)
	}

	return collectBackers(rows)
}

// UpdateBackerState переводит взнос из состояния from в состояние to.
// Сравнение с from делает обновление атомарным: параллельный переход,
// успевший первым, оставляет эту команду без эффекта.
func (r *PostgresRepository) UpdateBackerState(ctx context.Context, id int64, from, to model.BackerState) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE backers SET state = $3 WHERE id = $1 AND state = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("update backer state: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// BetweenValues возвращает взносы с суммой в указанном диапазоне включительно.
func (r *PostgresRepository) BetweenValues(ctx context.Context, minCents, maxCents int64) ([]model.Backer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, user_id, reward_id, value, state, uses_credits, created_at
		 FROM backers
		 WHERE value >= $1 AND value <= $2
		 ORDER BY created_at`,
		minCents, maxCents,
	)
	if err != nil {
		return nil, fmt.Errorf("select backers between values: %w", err)
	}

	return collectBackers(rows)
}

// ByState возвращает взносы в указанном состоянии.
func (r *PostgresRepository) ByState(ctx context.Context, state model.BackerState) ([]model.Backer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, user_id, reward_id, value, state, uses_credits, created_at
		 FROM backers
		 WHERE state = $1
		 ORDER BY created_at`,
		string(state),
	)
	if err != nil {
		return nil, fmt.Errorf("select backers by state: %w", err)
	}

	return collectBackers(rows)
}

// CanCancel возвращает взносы, просрочившие подтверждение: состояние
// waiting_confirmation и создание строго раньше границы окна.
func (r *PostgresRepository) CanCancel(ctx context.Context, cutoff time.Time) ([]model.Backer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, user_id, reward_id, value, state, uses_credits, created_at
		 FROM backers
		 WHERE state = $1 AND created_at < $2
		 ORDER BY created_at`,
		string(model.BackerStateWaitingConfirmation), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("select backers to cancel: %w", err)
	}

	return collectBackers(rows)
}

// PendingToRefund возвращает взносы, ожидающие завершения возврата.
func (r *PostgresRepository) PendingToRefund(ctx context.Context) ([]model.Backer, error) {
	return r.ByState(ctx, model.BackerStateRequestedRefund)
}

// InTimeToConfirm возвращает взносы, ожидающие подтверждения оплаты.
func (r *PostgresRepository) InTimeToConfirm(ctx context.Context) ([]model.Backer, error) {
	return r.ByState(ctx, model.BackerStateWaitingConfirmation)
}

// RefundCandidates возвращает подтверждённые взносы в провалившиеся проекты,
// созданные не раньше oldest (граница 180-дневного окна возврата).
func (r *PostgresRepository) RefundCandidates(ctx context.Context, oldest time.Time) ([]model.Backer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT b.id, b.project_id, b.user_id, b.reward_id, b.value, b.state, b.uses_credits, b.created_at
		 FROM backers b
		 JOIN projects p ON p.id = b.project_id
		 WHERE b.state = $1 AND p.state = $2 AND b.created_at >= $3
		 ORDER BY b.created_at`,
		string(model.BackerStateConfirmed), string(model.ProjectStateFailed), oldest,
	)
	if err != nil {
		return nil, fmt.Errorf("select refund candidates: %w", err)
	}

	return collectBackers(rows)
}

// BackerWithProject объединяет взнос с текущим состоянием его проекта.
type BackerWithProject struct {
	Backer       model.Backer
	ProjectState model.ProjectState
}

// BackersWithProjectByUser возвращает взносы пользователя вместе с
// состояниями их проектов. Используется при расчёте кредитов.
func (r *PostgresRepository) BackersWithProjectByUser(ctx context.Context, userID int64) ([]BackerWithProject, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT b.id, b.project_id, b.user_id, b.reward_id, b.value, b.state, b.uses_credits, b.created_at, p.state
		 FROM backers b
		 JOIN projects p ON p.id = b.project_id
		 WHERE b.user_id = $1
		 ORDER BY b.created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select backers with project: %w", err)
	}
	defer rows.Close()

	var res []BackerWithProject
	for rows.Next() {
		var (
			b            model.Backer
			state        string
			projectState string
		)
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.UserID, &b.RewardID, &b.ValueCents, &state, &b.UsesCredits, &b.CreatedAt, &projectState); err != nil {
			return nil, fmt.Errorf("scan backer with project: %w", err)
		}
		b.State = model.BackerState(state)

		res = append(res, BackerWithProject{
			Backer:       b,
			ProjectState: model.ProjectState(projectState),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanBacker(row pgx.Row) (model.Backer, error) {
	var (
		b     model.Backer
		state string
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &b.UserID, &b.RewardID, &b.ValueCents, &state, &b.UsesCredits, &b.CreatedAt); err != nil {
		return model.Backer{}, err
	}
	b.State = model.BackerState(state)
	return b, nil
}

func collectBackers(rows pgx.Rows) ([]model.Backer, error) {
	defer rows.Close()

	var res []model.Backer
	for rows.Next() {
		b, err := scanBacker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backer: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
