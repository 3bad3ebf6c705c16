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

	"github.com/mmeshcher/parking-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// queryTimeout ограничивает длительность одного обращения к хранилищу.
const queryTimeout = 10 * time.Second

// ErrUserExists возвращается при попытке создать пользователя с уже существующим email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionNotFound возвращается, если парковочная сессия не найдена.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed возвращается при попытке закрыть уже закрытую сессию.
	ErrSessionClosed = errors.New("session already closed")
	// ErrDuplicateActiveSession возвращается, если у номерного знака уже есть открытая сессия.
	ErrDuplicateActiveSession = errors.New("vehicle already checked in")
	// ErrNoSpaceAvailable возвращается, если нет свободного места нужной категории.
	ErrNoSpaceAvailable = errors.New("no free space for category")
	// ErrInvalidExitTime возвращается, если время выезда раньше времени въезда.
	ErrInvalidExitTime = errors.New("exit time is before entry time")
	// ErrStoreUnavailable возвращается, когда хранилище недоступно или не отвечает вовремя.
	ErrStoreUnavailable = errors.New("storage unavailable")
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

// withRetry выполняет fn с ограничением по времени и повторяет попытку при
// сериализационных конфликтах, дедлоках и сетевых сбоях. Исчерпав попытки на
// сетевой ошибке или таймауте, возвращает ErrStoreUnavailable.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}

		// Отмена со стороны вызывающего — выходим сразу
		if ctx.Err() != nil {
			return ctx.Err()
		}

		transient := false
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			transient = pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
		}
		unavailable := isConnectionError(err) || errors.Is(err, context.DeadlineExceeded)

		if !transient && !unavailable {
			break
		}
		if i == len(delays) {
			if unavailable {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			break
		}

		select {
		case <-time.After(delays[i]):
		case <-ctx.Done():
			return ctx.Err()
		}
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

// InitSpaces создаёт total парковочных мест, если они ещё не созданы.
// Первые standard мест получают категорию standard, остальные — oversize.
// Повторный вызов ничего не меняет.
func (r *PostgresRepository) InitSpaces(ctx context.Context, total, standard int) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		for n := 1; n <= total; n++ {
			category := model.CategoryStandard
			if n > standard {
				category = model.CategoryOversize
			}

			_, err := tx.Exec(ctx,
				`INSERT INTO spaces (number, category) VALUES ($1, $2) ON CONFLICT (number) DO NOTHING`,
				n, string(category),
			)
			if err != nil {
				return fmt.Errorf("insert space %d: %w", n, err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, email, name string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx,
			`INSERT INTO users (email, name, password_hash, role) VALUES ($1, $2, $3, $4) RETURNING id`,
			email, name, passwordHash, string(role),
		).Scan(&id)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrUserExists, email)
			}
			return fmt.Errorf("create user: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`SELECT id, email, name, password_hash, role, created_at FROM users WHERE email = $1`,
			email,
		)

		var role string
		err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("get user: %w", err)
		}
		u.Role = model.Role(role)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListSpaces возвращает все места по возрастанию номера вместе с занимающей их открытой сессией.
func (r *PostgresRepository) ListSpaces(ctx context.Context) ([]model.SpaceView, error) {
	var res []model.SpaceView
	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT sp.number, sp.category, sp.occupied, sp.session_id,
			        s.id, s.plate, s.owner, s.category, s.entry_time, s.space_number
			 FROM spaces sp
			 LEFT JOIN sessions s ON s.id = sp.session_id AND s.state = 'OPEN'
			 ORDER BY sp.number`,
		)
		if err != nil {
			return fmt.Errorf("select spaces: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var (
				v           model.SpaceView
				category    string
				sessionID   *int64
				plate       *string
				owner       *string
				sessionCat  *string
				entryTime   *time.Time
				spaceNumber *int
			)
			err := rows.Scan(&v.Number, &category, &v.Occupied, &v.SessionID,
				&sessionID, &plate, &owner, &sessionCat, &entryTime, &spaceNumber)
			if err != nil {
				return fmt.Errorf("scan space: %w", err)
			}

			v.Category = model.VehicleCategory(category)
			if sessionID != nil {
				v.Vehicle = &model.VehicleSession{
					ID:          *sessionID,
					Plate:       *plate,
					Owner:       *owner,
					Category:    model.VehicleCategory(*sessionCat),
					EntryTime:   *entryTime,
					State:       model.SessionOpen,
					SpaceNumber: *spaceNumber,
				}
			}

			res = append(res, v)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FindFreeSpaces возвращает свободные места по возрастанию номера.
// Пустая категория означает любую; пустой результат — не ошибка.
func (r *PostgresRepository) FindFreeSpaces(ctx context.Context, category model.VehicleCategory) ([]model.Space, error) {
	var res []model.Space
	err := r.withRetry(ctx, func(ctx context.Context) error {
		query := `SELECT number, category, occupied FROM spaces WHERE occupied = FALSE`
		args := []any{}
		if category != "" {
			query += ` AND category = $1`
			args = append(args, string(category))
		}
		query += ` ORDER BY number`

		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select free spaces: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var sp model.Space
			var cat string
			if err := rows.Scan(&sp.Number, &cat, &sp.Occupied); err != nil {
				return fmt.Errorf("scan space: %w", err)
			}
			sp.Category = model.VehicleCategory(cat)
			res = append(res, sp)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SpaceCounts возвращает общее число мест и число занятых.
func (r *PostgresRepository) SpaceCounts(ctx context.Context) (int, int, error) {
	var total, occupied int
	err := r.withRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx,
			`SELECT count(*), count(*) FILTER (WHERE occupied) FROM spaces`,
		).Scan(&total, &occupied)
		if err != nil {
			return fmt.Errorf("count spaces: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return total, occupied, nil
}

// AllocateSession атомарно открывает сессию: проверяет отсутствие открытой
// сессии для номерного знака, занимает свободное место с наименьшим номером
// условным обновлением и создаёт запись сессии. Откат транзакции гарантирует,
// что не останется ни занятого места без сессии, ни сессии без места.
func (r *PostgresRepository) AllocateSession(ctx context.Context, plate, owner string, category model.VehicleCategory, entry time.Time) (*model.VehicleSession, error) {
	var session *model.VehicleSession
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var existing int64
		err = tx.QueryRow(ctx,
			`SELECT id FROM sessions WHERE plate = $1 AND state = 'OPEN'`,
			plate,
		).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateActiveSession, plate)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check open session: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT number FROM spaces WHERE occupied = FALSE AND category = $1 ORDER BY number`,
			string(category),
		)
		if err != nil {
			return fmt.Errorf("select free spaces: %w", err)
		}

		var candidates []int
		for rows.Next() {
			var n int
			if err := rows.Scan(&n); err != nil {
				rows.Close()
				return fmt.Errorf("scan space: %w", err)
			}
			candidates = append(candidates, n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		// Условная запись: параллельный въезд мог занять кандидата после чтения,
		// тогда пробуем следующий по номеру.
		spaceNumber := 0
		for _, n := range candidates {
			tag, err := tx.Exec(ctx,
				`UPDATE spaces SET occupied = TRUE WHERE number = $1 AND occupied = FALSE`,
				n,
			)
			if err != nil {
				return fmt.Errorf("occupy space %d: %w", n, err)
			}
			if tag.RowsAffected() == 1 {
				spaceNumber = n
				break
			}
		}
		if spaceNumber == 0 {
			return fmt.Errorf("%w: %s", ErrNoSpaceAvailable, category)
		}

		var id int64
		err = tx.QueryRow(ctx,
			`INSERT INTO sessions (plate, owner, category, entry_time, state, space_number)
			 VALUES ($1, $2, $3, $4, 'OPEN', $5) RETURNING id`,
			plate, owner, string(category), entry, spaceNumber,
		).Scan(&id)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrDuplicateActiveSession, plate)
			}
			return fmt.Errorf("insert session: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE spaces SET session_id = $2 WHERE number = $1`,
			spaceNumber, id,
		)
		if err != nil {
			return fmt.Errorf("link session to space: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		session = &model.VehicleSession{
			ID:          id,
			Plate:       plate,
			Owner:       owner,
			Category:    category,
			EntryTime:   entry,
			State:       model.SessionOpen,
			SpaceNumber: spaceNumber,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// CloseSession закрывает открытую сессию и освобождает её место в одной
// транзакции: либо сессия закрыта и место свободно, либо ничего не изменилось.
func (r *PostgresRepository) CloseSession(ctx context.Context, sessionID int64, exit time.Time) (*model.VehicleSession, error) {
	var session *model.VehicleSession
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx,
			`SELECT id, plate, owner, category, entry_time, state, space_number
			 FROM sessions WHERE id = $1 FOR UPDATE`,
			sessionID,
		)

		var s model.VehicleSession
		var category, state string
		err = row.Scan(&s.ID, &s.Plate, &s.Owner, &category, &s.EntryTime, &state, &s.SpaceNumber)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
			}
			return fmt.Errorf("get session: %w", err)
		}

		if model.SessionState(state) == model.SessionClosed {
			return fmt.Errorf("%w: %d", ErrSessionClosed, sessionID)
		}
		if exit.Before(s.EntryTime) {
			return ErrInvalidExitTime
		}

		_, err = tx.Exec(ctx,
			`UPDATE sessions SET exit_time = $2, state = 'CLOSED' WHERE id = $1`,
			sessionID, exit,
		)
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE spaces SET occupied = FALSE, session_id = NULL WHERE number = $1`,
			s.SpaceNumber,
		)
		if err != nil {
			return fmt.Errorf("release space: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		s.Category = model.VehicleCategory(category)
		s.ExitTime = &exit
		s.State = model.SessionClosed
		session = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// FindOpenSessionByPlate возвращает открытую сессию для номерного знака или nil, если её нет.
func (r *PostgresRepository) FindOpenSessionByPlate(ctx context.Context, plate string) (*model.VehicleSession, error) {
	var session *model.VehicleSession
	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			sessionSelect+` WHERE plate = $1 AND state = 'OPEN'`,
			plate,
		)

		s, err := scanSession(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				session = nil
				return nil
			}
			return fmt.Errorf("find open session: %w", err)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSessionByID возвращает сессию по идентификатору.
func (r *PostgresRepository) GetSessionByID(ctx context.Context, sessionID int64) (*model.VehicleSession, error) {
	var session *model.VehicleSession
	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			sessionSelect+` WHERE id = $1`,
			sessionID,
		)

		s, err := scanSession(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
			}
			return fmt.Errorf("get session: %w", err)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// OpenSessions возвращает все открытые сессии, новые первыми.
func (r *PostgresRepository) OpenSessions(ctx context.Context) ([]model.VehicleSession, error) {
	return r.querySessions(ctx,
		sessionSelect+` WHERE state = 'OPEN' ORDER BY entry_time DESC`,
	)
}

// SessionsByPlate возвращает всю историю сессий номерного знака, новые первыми.
func (r *PostgresRepository) SessionsByPlate(ctx context.Context, plate string) ([]model.VehicleSession, error) {
	return r.querySessions(ctx,
		sessionSelect+` WHERE plate = $1 ORDER BY entry_time DESC`,
		plate,
	)
}

// ListSessions возвращает сессии, удовлетворяющие фильтру, новые первыми.
func (r *PostgresRepository) ListSessions(ctx context.Context, filter model.SessionFilter) ([]model.VehicleSession, error) {
	query := sessionSelect + ` WHERE TRUE`
	args := []any{}

	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(` AND entry_time >= $%d`, len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(` AND entry_time <= $%d`, len(args))
	}
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		query += fmt.Sprintf(` AND category = $%d`, len(args))
	}

	query += ` ORDER BY entry_time DESC`

	return r.querySessions(ctx, query, args...)
}

// ReconcileSpaces освобождает места, помеченные занятыми без открытой сессии.
// Возвращает число исправленных мест.
func (r *PostgresRepository) ReconcileSpaces(ctx context.Context) (int, error) {
	var released int
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE spaces SET occupied = FALSE, session_id = NULL
			 WHERE occupied = TRUE
			   AND (session_id IS NULL OR NOT EXISTS (
			       SELECT 1 FROM sessions s WHERE s.id = spaces.session_id AND s.state = 'OPEN'))`,
		)
		if err != nil {
			return fmt.Errorf("reconcile spaces: %w", err)
		}
		released = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

const sessionSelect = `SELECT id, plate, owner, category, entry_time, exit_time, state, space_number FROM sessions`

func scanSession(row pgx.Row) (*model.VehicleSession, error) {
	var (
		s        model.VehicleSession
		category string
		state    string
		exitTime *time.Time
	)
	err := row.Scan(&s.ID, &s.Plate, &s.Owner, &category, &s.EntryTime, &exitTime, &state, &s.SpaceNumber)
	if err != nil {
		return nil, err
	}
	s.Category = model.VehicleCategory(category)
	s.State = model.SessionState(state)
	s.ExitTime = exitTime
	return &s, nil
}

func (r *PostgresRepository) querySessions(ctx context.Context, query string, args ...any) ([]model.VehicleSession, error) {
	var res []model.VehicleSession
	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select sessions: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("scan session: %w", err)
			}
			res = append(res, *s)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
