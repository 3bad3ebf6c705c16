// Package service реализует бизнес-логику сервиса парковки.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/mmeshcher/parking-system/internal/model"
	"github.com/mmeshcher/parking-system/internal/repository"
	"github.com/mmeshcher/parking-system/internal/tariff"
	"github.com/mmeshcher/parking-system/internal/validation"
)

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidPlate возвращается при синтаксически некорректном номерном знаке.
	ErrInvalidPlate = errors.New("invalid plate")
	// ErrInvalidCategory возвращается при неизвестной категории транспорта.
	ErrInvalidCategory = errors.New("invalid vehicle category")
	// ErrInvalidRole возвращается при неизвестной роли пользователя.
	ErrInvalidRole = errors.New("invalid role")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InitSpaces(ctx context.Context, total, standard int) error
	CreateUser(ctx context.Context, email, name string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListSpaces(ctx context.Context) ([]model.SpaceView, error)
	FindFreeSpaces(ctx context.Context, category model.VehicleCategory) ([]model.Space, error)
	SpaceCounts(ctx context.Context) (int, int, error)
	AllocateSession(ctx context.Context, plate, owner string, category model.VehicleCategory, entry time.Time) (*model.VehicleSession, error)
	CloseSession(ctx context.Context, sessionID int64, exit time.Time) (*model.VehicleSession, error)
	FindOpenSessionByPlate(ctx context.Context, plate string) (*model.VehicleSession, error)
	GetSessionByID(ctx context.Context, sessionID int64) (*model.VehicleSession, error)
	OpenSessions(ctx context.Context) ([]model.VehicleSession, error)
	SessionsByPlate(ctx context.Context, plate string) ([]model.VehicleSession, error)
	ListSessions(ctx context.Context, filter model.SessionFilter) ([]model.VehicleSession, error)
	ReconcileSpaces(ctx context.Context) (int, error)
}

// Service содержит бизнес-логику сервиса парковки.
type Service struct {
	repo     Repository
	schedule tariff.Schedule
	now      func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и тарифной сеткой.
func NewService(repo Repository, schedule tariff.Schedule) *Service {
	return &Service{
		repo:     repo,
		schedule: schedule,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя. Пустая роль трактуется как public.
func (s *Service) RegisterUser(ctx context.Context, email, password, name string, role model.Role) (int64, error) {
	if role == "" {
		role = model.RolePublic
	}
	if !role.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}

	hashed := hashPassword(email, password)
	return s.repo.CreateUser(ctx, email, name, hashed, role)
}

// AuthenticateUser проверяет email и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(email, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// CheckIn регистрирует въезд: нормализует номерной знак, убеждается, что у него
// нет открытой сессии, и атомарно занимает свободное место с наименьшим номером.
func (s *Service) CheckIn(ctx context.Context, plate, owner string, category model.VehicleCategory) (*model.VehicleSession, error) {
	plate = validation.NormalizePlate(plate)
	if !validation.IsValidPlate(plate) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlate, plate)
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	// Проверка дубликата до захвата места даёт точную ошибку; гонку закрывает
	// повторная проверка внутри транзакции AllocateSession.
	open, err := s.repo.FindOpenSessionByPlate(ctx, plate)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrDuplicateActiveSession, plate)
	}

	return s.repo.AllocateSession(ctx, plate, owner, category, s.now())
}

// CheckOut закрывает сессию и освобождает место одним обращением к хранилищу,
// затем считает стоимость по тарифу. Сбой не оставляет закрытую сессию с
// занятым местом, а повтор запроса довершает выезд.
func (s *Service) CheckOut(ctx context.Context, sessionID int64) (*model.CheckOutResult, error) {
	session, err := s.repo.CloseSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, err
	}

	fee, err := tariff.ComputeFee(session.EntryTime, *session.ExitTime, s.schedule)
	if err != nil {
		return nil, fmt.Errorf("compute fee: %w", err)
	}

	return &model.CheckOutResult{
		SessionID:   session.ID,
		SpaceNumber: session.SpaceNumber,
		Duration:    tariff.FormatDuration(session.ExitTime.Sub(session.EntryTime)),
		FeeCents:    fee,
	}, nil
}

// Spaces возвращает все места вместе с занимающими их автомобилями.
func (s *Service) Spaces(ctx context.Context) ([]model.SpaceView, error) {
	return s.repo.ListSpaces(ctx)
}

// FreeSpaces возвращает свободные места по возрастанию номера.
// Пустая категория означает любую.
func (s *Service) FreeSpaces(ctx context.Context, category model.VehicleCategory) ([]model.Space, error) {
	if category != "" && !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return s.repo.FindFreeSpaces(ctx, category)
}

// Session возвращает сессию по идентификатору.
func (s *Service) Session(ctx context.Context, sessionID int64) (*model.VehicleSession, error) {
	return s.repo.GetSessionByID(ctx, sessionID)
}

// Status возвращает сводку занятости парковки.
func (s *Service) Status(ctx context.Context) (*model.ParkingStatus, error) {
	total, occupied, err := s.repo.SpaceCounts(ctx)
	if err != nil {
		return nil, err
	}

	pct := 0
	if total > 0 {
		pct = int(math.Round(float64(occupied) / float64(total) * 100))
	}

	return &model.ParkingStatus{
		TotalSpaces:    total,
		OccupiedSpaces: occupied,
		FreeSpaces:     total - occupied,
		OccupancyPct:   pct,
	}, nil
}

// ActiveSessions возвращает все открытые сессии, новые первыми.
func (s *Service) ActiveSessions(ctx context.Context) ([]model.VehicleSession, error) {
	return s.repo.OpenSessions(ctx)
}

// SearchByPlate возвращает всю историю сессий номерного знака.
func (s *Service) SearchByPlate(ctx context.Context, plate string) ([]model.VehicleSession, error) {
	plate = validation.NormalizePlate(plate)
	if !validation.IsValidPlate(plate) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlate, plate)
	}
	return s.repo.SessionsByPlate(ctx, plate)
}

// History возвращает сессии по фильтру, новые первыми.
func (s *Service) History(ctx context.Context, filter model.SessionFilter) ([]model.VehicleSession, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, filter.Category)
	}
	return s.repo.ListSessions(ctx, filter)
}

// Statistics считает агрегаты за период поверх истории сессий.
// Средняя длительность учитывает только сессии с проставленным временем выезда.
func (s *Service) Statistics(ctx context.Context, from, to *time.Time) (*model.Statistics, error) {
	sessions, err := s.repo.ListSessions(ctx, model.SessionFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}

	stats := &model.Statistics{
		Count:           len(sessions),
		CountByCategory: make(map[model.VehicleCategory]int),
		BusiestHour:     -1,
	}

	var hourCounts [24]int
	var totalMinutes float64
	closed := 0

	for _, sess := range sessions {
		stats.CountByCategory[sess.Category]++
		hourCounts[sess.EntryTime.Hour()]++

		if sess.ExitTime != nil {
			totalMinutes += sess.ExitTime.Sub(sess.EntryTime).Minutes()
			closed++
		}
	}

	if closed > 0 {
		stats.AverageDurationMinutes = int(math.Round(totalMinutes / float64(closed)))
	}

	// Мода часа въезда, при равенстве побеждает меньший час.
	best := 0
	for hour := 0; hour < 24; hour++ {
		if hourCounts[hour] > best {
			best = hourCounts[hour]
			stats.BusiestHour = hour
		}
	}

	return stats, nil
}

// ExportHistoryCSV выгружает историю сессий в CSV.
// Порядок колонок: место, знак, владелец, категория, дата и время въезда, время выезда, длительность.
func (s *Service) ExportHistoryCSV(ctx context.Context, w io.Writer, filter model.SessionFilter) error {
	sessions, err := s.repo.ListSessions(ctx, filter)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)

	header := []string{"Space", "Plate", "Owner", "Category", "Entry Date", "Entry Time", "Exit Time", "Duration"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, sess := range sessions {
		exitTime := "-"
		duration := "-"
		if sess.ExitTime != nil {
			exitTime = sess.ExitTime.Format("15:04:05")
			duration = tariff.FormatDuration(sess.ExitTime.Sub(sess.EntryTime))
		}

		record := []string{
			fmt.Sprintf("E-%02d", sess.SpaceNumber),
			validation.FormatPlate(sess.Plate),
			sess.Owner,
			string(sess.Category),
			sess.EntryTime.Format("2006-01-02"),
			sess.EntryTime.Format("15:04:05"),
			exitTime,
			duration,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// InitParking создаёт парковочные места, если они ещё не созданы.
func (s *Service) InitParking(ctx context.Context, total, standard int) error {
	return s.repo.InitSpaces(ctx, total, standard)
}

// StartReconciliation запускает фоновую сверку занятости: места, помеченные
// занятыми без открытой сессии, периодически освобождаются.
func (s *Service) StartReconciliation(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.repo.ReconcileSpaces(ctx)
			}
		}
	}()
}
