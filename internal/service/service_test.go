package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mmeshcher/parking-system/internal/model"
	"github.com/mmeshcher/parking-system/internal/repository"
	"github.com/mmeshcher/parking-system/internal/tariff"
)

var testSchedule = tariff.Schedule{
	FirstHourCents:      500,
	AdditionalHourCents: 300,
	DailyCents:          2500,
	DailyThresholdHours: 9,
}

type stubRepo struct {
	createUserID  int64
	createUserErr error

	getUser    *model.User
	getUserErr error

	openSession    *model.VehicleSession
	openSessionErr error

	allocSession *model.VehicleSession
	allocErr     error
	allocPlate   string
	allocOwner   string
	allocCat     model.VehicleCategory

	closeSession *model.VehicleSession
	closeErr     error
	closeCalls   int

	freeSpaces []model.Space
	session    *model.VehicleSession
	sessionErr error

	sessions    []model.VehicleSession
	sessionsErr error

	totalSpaces    int
	occupiedSpaces int
	countsErr      error

	reconciled chan struct{}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) InitSpaces(ctx context.Context, total, standard int) error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, email, name string, passwordHash []byte, role model.Role) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) ListSpaces(ctx context.Context) ([]model.SpaceView, error) {
	return nil, nil
}

func (s *stubRepo) FindFreeSpaces(ctx context.Context, category model.VehicleCategory) ([]model.Space, error) {
	return s.freeSpaces, nil
}

func (s *stubRepo) SpaceCounts(ctx context.Context) (int, int, error) {
	return s.totalSpaces, s.occupiedSpaces, s.countsErr
}

func (s *stubRepo) AllocateSession(ctx context.Context, plate, owner string, category model.VehicleCategory, entry time.Time) (*model.VehicleSession, error) {
	s.allocPlate = plate
	s.allocOwner = owner
	s.allocCat = category
	return s.allocSession, s.allocErr
}

func (s *stubRepo) CloseSession(ctx context.Context, sessionID int64, exit time.Time) (*model.VehicleSession, error) {
	s.closeCalls++
	return s.closeSession, s.closeErr
}

func (s *stubRepo) FindOpenSessionByPlate(ctx context.Context, plate string) (*model.VehicleSession, error) {
	return s.openSession, s.openSessionErr
}

func (s *stubRepo) GetSessionByID(ctx context.Context, sessionID int64) (*model.VehicleSession, error) {
	if s.sessionErr != nil {
		return nil, s.sessionErr
	}
	return s.session, nil
}

func (s *stubRepo) OpenSessions(ctx context.Context) ([]model.VehicleSession, error) {
	return s.sessions, s.sessionsErr
}

func (s *stubRepo) SessionsByPlate(ctx context.Context, plate string) ([]model.VehicleSession, error) {
	return s.sessions, s.sessionsErr
}

func (s *stubRepo) ListSessions(ctx context.Context, filter model.SessionFilter) ([]model.VehicleSession, error) {
	return s.sessions, s.sessionsErr
}

func (s *stubRepo) ReconcileSpaces(ctx context.Context) (int, error) {
	if s.reconciled != nil {
		select {
		case s.reconciled <- struct{}{}:
		default:
		}
	}
	return 0, nil
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user@example.com", "pass")
	b := hashPassword("user@example.com", "pass")
	c := hashPassword("user@example.com", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{
		createUserErr: repository.ErrUserExists,
	}
	svc := NewService(repo, testSchedule)

	_, err := svc.RegisterUser(context.Background(), "user@example.com", "pass", "User", model.RoleGuard)
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestRegisterUser_InvalidRole(t *testing.T) {
	svc := NewService(&stubRepo{}, testSchedule)

	_, err := svc.RegisterUser(context.Background(), "user@example.com", "pass", "User", "supervisor")
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("user@example.com", "correct")
	repo := &stubRepo{
		getUser: &model.User{
			ID:           1,
			Email:        "user@example.com",
			PasswordHash: hashed,
			Role:         model.RoleGuard,
		},
	}

	svc := NewService(repo, testSchedule)

	_, err := svc.AuthenticateUser(context.Background(), "user@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestCheckIn_NormalizesPlate(t *testing.T) {
	repo := &stubRepo{
		allocSession: &model.VehicleSession{ID: 1, Plate: "ABC123", SpaceNumber: 1},
	}
	svc := NewService(repo, testSchedule)

	_, err := svc.CheckIn(context.Background(), " abc 123 ", "Juan", model.CategoryStandard)
	if err != nil {
		t.Fatalf("CheckIn error: %v", err)
	}
	if repo.allocPlate != "ABC123" {
		t.Fatalf("allocated plate = %q, want %q", repo.allocPlate, "ABC123")
	}
	if repo.allocCat != model.CategoryStandard {
		t.Fatalf("allocated category = %q, want %q", repo.allocCat, model.CategoryStandard)
	}
}

func TestCheckIn_InvalidPlate(t *testing.T) {
	svc := NewService(&stubRepo{}, testSchedule)

	_, err := svc.CheckIn(context.Background(), "!!", "Juan", model.CategoryStandard)
	if !errors.Is(err, ErrInvalidPlate) {
		t.Fatalf("expected ErrInvalidPlate, got %v", err)
	}
}

func TestCheckIn_InvalidCategory(t *testing.T) {
	svc := NewService(&stubRepo{}, testSchedule)

	_, err := svc.CheckIn(context.Background(), "ABC123", "Juan", "motorbike")
	if !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestCheckIn_Duplicate(t *testing.T) {
	repo := &stubRepo{
		openSession: &model.VehicleSession{ID: 5, Plate: "ABC123", State: model.SessionOpen},
	}
	svc := NewService(repo, testSchedule)

	_, err := svc.CheckIn(context.Background(), "ABC123", "Juan", model.CategoryStandard)
	if !errors.Is(err, repository.ErrDuplicateActiveSession) {
		t.Fatalf("expected ErrDuplicateActiveSession, got %v", err)
	}
}

func TestCheckIn_NoSpace(t *testing.T) {
	repo := &stubRepo{
		allocErr: repository.ErrNoSpaceAvailable,
	}
	svc := NewService(repo, testSchedule)

	_, err := svc.CheckIn(context.Background(), "ABC123", "Juan", model.CategoryStandard)
	if !errors.Is(err, repository.ErrNoSpaceAvailable) {
		t.Fatalf("expected ErrNoSpaceAvailable, got %v", err)
	}
}

func TestCheckOut_ComputesFee(t *testing.T) {
	entry := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	exit := entry.Add(90 * time.Minute)

	repo := &stubRepo{
		closeSession: &model.VehicleSession{
			ID:          7,
			Plate:       "ABC123",
			EntryTime:   entry,
			ExitTime:    &exit,
			State:       model.SessionClosed,
			SpaceNumber: 3,
		},
	}
	svc := NewService(repo, testSchedule)

	res, err := svc.CheckOut(context.Background(), 7)
	if err != nil {
		t.Fatalf("CheckOut error: %v", err)
	}

	if res.FeeCents != 800 {
		t.Fatalf("fee = %d, want 800", res.FeeCents)
	}
	if res.Duration != "1h 30m" {
		t.Fatalf("duration = %q, want %q", res.Duration, "1h 30m")
	}
	if res.SpaceNumber != 3 {
		t.Fatalf("space = %d, want 3", res.SpaceNumber)
	}
	if repo.closeCalls != 1 {
		t.Fatalf("close calls = %d, want 1", repo.closeCalls)
	}
}

func TestCheckOut_NotFound(t *testing.T) {
	repo := &stubRepo{
		closeErr: repository.ErrSessionNotFound,
	}
	svc := NewService(repo, testSchedule)

	_, err := svc.CheckOut(context.Background(), 99)
	if !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCheckOut_RetryAfterStoreError(t *testing.T) {
	entry := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	exit := entry.Add(time.Hour)

	// Сбой хранилища откатывает закрытие вместе с освобождением места,
	// поэтому повтор того же запроса завершает выезд, а не упирается
	// в уже закрытую сессию.
	repo := &stubRepo{
		closeErr: repository.ErrStoreUnavailable,
	}
	svc := NewService(repo, testSchedule)

	_, err := svc.CheckOut(context.Background(), 7)
	if !errors.Is(err, repository.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	repo.closeErr = nil
	repo.closeSession = &model.VehicleSession{
		ID:          7,
		Plate:       "ABC123",
		EntryTime:   entry,
		ExitTime:    &exit,
		State:       model.SessionClosed,
		SpaceNumber: 3,
	}

	res, err := svc.CheckOut(context.Background(), 7)
	if err != nil {
		t.Fatalf("retried CheckOut error: %v", err)
	}
	if res.FeeCents != 500 {
		t.Fatalf("fee = %d, want 500", res.FeeCents)
	}
}

func TestStatus(t *testing.T) {
	repo := &stubRepo{totalSpaces: 20, occupiedSpaces: 5}
	svc := NewService(repo, testSchedule)

	status, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}

	if status.FreeSpaces != 15 {
		t.Fatalf("free spaces = %d, want 15", status.FreeSpaces)
	}
	if status.OccupancyPct != 25 {
		t.Fatalf("occupancy = %d%%, want 25%%", status.OccupancyPct)
	}
}

func TestStatistics(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	at := func(hour int) time.Time { return day.Add(time.Duration(hour) * time.Hour) }
	exit1 := at(9).Add(30 * time.Minute)
	exit2 := at(9).Add(90 * time.Minute)

	repo := &stubRepo{
		sessions: []model.VehicleSession{
			{Category: model.CategoryStandard, EntryTime: at(9), ExitTime: &exit1, State: model.SessionClosed},
			{Category: model.CategoryStandard, EntryTime: at(9), ExitTime: &exit2, State: model.SessionClosed},
			{Category: model.CategoryOversize, EntryTime: at(14), State: model.SessionOpen},
			{Category: model.CategoryStandard, EntryTime: at(14), State: model.SessionOpen},
		},
	}
	svc := NewService(repo, testSchedule)

	stats, err := svc.Statistics(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Statistics error: %v", err)
	}

	if stats.Count != 4 {
		t.Fatalf("count = %d, want 4", stats.Count)
	}
	if stats.CountByCategory[model.CategoryStandard] != 3 {
		t.Fatalf("standard count = %d, want 3", stats.CountByCategory[model.CategoryStandard])
	}
	if stats.CountByCategory[model.CategoryOversize] != 1 {
		t.Fatalf("oversize count = %d, want 1", stats.CountByCategory[model.CategoryOversize])
	}
	// Средняя по двум закрытым сессиям: (30 + 90) / 2 = 60 минут.
	if stats.AverageDurationMinutes != 60 {
		t.Fatalf("average duration = %d, want 60", stats.AverageDurationMinutes)
	}
	// Часы 9 и 14 встречаются по два раза, побеждает меньший.
	if stats.BusiestHour != 9 {
		t.Fatalf("busiest hour = %d, want 9", stats.BusiestHour)
	}
}

func TestStatistics_Empty(t *testing.T) {
	svc := NewService(&stubRepo{}, testSchedule)

	stats, err := svc.Statistics(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Statistics error: %v", err)
	}

	if stats.Count != 0 {
		t.Fatalf("count = %d, want 0", stats.Count)
	}
	if stats.AverageDurationMinutes != 0 {
		t.Fatalf("average duration = %d, want 0", stats.AverageDurationMinutes)
	}
	if stats.BusiestHour != -1 {
		t.Fatalf("busiest hour = %d, want -1", stats.BusiestHour)
	}
}

func TestExportHistoryCSV(t *testing.T) {
	entry := time.Date(2025, 3, 10, 8, 15, 0, 0, time.UTC)
	exit := entry.Add(2 * time.Hour)

	repo := &stubRepo{
		sessions: []model.VehicleSession{
			{
				ID:          1,
				Plate:       "ABC123",
				Owner:       "Juan",
				Category:    model.CategoryStandard,
				EntryTime:   entry,
				ExitTime:    &exit,
				State:       model.SessionClosed,
				SpaceNumber: 3,
			},
			{
				ID:          2,
				Plate:       "XYZ999",
				Owner:       "Maria",
				Category:    model.CategoryOversize,
				EntryTime:   entry.Add(time.Hour),
				State:       model.SessionOpen,
				SpaceNumber: 16,
			},
		},
	}
	svc := NewService(repo, testSchedule)

	var buf bytes.Buffer
	if err := svc.ExportHistoryCSV(context.Background(), &buf, model.SessionFilter{}); err != nil {
		t.Fatalf("ExportHistoryCSV error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("csv lines = %d, want 3: %q", len(lines), buf.String())
	}

	if lines[0] != "Space,Plate,Owner,Category,Entry Date,Entry Time,Exit Time,Duration" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if lines[1] != "E-03,ABC-123,Juan,standard,2025-03-10,08:15:00,10:15:00,2h 0m" {
		t.Fatalf("unexpected first record: %q", lines[1])
	}
	if lines[2] != "E-16,XYZ-999,Maria,oversize,2025-03-10,09:15:00,-,-" {
		t.Fatalf("unexpected second record: %q", lines[2])
	}
}

func TestSearchByPlate_Normalizes(t *testing.T) {
	repo := &stubRepo{
		sessions: []model.VehicleSession{{ID: 1, Plate: "ABC123"}},
	}
	svc := NewService(repo, testSchedule)

	res, err := svc.SearchByPlate(context.Background(), " abc 123 ")
	if err != nil {
		t.Fatalf("SearchByPlate error: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("results = %d, want 1", len(res))
	}
}

func TestHistory_InvalidCategory(t *testing.T) {
	svc := NewService(&stubRepo{}, testSchedule)

	_, err := svc.History(context.Background(), model.SessionFilter{Category: "motorbike"})
	if !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestFreeSpaces_InvalidCategory(t *testing.T) {
	svc := NewService(&stubRepo{}, testSchedule)

	_, err := svc.FreeSpaces(context.Background(), "motorbike")
	if !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestFreeSpaces(t *testing.T) {
	repo := &stubRepo{
		freeSpaces: []model.Space{
			{Number: 2, Category: model.CategoryStandard},
			{Number: 5, Category: model.CategoryStandard},
		},
	}
	svc := NewService(repo, testSchedule)

	spaces, err := svc.FreeSpaces(context.Background(), model.CategoryStandard)
	if err != nil {
		t.Fatalf("FreeSpaces error: %v", err)
	}
	if len(spaces) != 2 || spaces[0].Number != 2 {
		t.Fatalf("unexpected free spaces: %+v", spaces)
	}
}

func TestSession_NotFound(t *testing.T) {
	repo := &stubRepo{
		sessionErr: repository.ErrSessionNotFound,
	}
	svc := NewService(repo, testSchedule)

	_, err := svc.Session(context.Background(), 99)
	if !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStartReconciliation_RunsPeriodically(t *testing.T) {
	repo := &stubRepo{reconciled: make(chan struct{}, 1)}
	svc := NewService(repo, testSchedule)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartReconciliation(ctx, 10*time.Millisecond)

	select {
	case <-repo.reconciled:
	case <-time.After(time.Second):
		t.Fatalf("reconciliation sweep never ran")
	}
}
