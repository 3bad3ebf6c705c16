// Package model содержит доменные сущности сервиса парковки.
package model

import "time"

// VehicleCategory описывает категорию транспортного средства и парковочного места.
type VehicleCategory string

const (
	CategoryStandard VehicleCategory = "standard"
	CategoryOversize VehicleCategory = "oversize"
)

// Valid сообщает, является ли категория одной из известных.
func (c VehicleCategory) Valid() bool {
	return c == CategoryStandard || c == CategoryOversize
}

// SessionState описывает состояние парковочной сессии.
type SessionState string

const (
	SessionOpen   SessionState = "OPEN"
	SessionClosed SessionState = "CLOSED"
)

// Space представляет парковочное место с фиксированным номером.
type Space struct {
	Number    int
	Category  VehicleCategory
	Occupied  bool
	SessionID *int64
}

// VehicleSession описывает одну парковочную сессию: от въезда до выезда.
type VehicleSession struct {
	ID          int64
	Plate       string
	Owner       string
	Category    VehicleCategory
	EntryTime   time.Time
	ExitTime    *time.Time
	State       SessionState
	SpaceNumber int
}

// SpaceView объединяет место с открытой сессией, которая его занимает.
// Служит единственным авторитетным представлением занятости для потребителей.
type SpaceView struct {
	Space
	Vehicle *VehicleSession
}

// SessionFilter задаёт условия выборки истории сессий.
type SessionFilter struct {
	From     *time.Time
	To       *time.Time
	Category VehicleCategory
}

// ParkingStatus содержит сводку занятости парковки.
type ParkingStatus struct {
	TotalSpaces    int `json:"total_spaces"`
	OccupiedSpaces int `json:"occupied_spaces"`
	FreeSpaces     int `json:"free_spaces"`
	OccupancyPct   int `json:"occupancy_pct"`
}

// Statistics содержит агрегаты по сессиям за период.
// BusiestHour равен -1, если за период не было ни одной сессии.
type Statistics struct {
	Count                  int                     `json:"count"`
	CountByCategory        map[VehicleCategory]int `json:"count_by_category"`
	AverageDurationMinutes int                     `json:"average_duration_minutes"`
	BusiestHour            int                     `json:"busiest_hour"`
}

// CheckOutResult содержит итог выезда: длительность стоянки и стоимость в сентаво.
type CheckOutResult struct {
	SessionID   int64
	SpaceNumber int
	Duration    string
	FeeCents    int64
}

// Role описывает роль пользователя системы.
type Role string

const (
	RolePublic Role = "public"
	RoleGuard  Role = "guard"
	RoleAdmin  Role = "admin"
)

// Valid сообщает, является ли роль одной из известных.
func (r Role) Valid() bool {
	return r == RolePublic || r == RoleGuard || r == RoleAdmin
}

// User представляет зарегистрированного пользователя системы.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}
