// Package model содержит доменные сущности сервиса взносов.
package model

import (
	"fmt"
	"math"
	"time"
)

// BackerState описывает состояние взноса в его жизненном цикле.
type BackerState string

const (
	BackerStatePending             BackerState = "pending"
	BackerStateWaitingConfirmation BackerState = "waiting_confirmation"
	BackerStateConfirmed           BackerState = "confirmed"
	BackerStateCanceled            BackerState = "canceled"
	BackerStateRequestedRefund     BackerState = "requested_refund"
	BackerStateRefunded            BackerState = "refunded"
)

// Valid сообщает, является ли значение одним из известных состояний взноса.
func (s BackerState) Valid() bool {
	switch s {
	case BackerStatePending, BackerStateWaitingConfirmation, BackerStateConfirmed,
		BackerStateCanceled, BackerStateRequestedRefund, BackerStateRefunded:
		return true
	}
	return false
}

// ProjectState описывает состояние сбора средств проекта.
type ProjectState string

const (
	ProjectStateOnline     ProjectState = "online"
	ProjectStateSuccessful ProjectState = "successful"
	ProjectStateFailed     ProjectState = "failed"
)

// MinBackerValueCents — минимальная сумма взноса в сентаво (R$ 10,00).
const MinBackerValueCents int64 = 1000

// User представляет зарегистрированного пользователя платформы.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Project содержит сведения о проекте, необходимые для проверок взносов.
// Записи проектов только читаются, сервис взносов ими не управляет.
type Project struct {
	ID    int64
	Name  string
	State ProjectState
}

// Reward описывает вознаграждение проекта: минимальную сумму взноса
// и предельное число подтверждённых взносов.
type Reward struct {
	ID                int64
	ProjectID         int64
	MinimumValueCents int64
	MaximumBackers    int
}

// Backer описывает взнос пользователя в проект.
type Backer struct {
	ID          int64
	ProjectID   int64
	UserID      int64
	RewardID    *int64
	ValueCents  int64
	State       BackerState
	UsesCredits bool
	CreatedAt   time.Time
}

// NewBacker создаёт взнос в начальном состоянии pending.
func NewBacker(projectID, userID int64, rewardID *int64, valueCents int64, usesCredits bool, createdAt time.Time) Backer {
	return Backer{
		ProjectID:   projectID,
		UserID:      userID,
		RewardID:    rewardID,
		ValueCents:  valueCents,
		State:       BackerStatePending,
		UsesCredits: usesCredits,
		CreatedAt:   createdAt,
	}
}

// Value возвращает сумму взноса в реалах.
func (b Backer) Value() float64 {
	return float64(b.ValueCents) / 100
}

// DisplayValue возвращает сумму взноса, округлённую до целых реалов,
// в формате "R$ 100".
func (b Backer) DisplayValue() string {
	return fmt.Sprintf("R$ %d", int64(math.Round(float64(b.ValueCents)/100)))
}
