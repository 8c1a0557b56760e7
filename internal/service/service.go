// Package service реализует бизнес-логику сервиса взносов.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"github.com/appasalvi/catarse/internal/backoffice"
	"github.com/appasalvi/catarse/internal/lifecycle"
	"github.com/appasalvi/catarse/internal/model"
	"github.com/appasalvi/catarse/internal/repository"
	"github.com/appasalvi/catarse/internal/validation"
)

// ErrBackerNotOwned возвращается при попытке распорядиться чужим взносом.
var (
	ErrBackerNotOwned = errors.New("backer belongs to another user")
	// ErrRefundNotAllowed возвращается, если взнос не подлежит возврату.
	ErrRefundNotAllowed = errors.New("backer is not eligible for refund")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	GetReward(ctx context.Context, id int64) (*model.Reward, error)
	CountConfirmedByReward(ctx context.Context, rewardID int64) (int64, error)
	CreateBacker(ctx context.Context, b model.Backer) (model.Backer, error)
	GetBackerByID(ctx context.Context, id int64) (*model.Backer, error)
	GetBackersByUser(ctx context.Context, userID int64) ([]model.Backer, error)
	UpdateBackerState(ctx context.Context, id int64, from, to model.BackerState) (bool, error)
	BetweenValues(ctx context.Context, minCents, maxCents int64) ([]model.Backer, error)
	ByState(ctx context.Context, state model.BackerState) ([]model.Backer, error)
	CanCancel(ctx context.Context, cutoff time.Time) ([]model.Backer, error)
	PendingToRefund(ctx context.Context) ([]model.Backer, error)
	InTimeToConfirm(ctx context.Context) ([]model.Backer, error)
	RefundCandidates(ctx context.Context, oldest time.Time) ([]model.Backer, error)
	BackersWithProjectByUser(ctx context.Context, userID int64) ([]repository.BackerWithProject, error)
}

// Notifier описывает контракт уведомления бэк-офиса о запросах возврата.
type Notifier interface {
	NotifyRefundRequest(ctx context.Context, notification backoffice.RefundRequest) error
}

// Service содержит бизнес-логику сервиса взносов.
type Service struct {
	repo          Repository
	notifier      Notifier
	now           func() time.Time
	sweepInterval time.Duration
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом бэк-офиса.
func NewService(repo Repository, notifier Notifier, sweepInterval time.Duration) *Service {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Service{
		repo:          repo,
		notifier:      notifier,
		now:           time.Now,
		sweepInterval: sweepInterval,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateBacker проверяет и сохраняет новый взнос. Нарушенные правила
// возвращаются все сразу; при их наличии взнос не сохраняется.
func (s *Service) CreateBacker(ctx context.Context, userID, projectID int64, rewardID *int64, value float64, usesCredits bool) (*model.Backer, []validation.Reason, error) {
	valueCents := int64(math.Round(value * 100))
	b := model.NewBacker(projectID, userID, rewardID, valueCents, usesCredits, s.now())

	if projectID != 0 {
		if _, err := s.repo.GetProject(ctx, projectID); err != nil {
			return nil, nil, err
		}
	}

	var reward *model.Reward
	var confirmed int64
	if rewardID != nil {
		var err error
		reward, err = s.repo.GetReward(ctx, *rewardID)
		if err != nil {
			return nil, nil, err
		}
		confirmed, err = s.repo.CountConfirmedByReward(ctx, *rewardID)
		if err != nil {
			return nil, nil, err
		}
	}

	if reasons := validation.Validate(b, reward, confirmed); len(reasons) > 0 {
		return nil, reasons, nil
	}

	stored, err := s.repo.CreateBacker(ctx, b)
	if err != nil {
		// Повторная проверка лимита внутри транзакции вставки могла
		// проиграть гонку параллельному взносу.
		if errors.Is(err, repository.ErrRewardCapacityExceeded) {
			return nil, []validation.Reason{validation.ReasonRewardCapacityExceeded}, nil
		}
		return nil, nil, err
	}

	return &stored, nil, nil
}

// applyTransition применяет событие к взносу и сохраняет новое состояние.
// Обновление сравнивает состояние в БД с исходным, поэтому проигравший
// гонку переход остаётся без эффекта.
func (s *Service) applyTransition(ctx context.Context, b *model.Backer, event lifecycle.Event) (bool, error) {
	from := b.State
	if !lifecycle.Apply(b, event) {
		return false, nil
	}
	if b.State == from {
		return true, nil
	}

	applied, err := s.repo.UpdateBackerState(ctx, b.ID, from, b.State)
	if err != nil || !applied {
		b.State = from
		return false, err
	}

	return true, nil
}

func (s *Service) applyTransitionByID(ctx context.Context, id int64, event lifecycle.Event) (bool, error) {
	b, err := s.repo.GetBackerByID(ctx, id)
	if err != nil {
		return false, err
	}
	return s.applyTransition(ctx, b, event)
}

// ConfirmBacker подтверждает поступление средств по взносу.
func (s *Service) ConfirmBacker(ctx context.Context, id int64) (bool, error) {
	return s.applyTransitionByID(ctx, id, lifecycle.EventConfirm)
}

// MarkWaiting переводит взнос в ожидание подтверждения оплаты.
func (s *Service) MarkWaiting(ctx context.Context, id int64) (bool, error) {
	return s.applyTransitionByID(ctx, id, lifecycle.EventMarkWaiting)
}

// ResetToPending возвращает взнос в начальное состояние.
func (s *Service) ResetToPending(ctx context.Context, id int64) (bool, error) {
	return s.applyTransitionByID(ctx, id, lifecycle.EventResetToPending)
}

// CancelBacker отменяет взнос.
func (s *Service) CancelBacker(ctx context.Context, id int64) (bool, error) {
	return s.applyTransitionByID(ctx, id, lifecycle.EventCancel)
}

// RefundBacker завершает возврат средств по взносу.
func (s *Service) RefundBacker(ctx context.Context, id int64) (bool, error) {
	return s.applyTransitionByID(ctx, id, lifecycle.EventRefund)
}

// RequestRefund регистрирует запрос пользователя на возврат взноса.
// При успешном переходе бэк-офис уведомляется ровно один раз; сбой
// уведомления не отменяет переход.
func (s *Service) RequestRefund(ctx context.Context, userID, backerID int64) error {
	b, err := s.repo.GetBackerByID(ctx, backerID)
	if err != nil {
		return err
	}

	if b.UserID != userID {
		return ErrBackerNotOwned
	}

	p, err := s.repo.GetProject(ctx, b.ProjectID)
	if err != nil {
		return err
	}

	if !lifecycle.EligibleForRefund(*b, p.State, s.now()) {
		return ErrRefundNotAllowed
	}

	applied, err := s.applyTransition(ctx, b, lifecycle.EventRequestRefund)
	if err != nil {
		return err
	}
	if !applied {
		return ErrRefundNotAllowed
	}

	if s.notifier != nil {
		_ = s.notifier.NotifyRefundRequest(ctx, backoffice.RefundRequest{
			BackerID: b.ID,
			UserID:   b.UserID,
			Value:    b.Value(),
		})
	}

	return nil
}

// GetBackersByUser возвращает список взносов пользователя.
func (s *Service) GetBackersByUser(ctx context.Context, userID int64) ([]model.Backer, error) {
	return s.repo.GetBackersByUser(ctx, userID)
}

// CreditBalance возвращает сумму кредитов пользователя в реалах:
// подтверждённые взносы в провалившиеся проекты, не оплаченные кредитами.
func (s *Service) CreditBalance(ctx context.Context, userID int64) (float64, error) {
	rows, err := s.repo.BackersWithProjectByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	var totalCents int64
	for _, row := range rows {
		if lifecycle.CountsAsCredit(row.Backer, row.ProjectState) {
			totalCents += row.Backer.ValueCents
		}
	}

	return float64(totalCents) / 100, nil
}

// BackersByState возвращает взносы в указанном состоянии.
func (s *Service) BackersByState(ctx context.Context, state model.BackerState) ([]model.Backer, error) {
	return s.repo.ByState(ctx, state)
}

// BackersBetweenValues возвращает взносы с суммой в указанном диапазоне
// включительно. Границы задаются в реалах.
func (s *Service) BackersBetweenValues(ctx context.Context, min, max float64) ([]model.Backer, error) {
	minCents := int64(math.Round(min * 100))
	maxCents := int64(math.Round(max * 100))
	return s.repo.BetweenValues(ctx, minCents, maxCents)
}

// PendingToRefund возвращает взносы, ожидающие завершения возврата.
func (s *Service) PendingToRefund(ctx context.Context) ([]model.Backer, error) {
	return s.repo.PendingToRefund(ctx)
}

// InTimeToConfirm возвращает взносы, ожидающие подтверждения оплаты.
func (s *Service) InTimeToConfirm(ctx context.Context) ([]model.Backer, error) {
	return s.repo.InTimeToConfirm(ctx)
}

// StartSweeps запускает фоновые проверки: отмену взносов, просрочивших
// подтверждение, и возврат средств по провалившимся проектам.
func (s *Service) StartSweeps(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runSweeps(ctx)
			}
		}
	}()
}

func (s *Service) runSweeps(ctx context.Context) {
	s.cancelExpired(ctx)
	s.refundEligible(ctx)
}

// cancelExpired отменяет взносы, не подтверждённые за отведённые рабочие дни.
// Недопустимые переходы — холостой ход, поэтому пакет безопасен при повторах.
func (s *Service) cancelExpired(ctx context.Context) {
	cutoff := lifecycle.CancelCutoff(s.now())

	backers, err := s.repo.CanCancel(ctx, cutoff)
	if err != nil {
		return
	}

	for i := range backers {
		_, _ = s.applyTransition(ctx, &backers[i], lifecycle.EventCancel)
	}
}

// refundEligible возвращает средства по подтверждённым взносам в провалившиеся
// проекты и завершает ранее запрошенные возвраты.
func (s *Service) refundEligible(ctx context.Context) {
	oldest := s.now().Add(-lifecycle.RefundWindow)

	candidates, err := s.repo.RefundCandidates(ctx, oldest)
	if err != nil {
		return
	}
	for i := range candidates {
		_, _ = s.applyTransition(ctx, &candidates[i], lifecycle.EventRefund)
	}

	pending, err := s.repo.PendingToRefund(ctx)
	if err != nil {
		return
	}
	for i := range pending {
		_, _ = s.applyTransition(ctx, &pending[i], lifecycle.EventRefund)
	}
}
