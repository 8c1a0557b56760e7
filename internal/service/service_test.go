package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appasalvi/catarse/internal/backoffice"
	"github.com/appasalvi/catarse/internal/lifecycle"
	"github.com/appasalvi/catarse/internal/model"
	"github.com/appasalvi/catarse/internal/repository"
	"github.com/appasalvi/catarse/internal/validation"
)

type stateChange struct {
	id   int64
	from model.BackerState
	to   model.BackerState
}

type stubRepo struct {
	project    *model.Project
	projectErr error

	reward    *model.Reward
	rewardErr error

	confirmedCount int64

	createdBacker *model.Backer
	createErr     error

	backer    *model.Backer
	backerErr error

	backersWithProject []repository.BackerWithProject

	betweenMinCents int64
	betweenMaxCents int64
	betweenResp     []model.Backer

	canCancel        []model.Backer
	canCancelCutoff  time.Time
	refundCandidates []model.Backer
	refundOldest     time.Time
	pendingToRefund  []model.Backer

	stateChanges []stateChange
	updateErr    error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return 0, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return s.project, s.projectErr
}

func (s *stubRepo) GetReward(ctx context.Context, id int64) (*model.Reward, error) {
	return s.reward, s.rewardErr
}

func (s *stubRepo) CountConfirmedByReward(ctx context.Context, rewardID int64) (int64, error) {
	return s.confirmedCount, nil
}

func (s *stubRepo) CreateBacker(ctx context.Context, b model.Backer) (model.Backer, error) {
	if s.createErr != nil {
		return model.Backer{}, s.createErr
	}
	b.ID = 1
	stored := b
	s.createdBacker = &stored
	return b, nil
}

func (s *stubRepo) GetBackerByID(ctx context.Context, id int64) (*model.Backer, error) {
	if s.backerErr != nil {
		return nil, s.backerErr
	}
	b := *s.backer
	return &b, nil
}

func (s *stubRepo) GetBackersByUser(ctx context.Context, userID int64) ([]model.Backer, error) {
	return nil, nil
}

func (s *stubRepo) UpdateBackerState(ctx context.Context, id int64, from, to model.BackerState) (bool, error) {
	if s.updateErr != nil {
		return false, s.updateErr
	}
	s.stateChanges = append(s.stateChanges, stateChange{id: id, from: from, to: to})
	return true, nil
}

func (s *stubRepo) BetweenValues(ctx context.Context, minCents, maxCents int64) ([]model.Backer, error) {
	s.betweenMinCents = minCents
	s.betweenMaxCents = maxCents
	return s.betweenResp, nil
}

func (s *stubRepo) ByState(ctx context.Context, state model.BackerState) ([]model.Backer, error) {
	return nil, nil
}

func (s *stubRepo) CanCancel(ctx context.Context, cutoff time.Time) ([]model.Backer, error) {
	s.canCancelCutoff = cutoff
	return s.canCancel, nil
}

func (s *stubRepo) PendingToRefund(ctx context.Context) ([]model.Backer, error) {
	return s.pendingToRefund, nil
}

func (s *stubRepo) InTimeToConfirm(ctx context.Context) ([]model.Backer, error) {
	return nil, nil
}

func (s *stubRepo) RefundCandidates(ctx context.Context, oldest time.Time) ([]model.Backer, error) {
	s.refundOldest = oldest
	return s.refundCandidates, nil
}

func (s *stubRepo) BackersWithProjectByUser(ctx context.Context, userID int64) ([]repository.BackerWithProject, error) {
	return s.backersWithProject, nil
}

type stubNotifier struct {
	calls         int
	notifications []backoffice.RefundRequest
	err           error
}

func (s *stubNotifier) NotifyRefundRequest(ctx context.Context, n backoffice.RefundRequest) error {
	s.calls++
	s.notifications = append(s.notifications, n)
	return s.err
}

func fixedTime() time.Time {
	return time.Date(2026, time.January, 14, 12, 0, 0, 0, time.UTC)
}

func newTestService(repo *stubRepo, notifier Notifier) *Service {
	svc := NewService(repo, notifier, time.Minute)
	svc.now = fixedTime
	return svc
}

func TestCreateBacker_ValidationFailure(t *testing.T) {
	repo := &stubRepo{
		project: &model.Project{ID: 1, State: model.ProjectStateOnline},
	}
	svc := newTestService(repo, nil)

	b, reasons, err := svc.CreateBacker(context.Background(), 2, 1, nil, 9.99, false)
	if err != nil {
		t.Fatalf("CreateBacker error: %v", err)
	}
	if b != nil {
		t.Fatalf("invalid backer must not be returned, got %+v", b)
	}
	if len(reasons) != 1 || reasons[0] != validation.ReasonValueBelowMinimum {
		t.Fatalf("reasons = %v, want [%q]", reasons, validation.ReasonValueBelowMinimum)
	}
	if repo.createdBacker != nil {
		t.Fatalf("invalid backer must not be persisted")
	}
}

func TestCreateBacker_Success(t *testing.T) {
	repo := &stubRepo{
		project: &model.Project{ID: 1, State: model.ProjectStateOnline},
	}
	svc := newTestService(repo, nil)

	b, reasons, err := svc.CreateBacker(context.Background(), 2, 1, nil, 99.99, false)
	if err != nil {
		t.Fatalf("CreateBacker error: %v", err)
	}
	if len(reasons) != 0 {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	if b == nil || b.ValueCents != 9999 {
		t.Fatalf("unexpected backer: %+v", b)
	}
	if b.State != model.BackerStatePending {
		t.Fatalf("new backer state = %q, want %q", b.State, model.BackerStatePending)
	}
	if !b.CreatedAt.Equal(fixedTime()) {
		t.Fatalf("created at = %v, want injected clock value", b.CreatedAt)
	}
}

func TestCreateBacker_CapacityRace(t *testing.T) {
	rewardID := int64(7)
	repo := &stubRepo{
		project:   &model.Project{ID: 1, State: model.ProjectStateOnline},
		reward:    &model.Reward{ID: rewardID, ProjectID: 1, MinimumValueCents: 1000, MaximumBackers: 1},
		createErr: repository.ErrRewardCapacityExceeded,
	}
	svc := newTestService(repo, nil)

	b, reasons, err := svc.CreateBacker(context.Background(), 2, 1, &rewardID, 20, false)
	if err != nil {
		t.Fatalf("CreateBacker error: %v", err)
	}
	if b != nil {
		t.Fatalf("oversubscribed backer must not be returned")
	}
	if len(reasons) != 1 || reasons[0] != validation.ReasonRewardCapacityExceeded {
		t.Fatalf("reasons = %v, want [%q]", reasons, validation.ReasonRewardCapacityExceeded)
	}
}

func TestRequestRefund_Success(t *testing.T) {
	repo := &stubRepo{
		backer: &model.Backer{
			ID:         5,
			ProjectID:  1,
			UserID:     2,
			ValueCents: 9999,
			State:      model.BackerStateConfirmed,
			CreatedAt:  fixedTime().Add(-24 * time.Hour),
		},
		project: &model.Project{ID: 1, State: model.ProjectStateFailed},
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, notifier)

	if err := svc.RequestRefund(context.Background(), 2, 5); err != nil {
		t.Fatalf("RequestRefund error: %v", err)
	}

	if len(repo.stateChanges) != 1 {
		t.Fatalf("state changes = %v, want exactly one", repo.stateChanges)
	}
	change := repo.stateChanges[0]
	if change.from != model.BackerStateConfirmed || change.to != model.BackerStateRequestedRefund {
		t.Fatalf("unexpected transition: %+v", change)
	}

	if notifier.calls != 1 {
		t.Fatalf("notifier calls = %d, want 1", notifier.calls)
	}
	n := notifier.notifications[0]
	if n.BackerID != 5 || n.UserID != 2 || n.Value != 99.99 {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestRequestRefund_NotOwner(t *testing.T) {
	repo := &stubRepo{
		backer: &model.Backer{
			ID:        5,
			ProjectID: 1,
			UserID:    2,
			State:     model.BackerStateConfirmed,
			CreatedAt: fixedTime().Add(-24 * time.Hour),
		},
		project: &model.Project{ID: 1, State: model.ProjectStateFailed},
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, notifier)

	err := svc.RequestRefund(context.Background(), 99, 5)
	if !errors.Is(err, ErrBackerNotOwned) {
		t.Fatalf("expected ErrBackerNotOwned, got %v", err)
	}
	if notifier.calls != 0 {
		t.Fatalf("notifier must not be called, got %d calls", notifier.calls)
	}
}

func TestRequestRefund_NotEligible(t *testing.T) {
	tests := []struct {
		name         string
		backerState  model.BackerState
		projectState model.ProjectState
		age          time.Duration
	}{
		{
			name:         "project still online",
			backerState:  model.BackerStateConfirmed,
			projectState: model.ProjectStateOnline,
			age:          24 * time.Hour,
		},
		{
			name:         "backer not confirmed",
			backerState:  model.BackerStatePending,
			projectState: model.ProjectStateFailed,
			age:          24 * time.Hour,
		},
		{
			name:         "older than 180 days",
			backerState:  model.BackerStateConfirmed,
			projectState: model.ProjectStateFailed,
			age:          181 * 24 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{
				backer: &model.Backer{
					ID:        5,
					ProjectID: 1,
					UserID:    2,
					State:     tt.backerState,
					CreatedAt: fixedTime().Add(-tt.age),
				},
				project: &model.Project{ID: 1, State: tt.projectState},
			}
			notifier := &stubNotifier{}
			svc := newTestService(repo, notifier)

			err := svc.RequestRefund(context.Background(), 2, 5)
			if !errors.Is(err, ErrRefundNotAllowed) {
				t.Fatalf("expected ErrRefundNotAllowed, got %v", err)
			}
			if len(repo.stateChanges) != 0 {
				t.Fatalf("state must not change, got %v", repo.stateChanges)
			}
			if notifier.calls != 0 {
				t.Fatalf("notifier must not be called")
			}
		})
	}
}

func TestRequestRefund_NotifierFailureDoesNotRollBack(t *testing.T) {
	repo := &stubRepo{
		backer: &model.Backer{
			ID:         5,
			ProjectID:  1,
			UserID:     2,
			ValueCents: 1000,
			State:      model.BackerStateConfirmed,
			CreatedAt:  fixedTime().Add(-24 * time.Hour),
		},
		project: &model.Project{ID: 1, State: model.ProjectStateFailed},
	}
	notifier := &stubNotifier{err: errors.New("backoffice unavailable")}
	svc := newTestService(repo, notifier)

	if err := svc.RequestRefund(context.Background(), 2, 5); err != nil {
		t.Fatalf("RequestRefund error: %v", err)
	}
	if len(repo.stateChanges) != 1 {
		t.Fatalf("transition must be persisted despite notifier failure")
	}
}

func TestConfirmBacker_NoOpOnCanceled(t *testing.T) {
	repo := &stubRepo{
		backer: &model.Backer{ID: 5, State: model.BackerStateCanceled},
	}
	svc := newTestService(repo, nil)

	applied, err := svc.ConfirmBacker(context.Background(), 5)
	if err != nil {
		t.Fatalf("ConfirmBacker error: %v", err)
	}
	if applied {
		t.Fatalf("confirm from canceled must not apply")
	}
	if len(repo.stateChanges) != 0 {
		t.Fatalf("no state change expected, got %v", repo.stateChanges)
	}
}

func TestCreditBalance(t *testing.T) {
	tests := []struct {
		name         string
		state        model.BackerState
		projectState model.ProjectState
		usesCredits  bool
		want         float64
	}{
		{
			name:         "confirmed backer of failed project",
			state:        model.BackerStateConfirmed,
			projectState: model.ProjectStateFailed,
			want:         10,
		},
		{
			name:         "confirmed backer of successful project",
			state:        model.BackerStateConfirmed,
			projectState: model.ProjectStateSuccessful,
			want:         0,
		},
		{
			name:         "backer paid with credits",
			state:        model.BackerStateConfirmed,
			projectState: model.ProjectStateFailed,
			usesCredits:  true,
			want:         0,
		},
		{
			name:         "pending backer",
			state:        model.BackerStatePending,
			projectState: model.ProjectStateFailed,
			want:         0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{
				backersWithProject: []repository.BackerWithProject{
					{
						Backer: model.Backer{
							UserID:      2,
							ValueCents:  1000,
							State:       tt.state,
							UsesCredits: tt.usesCredits,
						},
						ProjectState: tt.projectState,
					},
				},
			}
			svc := newTestService(repo, nil)

			credits, err := svc.CreditBalance(context.Background(), 2)
			if err != nil {
				t.Fatalf("CreditBalance error: %v", err)
			}
			if credits != tt.want {
				t.Fatalf("CreditBalance = %v, want %v", credits, tt.want)
			}
		})
	}
}

func TestBackersBetweenValues_ConvertsToCents(t *testing.T) {
	repo := &stubRepo{
		betweenResp: []model.Backer{{ID: 7, ValueCents: 1500}},
	}
	svc := newTestService(repo, nil)

	backers, err := svc.BackersBetweenValues(context.Background(), 10, 20.99)
	if err != nil {
		t.Fatalf("BackersBetweenValues error: %v", err)
	}
	if repo.betweenMinCents != 1000 || repo.betweenMaxCents != 2099 {
		t.Fatalf("cents bounds = (%d, %d), want (1000, 2099)", repo.betweenMinCents, repo.betweenMaxCents)
	}
	if len(backers) != 1 || backers[0].ID != 7 {
		t.Fatalf("unexpected result: %+v", backers)
	}
}

func TestCancelExpired(t *testing.T) {
	repo := &stubRepo{
		canCancel: []model.Backer{
			{ID: 1, State: model.BackerStateWaitingConfirmation},
			{ID: 2, State: model.BackerStateWaitingConfirmation},
		},
	}
	svc := newTestService(repo, nil)

	svc.cancelExpired(context.Background())

	wantCutoff := lifecycle.CancelCutoff(fixedTime())
	if !repo.canCancelCutoff.Equal(wantCutoff) {
		t.Fatalf("cutoff = %v, want %v", repo.canCancelCutoff, wantCutoff)
	}

	if len(repo.stateChanges) != 2 {
		t.Fatalf("state changes = %v, want 2", repo.stateChanges)
	}
	for _, change := range repo.stateChanges {
		if change.from != model.BackerStateWaitingConfirmation || change.to != model.BackerStateCanceled {
			t.Fatalf("unexpected transition: %+v", change)
		}
	}
}

func TestRefundEligible(t *testing.T) {
	repo := &stubRepo{
		refundCandidates: []model.Backer{
			{ID: 1, State: model.BackerStateConfirmed},
		},
		pendingToRefund: []model.Backer{
			{ID: 2, State: model.BackerStateRequestedRefund},
		},
	}
	svc := newTestService(repo, nil)

	svc.refundEligible(context.Background())

	wantOldest := fixedTime().Add(-lifecycle.RefundWindow)
	if !repo.refundOldest.Equal(wantOldest) {
		t.Fatalf("oldest = %v, want %v", repo.refundOldest, wantOldest)
	}

	if len(repo.stateChanges) != 2 {
		t.Fatalf("state changes = %v, want 2", repo.stateChanges)
	}
	if repo.stateChanges[0].to != model.BackerStateRefunded || repo.stateChanges[1].to != model.BackerStateRefunded {
		t.Fatalf("both transitions must end in refunded: %v", repo.stateChanges)
	}
}

func TestStartSweeps_StopsOnContextCancel(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil)
	svc.sweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartSweeps(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartSweeps did not return")
	}
}
