// Package validation содержит проверки взноса перед сохранением.
package validation

import "github.com/appasalvi/catarse/internal/model"

// Reason — код нарушенного правила валидации взноса.
type Reason string

const (
	ReasonProjectRequired         Reason = "project_required"
	ReasonUserRequired            Reason = "user_required"
	ReasonValueBelowMinimum       Reason = "value_below_minimum"
	ReasonRewardProjectMismatch   Reason = "reward_project_mismatch"
	ReasonValueBelowRewardMinimum Reason = "value_below_reward_minimum"
	ReasonRewardCapacityExceeded  Reason = "reward_capacity_exceeded"
)

// Validate проверяет взнос перед сохранением и возвращает все нарушенные
// правила сразу, без прерывания на первом. Пустой список означает, что взнос
// можно сохранять.
//
// reward и confirmedCount учитываются, только если взнос ссылается на
// вознаграждение. confirmedCount — текущее число подтверждённых взносов по
// этому вознаграждению; состояние самого проверяемого взноса роли не играет.
func Validate(b model.Backer, reward *model.Reward, confirmedCount int64) []Reason {
	var reasons []Reason

	if b.ProjectID == 0 {
		reasons = append(reasons, ReasonProjectRequired)
	}
	if b.UserID == 0 {
		reasons = append(reasons, ReasonUserRequired)
	}
	if b.ValueCents < model.MinBackerValueCents {
		reasons = append(reasons, ReasonValueBelowMinimum)
	}

	if b.RewardID == nil || reward == nil {
		return reasons
	}

	if reward.ProjectID != b.ProjectID {
		reasons = append(reasons, ReasonRewardProjectMismatch)
	}
	if b.ValueCents < reward.MinimumValueCents {
		reasons = append(reasons, ReasonValueBelowRewardMinimum)
	}
	if confirmedCount >= int64(reward.MaximumBackers) {
		reasons = append(reasons, ReasonRewardCapacityExceeded)
	}

	return reasons
}
