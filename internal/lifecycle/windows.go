package lifecycle

import (
	"time"

	"github.com/appasalvi/catarse/internal/model"
)

// RefundWindow — срок с момента создания взноса, в течение которого
// возможен возврат средств.
const RefundWindow = 180 * 24 * time.Hour

// ConfirmationWindowDays — число рабочих дней, отведённых на подтверждение
// взноса в состоянии waiting_confirmation.
const ConfirmationWindowDays = 3

// EligibleForRefund сообщает, подлежит ли взнос возврату: взнос подтверждён,
// проект не собрал средства, и с момента создания прошло не более 180 дней.
func EligibleForRefund(b model.Backer, projectState model.ProjectState, now time.Time) bool {
	return b.State == model.BackerStateConfirmed &&
		projectState == model.ProjectStateFailed &&
		now.Sub(b.CreatedAt) <= RefundWindow
}

// CountsAsCredit сообщает, учитывается ли взнос при расчёте кредитов
// пользователя. Взносы, оплаченные кредитами, исключаются, чтобы одна и та же
// сумма не конвертировалась дважды.
func CountsAsCredit(b model.Backer, projectState model.ProjectState) bool {
	return b.State == model.BackerStateConfirmed &&
		projectState == model.ProjectStateFailed &&
		!b.UsesCredits
}

// WeekdaysAgo возвращает момент времени на указанное число рабочих дней
// раньше now. Суббота и воскресенье не учитываются.
func WeekdaysAgo(now time.Time, days int) time.Time {
	t := now
	for days > 0 {
		t = t.AddDate(0, 0, -1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days--
		}
	}
	return t
}

// CancelCutoff возвращает границу окна подтверждения: взносы, созданные
// строго раньше неё, просрочили подтверждение. Взнос возрастом ровно в три
// рабочих дня ещё укладывается в окно.
func CancelCutoff(now time.Time) time.Time {
	return WeekdaysAgo(now, ConfirmationWindowDays)
}
