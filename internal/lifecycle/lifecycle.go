// Package lifecycle реализует конечный автомат состояний взноса
// и правила временных окон его жизненного цикла.
package lifecycle

import (
	"github.com/appasalvi/catarse/internal/model"
)

// Event описывает операцию перевода взноса в другое состояние.
type Event int

const (
	// EventResetToPending возвращает взнос в начальное состояние.
	EventResetToPending Event = iota
	// EventMarkWaiting переводит взнос в ожидание подтверждения оплаты.
	EventMarkWaiting
	// EventConfirm подтверждает поступление средств.
	EventConfirm
	// EventCancel отменяет взнос.
	EventCancel
	// EventRequestRefund регистрирует запрос на возврат средств.
	EventRequestRefund
	// EventRefund завершает возврат средств.
	EventRefund
)

// transitions задаёт допустимые переходы: событие -> исходное состояние -> новое.
// Событие, отсутствующее для текущего состояния, не изменяет взнос.
var transitions = map[Event]map[model.BackerState]model.BackerState{
	EventResetToPending: {
		model.BackerStateConfirmed:           model.BackerStatePending,
		model.BackerStateWaitingConfirmation: model.BackerStatePending,
	},
	EventMarkWaiting: {
		model.BackerStatePending: model.BackerStateWaitingConfirmation,
	},
	EventConfirm: {
		model.BackerStatePending:             model.BackerStateConfirmed,
		model.BackerStateWaitingConfirmation: model.BackerStateConfirmed,
	},
	EventCancel: {
		model.BackerStatePending:             model.BackerStateCanceled,
		model.BackerStateWaitingConfirmation: model.BackerStateCanceled,
		model.BackerStateConfirmed:           model.BackerStateCanceled,
		model.BackerStateRequestedRefund:     model.BackerStateCanceled,
		model.BackerStateCanceled:            model.BackerStateCanceled,
		model.BackerStateRefunded:            model.BackerStateCanceled,
	},
	EventRequestRefund: {
		model.BackerStateConfirmed: model.BackerStateRequestedRefund,
	},
	EventRefund: {
		model.BackerStateConfirmed:       model.BackerStateRefunded,
		model.BackerStateRequestedRefund: model.BackerStateRefunded,
	},
}

// Transition возвращает состояние после применения события к указанному
// состоянию. Недопустимый переход оставляет состояние прежним и возвращает false.
func Transition(state model.BackerState, event Event) (model.BackerState, bool) {
	next, ok := transitions[event][state]
	if !ok {
		return state, false
	}
	return next, true
}

// Apply применяет событие к взносу. Возвращает true, если переход допустим.
// Недопустимые переходы не считаются ошибкой: пакетные операции могут
// применять событие к записям в любых состояниях.
func Apply(b *model.Backer, event Event) bool {
	next, ok := Transition(b.State, event)
	if !ok {
		return false
	}
	b.State = next
	return true
}
