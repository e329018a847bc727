package registration

import "time"

// Listener получает уведомления о смене состояния регистрации.
// Вызовы выполняются вне блокировок менеджера, из горутины цикла регистрации.
type Listener interface {
	OnRegistrationSuccess()
	OnRegistrationFailed(err *Error)
	OnRegistrationTerminated()
}

// ListenerFuncs адаптер Listener из функций, nil поля игнорируются
type ListenerFuncs struct {
	Success    func()
	Failed     func(err *Error)
	Terminated func()
}

func (l ListenerFuncs) OnRegistrationSuccess() {
	if l.Success != nil {
		l.Success()
	}
}

func (l ListenerFuncs) OnRegistrationFailed(err *Error) {
	if l.Failed != nil {
		l.Failed(err)
	}
}

func (l ListenerFuncs) OnRegistrationTerminated() {
	if l.Terminated != nil {
		l.Terminated()
	}
}

type nopListener struct{}

func (nopListener) OnRegistrationSuccess()         {}
func (nopListener) OnRegistrationFailed(err *Error) {}
func (nopListener) OnRegistrationTerminated()      {}

// Timer отменяемый таймер
type Timer interface {
	Stop() bool
}

// Clock планирует отложенные вызовы (refresh, повтор после ошибки)
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (realClock) Now() time.Time                            { return time.Now() }
