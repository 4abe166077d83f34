package transfer

// Observer is told about a transfer as it advances. Calls happen on the
// goroutine running the transfer.
type Observer interface {
	OnStart(st State)
	OnProgress(st State)
	OnRecover(st State)
	OnFinish(st State, err error)
}

type nopObserver struct{}

func (nopObserver) OnStart(State)         {}
func (nopObserver) OnProgress(State)      {}
func (nopObserver) OnRecover(State)       {}
func (nopObserver) OnFinish(State, error) {}

// Observers fans every call out to each member in order.
type Observers []Observer

func (obs Observers) OnStart(st State) {
	for _, o := range obs {
		o.OnStart(st)
	}
}

func (obs Observers) OnProgress(st State) {
	for _, o := range obs {
		o.OnProgress(st)
	}
}

func (obs Observers) OnRecover(st State) {
	for _, o := range obs {
		o.OnRecover(st)
	}
}

func (obs Observers) OnFinish(st State, err error) {
	for _, o := range obs {
		o.OnFinish(st, err)
	}
}
