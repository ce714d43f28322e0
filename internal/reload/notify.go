package reload

// Notifier implements config reload request notification: C fires on
// SIGUSR2 (see notify_sigusr2.go) and whenever Notify is called directly,
// e.g. from the HTTP management endpoint.
type Notifier struct {
	C chan struct{}
}

// NewNotifier initializes and returns new notifier.
func NewNotifier() Notifier {
	n := Notifier{C: make(chan struct{}, 1)}
	n.subscribe()
	return n
}

// Notify implements manage.Notifier.
func (n Notifier) Notify() {
	select {
	case n.C <- struct{}{}:
	default:
	}
}
