// Package presence keeps application-held presence in line with the
// switch's authoritative registration state, via a snapshot sync on each
// subscription and incremental registration events afterwards.
package presence

import (
	"context"
	"log"
	"regexp"

	"github.com/cluewire/switchboard/internal/esl"
	"github.com/cluewire/switchboard/internal/store"
)

// UserStore is the slice of the data layer the reconciler writes.
type UserStore interface {
	SetPresence(ctx context.Context, extension, status string) (int64, error)
	SyncPresence(ctx context.Context, online []string) error
}

// Notifier fans a presence transition out to interested consumers. May be
// nil when no fan-out is configured.
type Notifier interface {
	Notify(ctx context.Context, extension, status string)
}

// Reconciler applies registration state to the user store. It only ever
// overwrites presence; it never needs to read it back.
type Reconciler struct {
	store    UserStore
	notifier Notifier
}

// NewReconciler creates a reconciler. notifier may be nil.
func NewReconciler(users UserStore, notifier Notifier) *Reconciler {
	return &Reconciler{store: users, notifier: notifier}
}

// Register binds the reconciler to the registration event kinds.
func (r *Reconciler) Register(d *esl.Dispatcher) {
	d.On(esl.KindRegister, r.handleRegister)
	d.On(esl.KindUnregister, r.handleUnregister)
	d.On(esl.KindExpire, r.handleExpire)
}

var userPattern = regexp.MustCompile(`<user>(.*?)</user>`)

// SyncSnapshot performs the bootstrap sync from a registration listing:
// every listed extension goes online, every other known account offline.
// An empty listing is fine.
func (r *Reconciler) SyncSnapshot(ctx context.Context, listing []byte) error {
	seen := make(map[string]struct{})
	online := make([]string, 0)
	for _, match := range userPattern.FindAllSubmatch(listing, -1) {
		ext := string(match[1])
		if ext == "" {
			continue
		}
		if _, dup := seen[ext]; dup {
			continue
		}
		seen[ext] = struct{}{}
		online = append(online, ext)
	}

	log.Printf("[Presence] Initial sync: %d registered extensions", len(online))

	if err := r.store.SyncPresence(ctx, online); err != nil {
		return err
	}
	if r.notifier != nil {
		for _, ext := range online {
			r.notifier.Notify(ctx, ext, store.PresenceOnline)
		}
	}
	return nil
}

func (r *Reconciler) handleRegister(ctx context.Context, frame *esl.Frame) error {
	user := frame.Get("from-user")
	domain := frame.Get("from-host")
	log.Printf("[Presence] %s@%s registered", user, domain)
	return r.apply(ctx, user, store.PresenceOnline)
}

func (r *Reconciler) handleUnregister(ctx context.Context, frame *esl.Frame) error {
	user := frame.Get("from-user")
	log.Printf("[Presence] %s unregistered", user)
	return r.apply(ctx, user, store.PresenceOffline)
}

func (r *Reconciler) handleExpire(ctx context.Context, frame *esl.Frame) error {
	user := frame.Get("from-user")
	log.Printf("[Presence] %s registration expired", user)
	return r.apply(ctx, user, store.PresenceOffline)
}

// apply performs one incremental presence write. Zero matched rows is not
// an error: the extension may have no application account. Store failures
// surface as handler errors, which the dispatcher logs and drops; the
// next event of the same kind re-attempts naturally.
func (r *Reconciler) apply(ctx context.Context, extension, status string) error {
	if extension == "" {
		return nil
	}
	n, err := r.store.SetPresence(ctx, extension, status)
	if err != nil {
		return err
	}
	if n > 0 && r.notifier != nil {
		r.notifier.Notify(ctx, extension, status)
	}
	return nil
}
