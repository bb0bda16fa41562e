// Package alerts turns committed delay changes and railway-works status into
// notifications for users who favorited a route.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hzpp-delays/poller/internal/models"
)

// FavoriteSource lists subscriptions to a route number
type FavoriteSource interface {
	FavoritesForRoute(ctx context.Context, routeNumber int) ([]models.Favorite, error)
}

// Ledger stores notifications and rejects repeats within a cool-down bucket
type Ledger interface {
	RecordNotification(ctx context.Context, n models.Notification, bucket string) (bool, error)
	ReleaseNotification(ctx context.Context, notificationID string) error
}

// Sink delivers notifications
type Sink interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// LogSink writes notifications to the log
type LogSink struct{}

func (LogSink) Deliver(ctx context.Context, n models.Notification) error {
	switch n.Reason {
	case models.ReasonDelay:
		log.Printf("Alerts: notify %s: route %d (%s) is %d min late", n.UserID, n.RouteNumber, n.Route, n.Magnitude)
	default:
		log.Printf("Alerts: notify %s: railway works on route %d (%s)", n.UserID, n.RouteNumber, n.Route)
	}
	return nil
}

// Event is the committed outcome of one run's update within a cycle
type Event struct {
	Route models.Route
	// Delay is the largest delay among stops whose delay changed, nil when
	// no delay changed
	Delay  *time.Duration
	Status models.StatusFlag
}

// Evaluator checks events against favorites
type Evaluator struct {
	favorites FavoriteSource
	ledger    Ledger
	sink      Sink
	cooldown  time.Duration
	loc       *time.Location
	now       func() time.Time

	mu         sync.Mutex
	lastStatus map[models.RouteKey]models.StatusFlag
}

// NewEvaluator creates an evaluator. The cool-down window is anchored at
// local midnight in loc; a window of 24h or more spans whole calendar days.
func NewEvaluator(favorites FavoriteSource, ledger Ledger, sink Sink, cooldown time.Duration, loc *time.Location) *Evaluator {
	if sink == nil {
		sink = LogSink{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{
		favorites:  favorites,
		ledger:     ledger,
		sink:       sink,
		cooldown:   cooldown,
		loc:        loc,
		now:        time.Now,
		lastStatus: make(map[models.RouteKey]models.StatusFlag),
	}
}

// Evaluate emits the notifications an event qualifies for and returns those
// that were delivered. Failures for individual favorites are joined into the
// returned error; other favorites are still evaluated.
func (e *Evaluator) Evaluate(ctx context.Context, ev Event) ([]models.Notification, error) {
	worksStarted := e.trackStatus(ev.Route.Key, ev.Status)
	if ev.Delay == nil && !worksStarted {
		return nil, nil
	}

	favorites, err := e.favorites.FavoritesForRoute(ctx, ev.Route.RouteNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load favorites for route %d: %w", ev.Route.RouteNumber, err)
	}

	now := e.now()
	bucket := e.Bucket(now)

	var (
		sent []models.Notification
		errs []error
	)
	for _, fav := range favorites {
		for _, n := range e.qualifying(fav, ev, worksStarted, now) {
			ok, err := e.emit(ctx, n, bucket)
			if err != nil {
				errs = append(errs, err)
				if n.Reason == models.ReasonRailwayWorks {
					e.untrack(ev.Route.Key)
				}
				continue
			}
			if ok {
				sent = append(sent, n)
			}
		}
	}
	return sent, errors.Join(errs...)
}

func (e *Evaluator) qualifying(fav models.Favorite, ev Event, worksStarted bool, now time.Time) []models.Notification {
	var out []models.Notification
	if ev.Delay != nil && fav.AlertOnDelayMinutes != nil {
		minutes := int(*ev.Delay / time.Minute)
		if minutes >= 0 && minutes >= *fav.AlertOnDelayMinutes {
			out = append(out, e.notification(fav, ev.Route, models.ReasonDelay, minutes, now))
		}
	}
	if worksStarted && fav.AlertOnRailwayWorks {
		out = append(out, e.notification(fav, ev.Route, models.ReasonRailwayWorks, 0, now))
	}
	return out
}

func (e *Evaluator) notification(fav models.Favorite, route models.Route, reason models.NotificationReason, magnitude int, now time.Time) models.Notification {
	return models.Notification{
		ID:          uuid.NewString(),
		UserID:      fav.UserID,
		Route:       route.Key,
		RouteNumber: route.RouteNumber,
		Reason:      reason,
		Magnitude:   magnitude,
		CreatedAt:   now.UTC(),
	}
}

func (e *Evaluator) emit(ctx context.Context, n models.Notification, bucket string) (bool, error) {
	fresh, err := e.ledger.RecordNotification(ctx, n, bucket)
	if err != nil {
		return false, fmt.Errorf("failed to record %s notification for %s: %w", n.Reason, n.UserID, err)
	}
	if !fresh {
		return false, nil
	}
	if err := e.sink.Deliver(ctx, n); err != nil {
		if rerr := e.ledger.ReleaseNotification(ctx, n.ID); rerr != nil {
			log.Printf("Alerts: failed to release notification %s: %v", n.ID, rerr)
		}
		return false, fmt.Errorf("failed to deliver %s notification for %s: %w", n.Reason, n.UserID, err)
	}
	return true, nil
}

// trackStatus remembers the latest known status of a run and reports a
// transition into railway works
func (e *Evaluator) trackStatus(key models.RouteKey, status models.StatusFlag) bool {
	if status == models.StatusUnknown {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.lastStatus[key]
	e.lastStatus[key] = status
	return status == models.StatusRailwayWorks && prev != models.StatusRailwayWorks
}

// untrack clears the remembered status of a run so the next works
// indication counts as a transition again
func (e *Evaluator) untrack(key models.RouteKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastStatus, key)
}

// Forget drops remembered status for runs that started before cutoff
func (e *Evaluator) Forget(cutoff time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.lastStatus {
		if key.ExpectedStart.Before(cutoff) {
			delete(e.lastStatus, key)
		}
	}
}

// Bucket names the cool-down window containing t
func (e *Evaluator) Bucket(t time.Time) string {
	local := t.In(e.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	date := midnight.Format("2006-01-02")

	const dayLength = 24 * time.Hour
	switch {
	case e.cooldown <= 0:
		return date
	case e.cooldown < dayLength:
		return fmt.Sprintf("%s#%d", date, int64(local.Sub(midnight)/e.cooldown))
	default:
		days := int64(e.cooldown / dayLength)
		if days <= 1 {
			return date
		}
		civil := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400
		start := civil - civil%days
		return time.Unix(start*86400, 0).UTC().Format("2006-01-02") + fmt.Sprintf("+%dd", days)
	}
}
