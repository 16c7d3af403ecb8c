package anomaly

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/loginwatch/internal/event"
)

// Engine partitions the normalized stream by user, fits an outlier model per
// user with a watermark-driven train/score split, and collects the events
// classified as outliers.
type Engine struct {
	params Params
	logger *zap.Logger
}

// NewEngine creates an Engine with the given model parameters.
func NewEngine(params Params, logger *zap.Logger) *Engine {
	return &Engine{params: params.withDefaults(), logger: logger}
}

// Result is the outcome of one scoring pass.
type Result struct {
	// Alerts holds the raw events of every outlier-labelled row, in stream
	// order. Alerts are not deduplicated across runs.
	Alerts []event.Raw
	// NewWatermark is the timestamp of the globally-last input event, or the
	// old watermark when the input is empty.
	NewWatermark float64
	UsersScored  int
	UsersSkipped int
	UsersFailed  int
}

// userSlice is one user's events in global stream order.
type userSlice struct {
	user   string
	events []event.Normalized
}

type userOutcome struct {
	alerts  []event.Raw
	skipped bool
	failed  bool
}

// Analyze scores every user's unscored events against the watermark. Events
// must be sorted ascending by timestamp; per-user processing is independent
// and runs in parallel. A per-user model failure skips that user without
// aborting the others.
func (e *Engine) Analyze(ctx context.Context, events []event.Normalized, watermark float64) (*Result, error) {
	result := &Result{NewWatermark: watermark}
	if len(events) == 0 {
		return result, nil
	}
	result.NewWatermark = events[len(events)-1].Timestamp

	users := partition(events)
	e.logger.Debug("analyzing users", zap.Int("unique_users", len(users)))

	outcomes := make([]userOutcome, len(users))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.params.workerCount())
	for i, u := range users {
		i, u := i, u
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcome, err := e.analyzeUser(u, watermark)
			if errors.Is(err, ErrNoTrainingData) {
				e.logger.Warn("skipping user: degenerate model input",
					zap.String("user", u.user), zap.Error(err))
				outcomes[i] = userOutcome{failed: true}
				return nil
			}
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Alerts are appended in user-partition order, so the output is stable
	// across runs on the same input.
	for _, o := range outcomes {
		switch {
		case o.skipped:
			result.UsersSkipped++
		case o.failed:
			result.UsersFailed++
		default:
			result.UsersScored++
			result.Alerts = append(result.Alerts, o.alerts...)
		}
	}
	return result, nil
}

// analyzeUser fits and scores one user's events against the watermark.
func (e *Engine) analyzeUser(u userSlice, watermark float64) (userOutcome, error) {
	last := u.events[len(u.events)-1].Timestamp
	if watermark > 0 && last < watermark {
		// Nothing newer than the watermark: no unscored events.
		return userOutcome{skipped: true}, nil
	}

	times, rows := assemble(u.events)

	if watermark == 0 || times[0] >= watermark {
		// First run or fully-new user: fit and score the identical set.
		// The model accommodates every point it was shown, including a
		// first-ever anomalous one, so alerts among a user's very first
		// events are deliberately lenient.
		forest, err := Fit(rows, e.params)
		if err != nil {
			return userOutcome{}, err
		}
		var alerts []event.Raw
		for i, outlier := range forest.Predict(rows) {
			if outlier {
				alerts = append(alerts, u.events[i].Raw)
			}
		}
		e.logger.Debug("scored user",
			zap.String("user", u.user),
			zap.Int("events", len(u.events)),
			zap.Int("flagged", len(alerts)))
		return userOutcome{alerts: alerts}, nil
	}

	// Incremental mode: history strictly before the watermark is training
	// signal only; rows at or after it are scoring candidates. Events that
	// share the watermark timestamp are scored, not trained on.
	cutoff := 0
	for cutoff < len(times) && times[cutoff] < watermark {
		cutoff++
	}

	forest, err := Fit(rows[:cutoff], e.params)
	if err != nil {
		return userOutcome{}, err
	}
	var alerts []event.Raw
	for i, outlier := range forest.Predict(rows[cutoff:]) {
		if outlier {
			alerts = append(alerts, u.events[cutoff+i].Raw)
		}
	}
	e.logger.Debug("scored user",
		zap.String("user", u.user),
		zap.Int("events", len(u.events)),
		zap.Int("cutoff", cutoff),
		zap.Int("flagged", len(alerts)))
	return userOutcome{alerts: alerts}, nil
}

// assemble builds the per-user feature matrix. Timestamps are kept out of
// the feature space; geography and the two text-presence encodings are in.
func assemble(events []event.Normalized) (times []float64, rows [][]float64) {
	asnDocs := make([]string, len(events))
	uaDocs := make([]string, len(events))
	for i, ev := range events {
		asnDocs[i] = ev.ASNOrg
		uaDocs[i] = ev.UserAgent
	}
	asnRows := Vectorize(asnDocs)
	uaRows := Vectorize(uaDocs)

	times = make([]float64, len(events))
	rows = make([][]float64, len(events))
	for i, ev := range events {
		times[i] = ev.Timestamp
		row := make([]float64, 0, 3+len(asnRows[i])+len(uaRows[i]))
		row = append(row, ev.X, ev.Y, ev.Z)
		row = append(row, asnRows[i]...)
		row = append(row, uaRows[i]...)
		rows[i] = row
	}
	return times, rows
}

// partition groups the stream by user, preserving global order within each
// user and first-seen order across users.
func partition(events []event.Normalized) []userSlice {
	index := make(map[string]int)
	var users []userSlice
	for _, ev := range events {
		i, ok := index[ev.User]
		if !ok {
			i = len(users)
			index[ev.User] = i
			users = append(users, userSlice{user: ev.User})
		}
		users[i].events = append(users[i].events, ev)
	}
	return users
}
