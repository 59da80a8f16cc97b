package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/powermode/internal/domain"
	"github.com/timmy/powermode/internal/logger"
	"github.com/timmy/powermode/internal/metrics"
	"github.com/timmy/powermode/internal/retry"
	"github.com/timmy/powermode/internal/source"
	"github.com/timmy/powermode/internal/storage"
)

// PowerModeStore is the sink the collector writes to.
type PowerModeStore interface {
	Upsert(ctx context.Context, record *domain.PowerModeRecord) error
	GetLastProcessedPlantCode(ctx context.Context) (string, bool, error)
}

// CollectorConfig holds configuration for the collector
type CollectorConfig struct {
	AuthRetry     retry.Policy
	ListRetry     retry.Policy
	APIRetry      retry.Policy
	ThrottleRetry retry.Policy

	// InitialDelay is waited once before the first control-mode request.
	InitialDelay time.Duration
	// PlantLimit caps the plants processed per run; 0 means no limit.
	PlantLimit int
	// RestartCompletedCycle starts over from the first plant when the cursor
	// is at or past the last listed plant.
	RestartCompletedCycle bool
	// DryRun authenticates, lists and resolves the cursor but queries and writes nothing.
	DryRun bool
	// ArchivePrefix is the key prefix for archived raw responses.
	ArchivePrefix string
}

// RunError is returned by Run when the collector ends in the failed state.
type RunError struct {
	State domain.RunState // state in which the failure happened
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("collector failed while %s: %v", e.State, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

var allStates = []string{
	string(domain.RunStateStarting),
	string(domain.RunStateAuthenticating),
	string(domain.RunStateListingPlants),
	string(domain.RunStateProcessing),
	string(domain.RunStateDone),
	string(domain.RunStateFailed),
}

// Collector polls FusionSolar for each plant's power control mode and
// persists the result, resuming after the last written plant.
type Collector struct {
	source  source.PlantSource
	store   PowerModeStore
	archive storage.ObjectStorage
	clock   retry.Clock
	logger  *logger.Logger
	cfg     CollectorConfig

	state domain.RunState
}

// NewCollector creates a new collector.
// archive may be nil to disable raw response archiving; a nil clock uses the wall clock.
func NewCollector(
	src source.PlantSource,
	store PowerModeStore,
	archive storage.ObjectStorage,
	clock retry.Clock,
	log *logger.Logger,
	cfg *CollectorConfig,
) *Collector {
	if clock == nil {
		clock = retry.SystemClock{}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Collector{
		source:  src,
		store:   store,
		archive: archive,
		clock:   clock,
		logger:  log,
		cfg:     *cfg,
		state:   domain.RunStateStarting,
	}
}

// State returns the current state of the state machine.
func (c *Collector) State() domain.RunState {
	return c.state
}

// Run executes one collection pass. It returns the run statistics in every
// case; err is a *RunError when the run ends in the failed state.
func (c *Collector) Run(ctx context.Context) (*domain.RunStats, error) {
	stats := &domain.RunStats{
		RunID:     uuid.New().String(),
		StartTime: c.clock.Now(),
	}

	ctx = c.logger.WithContext(ctx)
	ctx = logger.SetRunID(ctx, stats.RunID)
	ctx = logger.SetComponent(ctx, "collector")

	c.transition(ctx, stats, domain.RunStateStarting)
	logger.With(logger.Fields{
		"auth_attempts":     c.cfg.AuthRetry.Attempts(),
		"list_attempts":     c.cfg.ListRetry.Attempts(),
		"api_attempts":      c.cfg.APIRetry.Attempts(),
		"throttle_attempts": c.cfg.ThrottleRetry.Attempts(),
	}).Info(ctx, "Starting power mode collection")

	err := c.run(ctx, stats)
	stats.EndTime = c.clock.Now()
	if err != nil {
		failedIn := c.state
		c.transition(ctx, stats, domain.RunStateFailed)
		logger.With(logger.Fields{
			logger.FieldErrorKind: domain.ErrorKind(err),
			"failed_in":           string(failedIn),
			"processed":           stats.ProcessedItems,
		}).WithDuration(stats.EndTime.Sub(stats.StartTime)).
			Error(ctx, "Power mode collection failed: %v", err)
		return stats, &RunError{State: failedIn, Err: err}
	}

	c.transition(ctx, stats, domain.RunStateDone)
	logger.With(logger.Fields{
		"total":     stats.TotalPlants,
		"skipped":   stats.SkippedPlants,
		"processed": stats.ProcessedItems,
		"succeeded": stats.SucceededItems,
		"failed":    stats.FailedItems,
	}).WithDuration(stats.EndTime.Sub(stats.StartTime)).
		Info(ctx, "Power mode collection completed")
	return stats, nil
}

func (c *Collector) run(ctx context.Context, stats *domain.RunStats) error {
	c.transition(ctx, stats, domain.RunStateAuthenticating)
	if _, err := c.retrying(ctx, "authenticate", c.cfg.AuthRetry, c.cfg.AuthRetry, true, func(ctx context.Context) error {
		return c.source.Authenticate(ctx)
	}); err != nil {
		return err
	}
	logger.CtxInfo(ctx, "Authenticated with FusionSolar")

	c.transition(ctx, stats, domain.RunStateListingPlants)
	var plants []domain.Plant
	if _, err := c.retrying(ctx, "list_plants", c.cfg.ListRetry, c.cfg.ThrottleRetry, false, func(ctx context.Context) error {
		listed, err := c.source.ListPlants(ctx)
		if err != nil {
			return err
		}
		plants = listed
		return nil
	}); err != nil {
		return err
	}
	if len(plants) == 0 {
		return errors.New("no plants returned by the API")
	}
	stats.TotalPlants = len(plants)

	c.transition(ctx, stats, domain.RunStateProcessing)
	pending, err := c.pendingPlants(ctx, stats, plants)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	if c.cfg.DryRun {
		logger.With(logger.Fields{"first": pending[0].Code, "last": pending[len(pending)-1].Code}).
			WithCount(len(pending)).
			Info(ctx, "Dry run: %d plants would be queried", len(pending))
		return nil
	}

	if c.cfg.InitialDelay > 0 {
		logger.CtxInfo(ctx, "Waiting %s before the first control mode request", c.cfg.InitialDelay)
		if err := c.clock.Sleep(ctx, c.cfg.InitialDelay); err != nil {
			return err
		}
	}

	for i, plant := range pending {
		logger.CtxInfo(ctx, "Processing plant %d of %d: %s (%s)", i+1, len(pending), plant.Name, plant.Code)
		if err := c.processPlant(ctx, stats, plant); err != nil {
			return err
		}
	}
	return nil
}

// pendingPlants applies the resume cursor and the plant limit to the listing.
func (c *Collector) pendingPlants(ctx context.Context, stats *domain.RunStats, plants []domain.Plant) ([]domain.Plant, error) {
	cursor, found, err := c.store.GetLastProcessedPlantCode(ctx)
	if err != nil {
		return nil, err
	}

	pending := plants
	if found {
		stats.Cursor = cursor
		pending = domain.PlantsAfter(plants, cursor)
	}

	if len(pending) == 0 {
		if !c.cfg.RestartCompletedCycle {
			stats.SkippedPlants = len(plants)
			metrics.PlantsTotal.WithLabelValues("skipped").Add(float64(len(plants)))
			logger.With(logger.Fields{"cursor": cursor}).
				WithCount(len(plants)).
				Info(ctx, "All plants are up to date")
			return nil, nil
		}
		logger.With(logger.Fields{"cursor": cursor}).
			WithCount(len(plants)).
			Info(ctx, "Previous cycle completed, starting a new cycle")
		pending = plants
	}

	stats.SkippedPlants = len(plants) - len(pending)
	if stats.SkippedPlants > 0 {
		metrics.PlantsTotal.WithLabelValues("skipped").Add(float64(stats.SkippedPlants))
	}

	if c.cfg.PlantLimit > 0 && len(pending) > c.cfg.PlantLimit {
		pending = pending[:c.cfg.PlantLimit]
	}

	logger.With(logger.Fields{
		"cursor":  cursor,
		"total":   len(plants),
		"skipped": stats.SkippedPlants,
	}).WithCount(len(pending)).
		Info(ctx, "Found %d plants in total, %d left to process", len(plants), len(pending))
	return pending, nil
}

func (c *Collector) processPlant(ctx context.Context, stats *domain.RunStats, plant domain.Plant) error {
	ctx = logger.SetPlantCode(ctx, plant.Code)
	start := c.clock.Now()

	var result *source.ControlModeResult
	attempts, err := c.retrying(ctx, "control_mode", c.cfg.APIRetry, c.cfg.ThrottleRetry, false, func(ctx context.Context) error {
		r, err := c.source.GetControlMode(ctx, plant.Code)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	var record *domain.PowerModeRecord
	outcome := "success"
	switch {
	case err != nil && (domain.IsAuth(err) || ctx.Err() != nil):
		return err
	case err != nil:
		outcome = "failed"
		record = domain.NewFailedRecord(plant)
		logger.With(logger.Fields{logger.FieldErrorKind: domain.ErrorKind(err)}).
			WithAttempt(attempts).
			Warn(ctx, "No data received for %s after %d attempts: %v", plant.Name, attempts, err)
	case !result.Available:
		outcome = "unavailable"
		record = domain.NewFailedRecord(plant)
		logger.With(logger.Fields{"fail_code": result.FailCode}).
			WithAttempt(attempts).
			Warn(ctx, "Control mode not available for %s: %s", plant.Name, result.Message)
	default:
		record = newRecord(plant, result)
		if result.PlantCode != "" && result.PlantCode != plant.Code {
			logger.With(logger.Fields{"reported_plant_code": result.PlantCode}).
				Warn(ctx, "Response for %s reports plant code %s, keeping the listed code", plant.Code, result.PlantCode)
		}
		logger.With(logger.Fields{"control_mode": result.ControlMode}).
			WithAttempt(attempts).
			Info(ctx, "%s", describeControlMode(result))
	}

	if result != nil {
		c.archiveResponse(ctx, stats.RunID, plant.Code, result.Raw)
	}

	record.LastUpdated = c.clock.Now().UTC()
	if err := c.store.Upsert(ctx, record); err != nil {
		return err
	}

	stats.ProcessedItems++
	if outcome == "success" {
		stats.SucceededItems++
	} else {
		stats.FailedItems++
	}
	stats.Cursor = record.PlantCode
	metrics.RecordPlant(outcome)

	logger.With(logger.Fields{"api_success": record.APISuccess}).
		WithStatus(outcome).
		WithDuration(c.clock.Now().Sub(start)).
		Debug(ctx, "Stored power mode for %s", plant.Code)
	return nil
}

// retrying calls fn until it succeeds or the budget for the error kind is spent.
// Throttling draws from throttlePolicy and waits at least the server's Retry-After;
// every other error draws from policy. Auth errors are retried only when retryAuth is set.
// It returns the number of attempts made.
func (c *Collector) retrying(
	ctx context.Context,
	phase string,
	policy, throttlePolicy retry.Policy,
	retryAuth bool,
	fn func(ctx context.Context) error,
) (int, error) {
	var attempts, failures, throttled int
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempts, ctxErr
		}

		var (
			delay time.Duration
			ok    bool
			rl    *domain.RateLimitError
		)
		switch {
		case errors.As(err, &rl):
			throttled++
			delay, ok = throttlePolicy.Next(throttled)
			if rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
		case domain.IsStorage(err):
			return attempts, err
		case domain.IsAuth(err) && !retryAuth:
			return attempts, err
		default:
			failures++
			delay, ok = policy.Next(failures)
		}

		kind := domain.ErrorKind(err)
		if !ok {
			logger.With(logger.Fields{logger.FieldErrorKind: kind, "phase": phase}).
				WithAttempt(attempts).
				Error(ctx, "Giving up on %s after %d attempts: %v", phase, attempts, err)
			return attempts, err
		}

		metrics.RecordRetry(phase, kind)
		logger.With(logger.Fields{logger.FieldErrorKind: kind, "phase": phase, "delay": delay.String()}).
			WithAttempt(attempts).
			Warn(ctx, "%s failed, retrying in %s: %v", phase, delay.Round(100*time.Millisecond), err)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return attempts, err
		}
	}
}

func (c *Collector) archiveResponse(ctx context.Context, runID, plantCode string, raw []byte) {
	if c.archive == nil || len(raw) == 0 {
		return
	}
	key := storage.ResponseKey(c.cfg.ArchivePrefix, runID, plantCode)
	if err := c.archive.Upload(ctx, key, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		logger.CtxWarn(ctx, "Failed to archive response %s: %v", key, err)
	}
}

func (c *Collector) transition(ctx context.Context, stats *domain.RunStats, to domain.RunState) {
	from := c.state
	c.state = to
	stats.State = to
	metrics.SetState(string(to), allStates)
	if from == to {
		return
	}
	log := logger.FromContext(ctx).
		WithFields(logger.Fields{logger.FieldState: string(to), "from": string(from)})
	if to.Terminal() {
		log.Infof("Run finished in state %s", to)
		return
	}
	log.Debugf("State %s -> %s", from, to)
}

// newRecord maps a successful response to a row keyed by the listed plant
// code, which is also what the resume cursor is compared against.
func newRecord(plant domain.Plant, result *source.ControlModeResult) *domain.PowerModeRecord {
	record := &domain.PowerModeRecord{
		PlantCode:           plant.Code,
		PlantName:           plant.Name,
		APISuccess:          true,
		LimitedKWParam:      domain.JSONBlob(result.LimitedKWParam),
		LimitedPercentParam: domain.JSONBlob(result.LimitedPercentParam),
		ZeroExportParam:     domain.JSONBlob(result.ZeroExportParam),
	}
	if result.ControlMode != "" {
		mode := result.ControlMode
		record.ControlMode = &mode
	}
	return record
}

// describeControlMode renders a one-line summary of a plant's configuration.
func describeControlMode(result *source.ControlModeResult) string {
	switch result.ControlMode {
	case domain.ControlModeNoLimit:
		return "Mode is 'noLimit'. No further parameters"
	case domain.ControlModeLimitedKW:
		return fmt.Sprintf("Mode is 'limitedPowerGridKW': %s", compactJSON(result.LimitedKWParam))
	case domain.ControlModeLimitedPercent:
		return fmt.Sprintf("Mode is 'limitedPowerGridPercent': %s", compactJSON(result.LimitedPercentParam))
	case domain.ControlModeZeroExportLimits:
		return fmt.Sprintf("Mode is 'zeroExportLimitation': %s", compactJSON(result.ZeroExportParam))
	case "":
		return "Control mode not reported"
	default:
		return fmt.Sprintf("Control mode: %s", result.ControlMode)
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
