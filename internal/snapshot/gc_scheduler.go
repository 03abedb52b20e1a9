package snapshot

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

var gcCronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// GCScheduler periodically runs Store.GC under a retention policy on a
// cron schedule (e.g. "@every 1h" or "0 */6 * * *").
type GCScheduler struct {
	store   *Store
	cron    *cron.Cron
	policy  RetainPolicy
	logger  *slog.Logger
	entryID cron.EntryID
}

// NewGCScheduler validates spec and builds a scheduler bound to store. It
// does not start the cron loop; call Start for that.
func NewGCScheduler(store *Store, spec string, policy RetainPolicy, logger *slog.Logger) (*GCScheduler, error) {
	if _, err := gcCronParser.Parse(spec); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithParser(gcCronParser))
	sched := &GCScheduler{store: store, cron: c, policy: policy, logger: logger}

	id, err := c.AddFunc(spec, sched.runOnce)
	if err != nil {
		return nil, err
	}
	sched.entryID = id
	return sched, nil
}

func (s *GCScheduler) runOnce() {
	removed, err := s.store.GC(s.policy)
	if err != nil {
		s.logger.Warn("snapshot gc failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Debug("snapshot gc completed", "removed", removed)
	}
}

// Start begins the cron loop in the background.
func (s *GCScheduler) Start() { s.cron.Start() }

// Stop halts the cron loop and waits for any in-flight run to finish.
func (s *GCScheduler) Stop() { <-s.cron.Stop().Done() }
