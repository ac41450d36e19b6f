package broker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotKind names a gateway snapshot file.
type SnapshotKind string

const (
	SnapshotPortfolio   SnapshotKind = "portfolio"
	SnapshotOpenOrders  SnapshotKind = "open_orders"
	SnapshotBuyingPower SnapshotKind = "buying_power"
)

// snapshotKinds lists every kind with the gateway command producing it.
var snapshotKinds = map[SnapshotKind]string{
	SnapshotPortfolio:   "get_portfolio",
	SnapshotOpenOrders:  "get_open_orders",
	SnapshotBuyingPower: "buying_power",
}

// fetch is one gateway invocation producing a snapshot file. done closes
// once the file is completely written or the invocation failed.
type fetch struct {
	done chan struct{}
	err  error
}

// wait blocks until the file is ready.
func (f *fetch) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// snapshots reference-counts readers of each snapshot file. The first
// reader of a kind fetches the file and later readers wait for that fetch.
// The file is deleted when the last reader releases it, or by a watcher
// once the release timeout passes.
type snapshots struct {
	dir     string
	timeout time.Duration
	poll    time.Duration
	logger  zerolog.Logger
	onForce func(kind SnapshotKind)

	mu      sync.Mutex
	counts  map[SnapshotKind]int
	fetches map[SnapshotKind]*fetch
	done    chan struct{}
	wg     sync.WaitGroup
}

func newSnapshots(dir string, timeout, poll time.Duration, logger zerolog.Logger) *snapshots {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &snapshots{
		dir:     dir,
		timeout: timeout,
		poll:    poll,
		logger:  logger,
		counts:  make(map[SnapshotKind]int),
		fetches: make(map[SnapshotKind]*fetch),
		done:    make(chan struct{}),
	}
}

func (s *snapshots) path(kind SnapshotKind) string {
	return filepath.Join(s.dir, string(kind)+".csv")
}

// acquire registers a reader. The first reader gets first=true and must
// report the outcome of its gateway call with fetched; every other reader
// waits on the returned fetch before opening the file.
func (s *snapshots) acquire(kind SnapshotKind) (f *fetch, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[kind]++
	if f := s.fetches[kind]; f != nil {
		return f, false
	}
	f = &fetch{done: make(chan struct{})}
	s.fetches[kind] = f
	return f, true
}

// fetched completes f. A failed fetch is forgotten so the next reader
// retries, while readers already waiting receive err.
func (s *snapshots) fetched(kind SnapshotKind, f *fetch, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.err = err
	if err != nil && s.fetches[kind] == f {
		delete(s.fetches, kind)
	}
	close(f.done)
}

// release unregisters a reader, deleting the file after the last one.
func (s *snapshots) release(kind SnapshotKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[kind] > 0 {
		s.counts[kind]--
	}
	if s.counts[kind] == 0 {
		s.removeLocked(kind)
	}
}

func (s *snapshots) count(kind SnapshotKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

// watch forces the release of kind if readers still hold it after the timeout.
func (s *snapshots) watch(kind SnapshotKind) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		deadline := time.Now().Add(s.timeout)

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}

			s.mu.Lock()
			if s.counts[kind] == 0 {
				s.mu.Unlock()
				return
			}
			if time.Now().After(deadline) {
				s.counts[kind] = 0
				s.removeLocked(kind)
				s.mu.Unlock()
				s.logger.Warn().Str("snapshot", string(kind)).Msg("Snapshot held too long, forcing release")
				if s.onForce != nil {
					s.onForce(kind)
				}
				return
			}
			s.mu.Unlock()
		}
	}()
}

func (s *snapshots) removeLocked(kind SnapshotKind) {
	delete(s.fetches, kind)
	if err := os.Remove(s.path(kind)); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Err(err).Str("snapshot", string(kind)).Msg("Failed to remove snapshot")
	}
}

// clear deletes every snapshot file.
func (s *snapshots) clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind := range snapshotKinds {
		if err := os.Remove(s.path(kind)); err != nil && !os.IsNotExist(err) {
			return err
		}
		s.counts[kind] = 0
		delete(s.fetches, kind)
	}
	return nil
}

// stop ends all watchers.
func (s *snapshots) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}
