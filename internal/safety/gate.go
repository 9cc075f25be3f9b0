package safety

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"fixpoint/internal/config"
	"fixpoint/internal/history"
)

// budgetGuard keeps a margin under the hourly cost limit when deciding
// whether one more agent call may start.
const budgetGuard = 0.9

// Gate runs the pre-flight checks for every cycle: process lock, disk,
// memory, hourly rate, hourly cost and the consecutive-failure breaker.
type Gate struct {
	cfg      config.SafetyConfig
	repoPath string
	hist     *history.Store
	log      *zap.Logger
	lock     *Lock

	diskFree     func(path string) (uint64, error)
	memAvailable func() (uint64, bool, error)
	now          func() time.Time
}

// New builds a gate over the given history store.
func New(cfg config.SafetyConfig, repoPath string, hist *history.Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:          cfg,
		repoPath:     repoPath,
		hist:         hist,
		log:          logger,
		lock:         NewLock(cfg.LockPath, cfg.LockStaleAfter, logger),
		diskFree:     diskFree,
		memAvailable: memAvailable,
		now:          time.Now,
	}
}

// AcquireLock takes the process lock for the lifetime of the run.
func (g *Gate) AcquireLock() error { return g.lock.Acquire() }

// ReleaseLock drops the process lock.
func (g *Gate) ReleaseLock() { g.lock.Release() }

// PreFlight runs every check and returns the first violation. It must
// pass before a snapshot is taken, so an abort here leaves no trace in
// the repository.
func (g *Gate) PreFlight() error {
	g.consumeBreakerReset()

	if v := g.checkBreaker(); v != nil {
		return v
	}
	if v := g.checkDisk(); v != nil {
		return v
	}
	if v := g.checkMemory(); v != nil {
		return v
	}
	if v := g.checkRate(); v != nil {
		return v
	}
	if v := g.checkCost(); v != nil {
		return v
	}
	return nil
}

// consumeBreakerReset clears the failure chain when the operator has
// dropped the reset file in place. The file is consumed so a single
// reset cannot re-arm a failing loop repeatedly.
func (g *Gate) consumeBreakerReset() {
	if g.cfg.BreakerResetFile == "" {
		return
	}
	if _, err := os.Stat(g.cfg.BreakerResetFile); err != nil {
		return
	}
	if err := os.Remove(g.cfg.BreakerResetFile); err != nil {
		g.log.Warn("could not consume breaker reset file", zap.Error(err))
		return
	}
	if err := g.hist.ResetFailures("breaker reset file consumed"); err != nil {
		g.log.Warn("recording breaker reset", zap.Error(err))
	}
	g.log.Info("circuit breaker reset by operator")
}

func (g *Gate) checkBreaker() *Violation {
	failures := g.hist.ConsecutiveFailures()
	if failures >= g.cfg.MaxConsecutiveFailures {
		return &Violation{
			Check:   "failures",
			Reason:  fmt.Sprintf("%d consecutive failures reached the limit of %d", failures, g.cfg.MaxConsecutiveFailures),
			Breaker: true,
		}
	}
	return nil
}

func (g *Gate) checkDisk() *Violation {
	if g.cfg.MinDiskMB <= 0 {
		return nil
	}
	free, err := g.diskFree(g.repoPath)
	if err != nil {
		return &Violation{Check: "disk", Reason: fmt.Sprintf("cannot stat filesystem: %v", err)}
	}
	freeMB := int64(free / (1 << 20))
	if freeMB < g.cfg.MinDiskMB {
		return &Violation{
			Check:  "disk",
			Reason: fmt.Sprintf("%d MB free, %d MB required", freeMB, g.cfg.MinDiskMB),
		}
	}
	return nil
}

func (g *Gate) checkMemory() *Violation {
	if g.cfg.MinMemoryMB <= 0 {
		return nil
	}
	avail, supported, err := g.memAvailable()
	if err != nil {
		g.log.Warn("memory check unavailable", zap.Error(err))
		return nil
	}
	if !supported {
		return nil
	}
	availMB := int64(avail / (1 << 20))
	if availMB < g.cfg.MinMemoryMB {
		return &Violation{
			Check:  "memory",
			Reason: fmt.Sprintf("%d MB available, %d MB required", availMB, g.cfg.MinMemoryMB),
		}
	}
	if availMB < g.cfg.MinMemoryMB*3/2 {
		g.log.Warn("memory running low", zap.Int64("available_mb", availMB))
	}
	return nil
}

func (g *Gate) checkRate() *Violation {
	count := g.hist.ExecutedSince(g.now().Add(-time.Hour))
	if count >= g.cfg.MaxCyclesPerHour {
		return &Violation{
			Check:  "rate",
			Reason: fmt.Sprintf("%d cycles in the last hour, limit %d", count, g.cfg.MaxCyclesPerHour),
		}
	}
	return nil
}

func (g *Gate) checkCost() *Violation {
	if g.cfg.MaxCostPerHourUSD <= 0 {
		return nil
	}
	spent := g.hist.CostSince(g.now().Add(-time.Hour))
	if spent >= g.cfg.MaxCostPerHourUSD {
		return &Violation{
			Check:  "cost",
			Reason: fmt.Sprintf("$%.2f spent in the last hour, limit $%.2f", spent, g.cfg.MaxCostPerHourUSD),
		}
	}
	return nil
}

// AllowsCost reports whether an agent call with the given estimate fits
// under the guarded hourly budget. Used before dispatch and before every
// retry, so a cycle cannot blow through the limit mid-flight.
func (g *Gate) AllowsCost(estimate float64) bool {
	if g.cfg.MaxCostPerHourUSD <= 0 {
		return true
	}
	spent := g.hist.CostSince(g.now().Add(-time.Hour))
	return spent+estimate <= g.cfg.MaxCostPerHourUSD*budgetGuard
}

func diskFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// memAvailable reads MemAvailable from /proc/meminfo. The second return
// is false on platforms without it; the check is then skipped.
func memAvailable() (uint64, bool, error) {
	if runtime.GOOS != "linux" {
		return 0, false, nil
	}
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false, err
		}
		return kb * 1024, true, nil
	}
	return 0, false, scanner.Err()
}
