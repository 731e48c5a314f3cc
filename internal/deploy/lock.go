package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/peleka/peleka/internal/model"
	"github.com/peleka/peleka/internal/sshx"
)

// DefaultRefreshInterval is how often a held lock's heartbeat is renewed.
// A lock whose heartbeat is older than twice this interval is stale.
const DefaultRefreshInterval = 15 * time.Second

// lockStateDir is where lock markers live on the remote host.
const lockStateDir = ".local/state/peleka"

// ExecTransport runs commands on the remote host. *sshx.Session satisfies it.
type ExecTransport interface {
	Exec(argv ...string) (*sshx.ExecResult, error)
}

// LockRecord is the marker content for a held deploy lock. Exactly one
// record may exist per (host, service) at any instant.
type LockRecord struct {
	DeployID    string    `json:"deploy_id"`
	Owner       string    `json:"owner"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// LockHeldError reports that another deployment holds the lock.
type LockHeldError struct {
	Service    model.ServiceName
	Owner      string
	DeployID   string
	AcquiredAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("deploy lock for %s held by %s (deploy-id %s) since %s",
		e.Service, e.Owner, e.DeployID, e.AcquiredAt.Format(time.RFC3339))
}

// Locker acquires and maintains the per-service deploy lock on one host.
type Locker struct {
	transport ExecTransport
	service   model.ServiceName
	deployID  string
	owner     string
	refresh   time.Duration
	logger    zerolog.Logger
	diag      *Diagnostics

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// NewLocker builds a locker. A zero refresh uses DefaultRefreshInterval.
func NewLocker(transport ExecTransport, service model.ServiceName, deployID string, refresh time.Duration, diag *Diagnostics, logger zerolog.Logger) *Locker {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	return &Locker{
		transport: transport,
		service:   service,
		deployID:  deployID,
		owner:     lockOwner(),
		refresh:   refresh,
		logger:    logger.With().Str("component", "lock").Str("service", service.String()).Logger(),
		diag:      diag,
	}
}

func lockOwner() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s/%d", hostname, os.Getpid())
}

func (l *Locker) path() string {
	return fmt.Sprintf("$HOME/%s/%s", lockStateDir, model.LockName(l.service))
}

// WithLock acquires the lock, runs fn, and releases on every exit path
// including panics. The heartbeat refresher runs for the duration of fn and
// is stopped and joined before the marker is removed.
func (l *Locker) WithLock(fn func() error) (err error) {
	if err := l.acquire(); err != nil {
		return err
	}
	l.startHeartbeat()

	defer func() {
		l.release()
		if r := recover(); r != nil {
			panic(r)
		}
	}()

	return fn()
}

// acquire attempts the atomic marker creation. On collision it inspects the
// existing record: a live heartbeat fails with LockHeldError; a stale or
// unreadable record is removed and the create retried exactly once.
func (l *Locker) acquire() error {
	if _, err := l.transport.Exec("sh", "-c", fmt.Sprintf("mkdir -p \"$HOME/%s\"", lockStateDir)); err != nil {
		return E(KindTransport, fmt.Errorf("prepare lock dir: %w", err))
	}

	created, err := l.tryCreate()
	if err != nil {
		return err
	}
	if created {
		return nil
	}

	record, readable := l.readRecord()
	if readable && time.Since(record.HeartbeatAt) < 2*l.refresh {
		return E(KindLockHeld, &LockHeldError{
			Service:    l.service,
			Owner:      record.Owner,
			DeployID:   record.DeployID,
			AcquiredAt: record.AcquiredAt,
		})
	}

	if readable {
		l.diag.Warnf("taking over stale deploy lock held by %s (deploy-id %s, last heartbeat %s)",
			record.Owner, record.DeployID, record.HeartbeatAt.Format(time.RFC3339))
	} else {
		l.diag.Warnf("taking over unreadable deploy lock for %s", l.service)
	}

	if _, err := l.transport.Exec("sh", "-c", fmt.Sprintf("rm -f \"%s\"", l.path())); err != nil {
		return E(KindTransport, fmt.Errorf("remove stale lock: %w", err))
	}

	created, err = l.tryCreate()
	if err != nil {
		return err
	}
	if !created {
		return Errorf(KindLockHeld, "deploy lock for %s re-acquired by another process during stale takeover", l.service)
	}
	return nil
}

// tryCreate performs the atomic create-if-absent (noclobber redirect).
func (l *Locker) tryCreate() (bool, error) {
	now := time.Now().UTC()
	record := LockRecord{
		DeployID:    l.deployID,
		Owner:       l.owner,
		AcquiredAt:  now,
		HeartbeatAt: now,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return false, E(KindGeneral, fmt.Errorf("encode lock record: %w", err))
	}

	script := fmt.Sprintf("(set -C; printf %%s %s > \"%s\") 2>/dev/null",
		singleQuote(string(payload)), l.path())
	result, err := l.transport.Exec("sh", "-c", script)
	if err != nil {
		return false, E(KindTransport, fmt.Errorf("acquire lock: %w", err))
	}
	return result.Success(), nil
}

func (l *Locker) readRecord() (LockRecord, bool) {
	result, err := l.transport.Exec("sh", "-c", fmt.Sprintf("cat \"%s\"", l.path()))
	if err != nil || !result.Success() {
		return LockRecord{}, false
	}
	var record LockRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Stdout)), &record); err != nil {
		return LockRecord{}, false
	}
	return record, true
}

// startHeartbeat rewrites the marker with a fresh heartbeat every refresh
// interval.
func (l *Locker) startHeartbeat() {
	l.heartbeatStop = make(chan struct{})
	l.heartbeatDone = make(chan struct{})

	go func() {
		defer close(l.heartbeatDone)
		ticker := time.NewTicker(l.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-l.heartbeatStop:
				return
			case <-ticker.C:
				if err := l.touch(); err != nil {
					l.logger.Warn().Err(err).Msg("lock heartbeat failed")
				}
			}
		}
	}()
}

func (l *Locker) touch() error {
	record, ok := l.readRecord()
	if !ok || record.DeployID != l.deployID {
		return fmt.Errorf("lock record no longer ours")
	}
	record.HeartbeatAt = time.Now().UTC()
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	script := fmt.Sprintf("printf %%s %s > \"%s\"", singleQuote(string(payload)), l.path())
	result, err := l.transport.Exec("sh", "-c", script)
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("heartbeat write failed: %s", result.Stderr)
	}
	return nil
}

// release stops the heartbeat, waits for it to cease, then removes the
// marker after verifying the deploy-id still matches (a stale takeover by a
// peer must not lose its lock to us).
func (l *Locker) release() {
	if l.heartbeatStop != nil {
		close(l.heartbeatStop)
		<-l.heartbeatDone
	}

	record, ok := l.readRecord()
	if ok && record.DeployID != l.deployID {
		l.diag.Warnf("deploy lock for %s now held by deploy-id %s, leaving it in place", l.service, record.DeployID)
		return
	}

	result, err := l.transport.Exec("sh", "-c", fmt.Sprintf("rm -f \"%s\"", l.path()))
	if err != nil || !result.Success() {
		l.diag.Warnf("failed to release deploy lock for %s, marker may remain", l.service)
	}
}

// singleQuote wraps s for embedding in an sh -c script.
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
