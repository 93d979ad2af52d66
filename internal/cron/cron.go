package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
	cronv3 "github.com/robfig/cron/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/customeros/mailsync/config"
	"github.com/customeros/mailsync/interfaces"
	cron_config "github.com/customeros/mailsync/internal/cron/config"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/tracing"
)

const (
	// GroupMailsync serializes jobs that touch mailbox configurations
	GroupMailsync = "mailsync"

	JobHeartbeat         = "heartbeat"
	JobSyncAll           = "sync_all"
	JobPurgeSyncRequests = "purge_sync_requests"

	// LeaseDuration is how long a lease lasts before needing renewal
	LeaseDuration = 15 * time.Second
	// RenewDeadline is how long a leader has to renew its lease
	RenewDeadline = 10 * time.Second
	// RetryPeriod is how long to wait between leadership attempts
	RetryPeriod = 2 * time.Second

	leaderLeaseName = "mailsync-cron-leader"
)

var jobLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: map[string]*sync.Mutex{
		GroupMailsync: new(sync.Mutex),
	},
}

type CronManager struct {
	cfg         *config.Config
	log         logger.Logger
	cron        *cronv3.Cron
	k8s         kubernetes.Interface
	mu          sync.Mutex
	stopCh      chan struct{}
	stopOnce    sync.Once
	jobIDs      map[string]cronv3.EntryID
	syncManager interfaces.SyncManager
	queue       interfaces.SyncRequestQueue
}

func NewCronManager(cfg *config.Config, log logger.Logger, k8s kubernetes.Interface, syncManager interfaces.SyncManager, queue interfaces.SyncRequestQueue) *CronManager {
	return &CronManager{
		cfg:         cfg,
		log:         log,
		k8s:         k8s,
		stopCh:      make(chan struct{}),
		jobIDs:      make(map[string]cronv3.EntryID),
		syncManager: syncManager,
		queue:       queue,
	}
}

// Start runs the scheduler behind a Kubernetes lease so only one replica fires jobs.
// Without a k8s client, or in local development, it starts in local mode.
func (cm *CronManager) Start(podName, namespace string) error {
	if cm.k8s == nil || cm.cfg.AppConfig.LocalDev || namespace == "" {
		cm.log.Info("Starting cron manager in local mode")
		return cm.StartCron()
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      leaderLeaseName,
			Namespace: namespace,
		},
		Client: cm.k8s.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: podName,
		},
	}

	errCh := make(chan error, 1)

	go func() {
		defer tracing.RecoverAndLogToJaeger(cm.log)

		le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
			Lock:            lock,
			ReleaseOnCancel: true,
			LeaseDuration:   LeaseDuration,
			RenewDeadline:   RenewDeadline,
			RetryPeriod:     RetryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					if err := cm.StartCron(); err != nil {
						cm.log.Errorf("Could not start cron jobs: %v", err)
					}
				},
				OnStoppedLeading: func() {
					cm.log.Info("Leader lost - stopping crons")
					cm.stopCron()
				},
				OnNewLeader: func(identity string) {
					cm.log.Infof("New leader elected: %s", identity)
				},
			},
		})
		if err != nil {
			errCh <- err
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-cm.stopCh
			cancel()
		}()
		le.Run(ctx)
	}()

	// wait briefly to see if leader election fails immediately
	select {
	case err := <-errCh:
		cm.log.Warnf("Leader election failed, falling back to local mode: %v", err)
		return cm.StartCron()
	case <-time.After(5 * time.Second):
	}

	return nil
}

// Stop waits for running jobs and releases leadership. Safe to call twice.
func (cm *CronManager) Stop() {
	cm.stopCron()
	cm.stopOnce.Do(func() {
		close(cm.stopCh)
	})
}

func (cm *CronManager) stopCron() {
	cm.mu.Lock()
	c := cm.cron
	cm.cron = nil
	cm.mu.Unlock()

	if c != nil {
		cm.log.Info("Stopping cron manager")
		ctx := c.Stop()
		<-ctx.Done()
	}
}

// StartCron builds a scheduler with seconds precision and starts it.
func (cm *CronManager) StartCron() error {
	cm.log.Info("Starting cron manager")
	c := cronv3.New(
		cronv3.WithSeconds(),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
			cronv3.Recover(cronv3.DefaultLogger),
		),
	)

	var cronConfig cron_config.Config
	if err := env.Parse(&cronConfig); err != nil {
		return fmt.Errorf("parse cron config: %w", err)
	}
	if err := cm.registerJobs(c, cronConfig); err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.cron != nil {
		// leadership regained while the old scheduler is still alive
		cm.cron.Stop()
	}
	c.Start()
	cm.cron = c
	return nil
}

func (cm *CronManager) registerJobs(c *cronv3.Cron, cronConfig cron_config.Config) error {
	if cronConfig.CronScheduleHeartbeat != "" {
		podName := cm.cfg.AppConfig.PodName
		if err := cm.addJob(c, JobHeartbeat, cronConfig.CronScheduleHeartbeat, func() {
			cm.log.Infof("Cron heartbeat from pod: %s", podName)
		}); err != nil {
			return err
		}
	}

	syncSchedule := cronConfig.CronScheduleSyncAll
	if syncSchedule == "" {
		syncSchedule = SyncAllSchedule(cm.cfg.SyncConfig.PollIntervalMinutes)
	}
	if err := cm.addJob(c, JobSyncAll, syncSchedule, func() {
		jobLocks.locks[GroupMailsync].Lock()
		defer jobLocks.locks[GroupMailsync].Unlock()
		cm.syncAll()
	}); err != nil {
		return err
	}

	if cronConfig.CronSchedulePurgeSyncRequests != "" {
		if err := cm.addJob(c, JobPurgeSyncRequests, cronConfig.CronSchedulePurgeSyncRequests, cm.purgeSyncRequests); err != nil {
			return err
		}
	}

	return nil
}

func (cm *CronManager) addJob(c *cronv3.Cron, name, schedule string, job func()) error {
	id, err := c.AddFunc(schedule, func() {
		defer tracing.RecoverAndLogToJaeger(cm.log)
		job()
	})
	if err != nil {
		return fmt.Errorf("could not add %s cron job: %w", name, err)
	}
	cm.jobIDs[name] = id
	cm.log.Infof("Registered %s job with schedule: %s", name, schedule)
	return nil
}

// SyncAllSchedule turns a poll interval in minutes into a seconds-field cron expression.
func SyncAllSchedule(intervalMinutes int) string {
	if intervalMinutes <= 0 {
		intervalMinutes = 5
	}
	if intervalMinutes >= 60 {
		return fmt.Sprintf("0 0 */%d * * *", intervalMinutes/60)
	}
	return fmt.Sprintf("0 */%d * * * *", intervalMinutes)
}

func (cm *CronManager) syncAll() {
	span, ctx := tracing.StartTracerSpan(context.Background(), "CronManager.syncAll")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	summary, err := cm.syncManager.SyncAll(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Mailbox sync batch interrupted: %v", err)
		return
	}
	span.LogKV("configurations", summary.Configurations, "inserted", summary.Inserted, "failed", summary.Failed)
	cm.log.Infof("Mailbox sync batch done: %d configuration(s), %d succeeded, %d failed, %d skipped, %d new message(s)",
		summary.Configurations, summary.Succeeded, summary.Failed, summary.Skipped, summary.Inserted)
}

func (cm *CronManager) purgeSyncRequests() {
	span, ctx := tracing.StartTracerSpan(context.Background(), "CronManager.purgeSyncRequests")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	days := cm.cfg.MonitorConfig.RequestRetentionDays
	purged, err := cm.queue.Purge(ctx, days)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to purge sync requests: %v", err)
		return
	}
	span.LogKV("purged", purged)
}
