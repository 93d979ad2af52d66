package cron_config

type Config struct {
	// Heartbeat check, every minute
	CronScheduleHeartbeat string `env:"CRON_SCHEDULE_HEARTBEAT" envDefault:"0 * * * * *"`
	// Mailbox sync batch; derived from SYNC_POLL_INTERVAL_MINUTES when empty
	CronScheduleSyncAll string `env:"CRON_SCHEDULE_SYNC_ALL"`
	// Sync request retention purge, daily at 03:30
	CronSchedulePurgeSyncRequests string `env:"CRON_SCHEDULE_PURGE_SYNC_REQUESTS" envDefault:"0 30 3 * * *"`
}
