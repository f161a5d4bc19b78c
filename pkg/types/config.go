package types

import (
	"time"
)

type AppConfig struct {
	DebugMode bool            `key:"debugMode" json:"debug_mode"`
	Database  DatabaseConfig  `key:"database" json:"database"`
	Api       ApiConfig       `key:"api" json:"api"`
	Collector CollectorConfig `key:"collector" json:"collector"`
	Scheduler SchedulerConfig `key:"scheduler" json:"scheduler"`
	Notifier  NotifierConfig  `key:"notifier" json:"notifier"`
}

type DatabaseConfig struct {
	Redis    RedisConfig    `key:"redis" json:"redis"`
	Postgres PostgresConfig `key:"postgres" json:"postgres"`
}

type RedisMode string

var (
	RedisModeSingle  RedisMode = "single"
	RedisModeCluster RedisMode = "cluster"
)

type RedisConfig struct {
	Addrs              []string      `key:"addrs" json:"addrs"`
	Mode               RedisMode     `key:"mode" json:"mode"`
	ClientName         string        `key:"clientName" json:"client_name"`
	EnableTLS          bool          `key:"enableTLS" json:"enable_tls"`
	InsecureSkipVerify bool          `key:"insecureSkipVerify" json:"insecure_skip_verify"`
	MinIdleConns       int           `key:"minIdleConns" json:"min_idle_conns"`
	MaxIdleConns       int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxIdleTime    time.Duration `key:"connMaxIdleTime" json:"conn_max_idle_time"`
	DialTimeout        time.Duration `key:"dialTimeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `key:"readTimeout" json:"read_timeout"`
	WriteTimeout       time.Duration `key:"writeTimeout" json:"write_timeout"`
	MaxRetries         int           `key:"maxRetries" json:"max_retries"`
	PoolSize           int           `key:"poolSize" json:"pool_size"`
	Username           string        `key:"username" json:"username"`
	Password           string        `key:"password" json:"password"`
}

type PostgresConfig struct {
	Host      string `key:"host" json:"host"`
	Port      int    `key:"port" json:"port"`
	Name      string `key:"name" json:"name"`
	Username  string `key:"username" json:"username"`
	Password  string `key:"password" json:"password"`
	TimeZone  string `key:"timezone" json:"timezone"`
	EnableTLS bool   `key:"enableTLS" json:"enable_tls"`
}

type ApiConfig struct {
	Port             int           `key:"port" json:"port"`
	AuthToken        string        `key:"authToken" json:"auth_token"`
	EnablePrettyLogs bool          `key:"enablePrettyLogs" json:"enable_pretty_logs"`
	CORS             CORSConfig    `key:"cors" json:"cors"`
	ShutdownTimeout  time.Duration `key:"shutdownTimeout" json:"shutdown_timeout"`
}

type CORSConfig struct {
	AllowedOrigins []string `key:"allowOrigins" json:"allow_origins"`
	AllowedHeaders []string `key:"allowHeaders" json:"allow_headers"`
	AllowedMethods []string `key:"allowMethods" json:"allow_methods"`
}

type CollectorConfig struct {
	PollInterval     time.Duration `key:"pollInterval" json:"poll_interval"`
	HistoryInterval  time.Duration `key:"historyInterval" json:"history_interval"`
	FailureThreshold int           `key:"failureThreshold" json:"failure_threshold"`
	SSH              SSHConfig     `key:"ssh" json:"ssh"`
}

type SSHConfig struct {
	Port           int           `key:"port" json:"port"`
	Password       string        `key:"password" json:"password"`
	PrivateKeyPath string        `key:"privateKeyPath" json:"private_key_path"`
	DialTimeout    time.Duration `key:"dialTimeout" json:"dial_timeout"`
	CommandTimeout time.Duration `key:"commandTimeout" json:"command_timeout"`
}

type SchedulerConfig struct {
	TickInterval      time.Duration `key:"tickInterval" json:"tick_interval"`
	ExitPollInterval  time.Duration `key:"exitPollInterval" json:"exit_poll_interval"`
	RemoteStateDir    string        `key:"remoteStateDir" json:"remote_state_dir"`
	MaxJobsPerPass    int           `key:"maxJobsPerPass" json:"max_jobs_per_pass"`
	StageJobDirectory bool          `key:"stageJobDirectory" json:"stage_job_directory"`
}

type NotifierConfig struct {
	Enabled                 bool          `key:"enabled" json:"enabled"`
	AdminEmail              string        `key:"adminEmail" json:"admin_email"`
	SMTP                    SMTPConfig    `key:"smtp" json:"smtp"`
	ReservationReminderLead time.Duration `key:"reservationReminderLead" json:"reservation_reminder_lead"`
	ReminderScanInterval    time.Duration `key:"reminderScanInterval" json:"reminder_scan_interval"`
}

type SMTPConfig struct {
	Host     string `key:"host" json:"host"`
	Port     int    `key:"port" json:"port"`
	Username string `key:"username" json:"username"`
	Password string `key:"password" json:"password"`
	From     string `key:"from" json:"from"`
}
