package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Games     GamesConfig     `mapstructure:"games"`
	Operators OperatorSeed    `mapstructure:"operators"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres, mysql, sqlite
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Expire int    `mapstructure:"expire"` // hours
}

// OperatorSeed bootstraps the first operator account on an empty database.
type OperatorSeed struct {
	DefaultUsername string `mapstructure:"defaultUsername"`
	DefaultPassword string `mapstructure:"defaultPassword"`
}

// TasksConfig guards the webhook an external queue uses to deliver steps.
type TasksConfig struct {
	Secret string `mapstructure:"secret"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval"`
	BatchSize    int           `mapstructure:"batchSize"`
	Concurrency  int           `mapstructure:"concurrency"`
	LeaseTTL     time.Duration `mapstructure:"leaseTTL"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
	RetryBackoff time.Duration `mapstructure:"retryBackoff"`
}

type EngineConfig struct {
	// ExecutionBudget bounds how long a single step may keep ticking in process.
	ExecutionBudget time.Duration `mapstructure:"executionBudget"`
	StepLockTTL     time.Duration `mapstructure:"stepLockTTL"`
	Autostart       []string      `mapstructure:"autostart"`
}

type GamesConfig struct {
	Crash CrashConfig `mapstructure:"crash"`
	Bingo BingoConfig `mapstructure:"bingo"`
	Slots SlotsConfig `mapstructure:"slots"`
}

// StakeLimits are in minor units.
type StakeLimits struct {
	MinBet         int64 `mapstructure:"minBet"`
	MaxBet         int64 `mapstructure:"maxBet"`
	RecoveryMaxBet int64 `mapstructure:"recoveryMaxBet"`
	MaxPayout      int64 `mapstructure:"maxPayout"`
}

type RecoveryBand struct {
	Probability float64 `mapstructure:"probability"`
	Min         float64 `mapstructure:"min"`
	Max         float64 `mapstructure:"max"`
}

type CrashConfig struct {
	Limits           StakeLimits    `mapstructure:"limits"`
	BettingWindow    time.Duration  `mapstructure:"bettingWindow"`
	RoundPause       time.Duration  `mapstructure:"roundPause"`
	TickInterval     time.Duration  `mapstructure:"tickInterval"`
	Growth           float64        `mapstructure:"growth"`
	MaxMultiplier    float64        `mapstructure:"maxMultiplier"`
	TargetRTP        float64        `mapstructure:"targetRTP"`
	Ceiling          float64        `mapstructure:"ceiling"`
	RecoveryBands    []RecoveryBand `mapstructure:"recoveryBands"`
	RecoveryCooldown int            `mapstructure:"recoveryCooldown"`
}

// HouseCut mirrors the rake rule shapes: ratio, fixed or ladder.
type HouseCut struct {
	Type   string          `mapstructure:"type"`
	Ratio  float64         `mapstructure:"ratio"`
	Fixed  int64           `mapstructure:"fixed"`
	Cap    int64           `mapstructure:"cap"`
	Ladder []HouseCutLevel `mapstructure:"ladder"`
}

type HouseCutLevel struct {
	Threshold int64   `mapstructure:"threshold"`
	Ratio     float64 `mapstructure:"ratio"`
}

type BingoConfig struct {
	Limits        StakeLimits   `mapstructure:"limits"`
	CardPrice     int64         `mapstructure:"cardPrice"`
	Balls         int           `mapstructure:"balls"`
	BettingWindow time.Duration `mapstructure:"bettingWindow"`
	RoundPause    time.Duration `mapstructure:"roundPause"`
	BallInterval  time.Duration `mapstructure:"ballInterval"`
	HouseCut      HouseCut      `mapstructure:"houseCut"`
}

type PayTier struct {
	Name        string  `mapstructure:"name"`
	Percent     float64 `mapstructure:"percent"`
	Probability float64 `mapstructure:"probability"`
}

type SlotsConfig struct {
	Limits              StakeLimits   `mapstructure:"limits"`
	BettingWindow       time.Duration `mapstructure:"bettingWindow"`
	RoundPause          time.Duration `mapstructure:"roundPause"`
	PoolFloor           int64         `mapstructure:"poolFloor"`
	ContributionPercent float64       `mapstructure:"contributionPercent"`
	JackpotProbability  float64       `mapstructure:"jackpotProbability"`
	PayTable            []PayTier     `mapstructure:"payTable"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("jwt.expire", 72)

	v.SetDefault("scheduler.pollInterval", time.Second)
	v.SetDefault("scheduler.batchSize", 32)
	v.SetDefault("scheduler.concurrency", 8)
	v.SetDefault("scheduler.leaseTTL", 90*time.Second)
	v.SetDefault("scheduler.maxAttempts", 5)
	v.SetDefault("scheduler.retryBackoff", 2*time.Second)

	v.SetDefault("engine.executionBudget", 50*time.Second)
	v.SetDefault("engine.stepLockTTL", 70*time.Second)

	v.SetDefault("games.crash.limits.minBet", 100)
	v.SetDefault("games.crash.limits.maxBet", 100000)
	v.SetDefault("games.crash.limits.recoveryMaxBet", 20000)
	v.SetDefault("games.crash.limits.maxPayout", 1000000)
	v.SetDefault("games.crash.bettingWindow", 10*time.Second)
	v.SetDefault("games.crash.roundPause", 7*time.Second)
	v.SetDefault("games.crash.tickInterval", 100*time.Millisecond)
	v.SetDefault("games.crash.growth", 0.05)
	v.SetDefault("games.crash.maxMultiplier", 50.0)
	v.SetDefault("games.crash.targetRTP", 0.95)
	v.SetDefault("games.crash.ceiling", 2.0)
	v.SetDefault("games.crash.recoveryCooldown", 3)
	v.SetDefault("games.crash.recoveryBands", []map[string]any{
		{"probability": 0.85, "min": 1.00, "max": 1.49},
		{"probability": 0.12, "min": 1.50, "max": 1.97},
		{"probability": 0.03, "min": 1.98, "max": 2.89},
	})

	v.SetDefault("games.bingo.limits.minBet", 100)
	v.SetDefault("games.bingo.limits.maxBet", 100000)
	v.SetDefault("games.bingo.limits.recoveryMaxBet", 100000)
	v.SetDefault("games.bingo.cardPrice", 10000)
	v.SetDefault("games.bingo.balls", 75)
	v.SetDefault("games.bingo.bettingWindow", 30*time.Second)
	v.SetDefault("games.bingo.roundPause", 10*time.Second)
	v.SetDefault("games.bingo.ballInterval", 3*time.Second)
	v.SetDefault("games.bingo.houseCut.type", "ratio")
	v.SetDefault("games.bingo.houseCut.ratio", 0.30)

	v.SetDefault("games.slots.limits.minBet", 100)
	v.SetDefault("games.slots.limits.maxBet", 50000)
	v.SetDefault("games.slots.limits.recoveryMaxBet", 50000)
	v.SetDefault("games.slots.bettingWindow", 5*time.Second)
	v.SetDefault("games.slots.roundPause", 3*time.Second)
	v.SetDefault("games.slots.poolFloor", 100000)
	v.SetDefault("games.slots.contributionPercent", 80.0)
	v.SetDefault("games.slots.jackpotProbability", 0.001)
	v.SetDefault("games.slots.payTable", []map[string]any{
		{"name": "JACKPOT", "percent": 30.0, "probability": 0.001},
		{"name": "DIAMANTE", "percent": 15.0, "probability": 0.0009},
		{"name": "ESTRELLA", "percent": 10.0, "probability": 0.003},
		{"name": "CAMPANA", "percent": 7.5, "probability": 0.007},
		{"name": "UVA", "percent": 6.0, "probability": 0.02},
		{"name": "NARANJA", "percent": 3.0, "probability": 0.05},
		{"name": "LIMON", "percent": 2.0, "probability": 0.12},
		{"name": "CEREZA", "percent": 1.16, "probability": 0.25},
		{"name": "SIN_PREMIO", "percent": 0.0, "probability": 0.549},
	})
}

func LoadConfig(path string) {
	v := viper.GetViper()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}
	GlobalConfig = &cfg
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode defaults, %v", err)
	}
	return &cfg
}
