package models

const (
	ActivityHigh     ActivityLevel = "high"
	ActivityMedium   ActivityLevel = "medium"
	ActivityLow      ActivityLevel = "low"
	ActivityInactive ActivityLevel = "inactive"
)

const (
	// MaxRecentErrors размер кольца последних ошибок опроса
	MaxRecentErrors = 10

	// DefaultMaxPoolSize количество соединений в пуле по умолчанию
	DefaultMaxPoolSize = 5

	// DefaultConnectionTimeout таймаут исходящих соединений (секунды)
	DefaultConnectionTimeout = 15

	// DefaultKeepAliveTimeout срок жизни соединения в пуле (секунды)
	DefaultKeepAliveTimeout = 300

	// DefaultMaxRetryAttempts количество попыток доставки
	DefaultMaxRetryAttempts = 5

	// DefaultRetryRetentionDays срок хранения элементов очереди повторов
	DefaultRetryRetentionDays = 30

	// DefaultRetryBaseDelay базовая задержка повтора доставки (секунды)
	DefaultRetryBaseDelay = 15 * 60

	// DefaultInterval интервал опроса при неизвестном уровне активности (секунды)
	DefaultInterval = 120

	// DefaultRequestTimeout таймаут опроса и доставки (секунды)
	DefaultRequestTimeout = 30

	// RateLimitCacheSize размер локального кэша состояний лимитера
	RateLimitCacheSize = 128

	// PoolCleanupFailureThreshold после стольких ошибок подряд пул считается подозрительным
	PoolCleanupFailureThreshold = 3
)

// DefaultBackoffTable интервалы опроса после ошибок (секунды)
var DefaultBackoffTable = []int{60, 120, 300, 900, 1800}

const (
	ActionPoll     = "poll"
	ActionTrigger  = "trigger"
	ActionHealth   = "health"
	ActionDelivery = "delivery"
)

const (
	KeyPollState   = "bronisync:poll_state"
	KeyActivity    = "bronisync:activity"
	KeyPollCursor  = "bronisync:poll_cursor"
	KeyRateLimitNS = "bronisync:ratelimit:"
)
