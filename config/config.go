package config

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

// JoinPolicy controls when a join point downstream of a Parallel state is
// considered ready. ALL is the conservative default; ANY exists for
// operators who explicitly accept partial joins.
type JoinPolicy string

const JOIN_POLICY_ALL JoinPolicy = "all"
const JOIN_POLICY_ANY JoinPolicy = "any"

type Config struct {
	RedisConfig          RedisStorageConfig
	HttpPort             int
	StorageType          StorageType
	JoinPolicy           JoinPolicy
	LeaseTTLSeconds      int
	HeartbeatSeconds     int
	SetRunningOnAcquire  bool
	TemplateDir          string
	CapabilityDir        string
	WorkerCapacity       int
	NotificationCapacity int
	LogLevel             string
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}
