// Package config holds the tunables every other package reads at
// construction time. It generalizes the teacher's Config struct +
// defaultConfig() + main.go flag.*Var wiring: one flat struct with a
// constructor for sane defaults, and a BindFlags method that registers
// flags on a caller-supplied FlagSet (cmd/myriadmeshd/main.go passes its
// own).
package config

import (
	"flag"
	"time"
)

// Config collects every tunable named by the spec's protocol constants
// table (§6) plus the daemon-level knobs (ports, storage paths) the
// teacher's own Config carried.
type Config struct {
	// Node identity
	PoWDifficultyBits int           // identity.GenerateIdentity search target
	PoWTimeout        time.Duration

	// DHT
	BucketSize         int           // K
	Alpha              int           // ALPHA, parallel lookups
	BucketRefresh      time.Duration // BUCKET_REFRESH_SECS
	QueryTimeout       time.Duration // DHT_QUERY_TIMEOUT_SECS

	// Secure channel
	RekeyAge      time.Duration // REKEY_AGE_SECS
	RekeyMsgCount uint64        // REKEY_MSG_COUNT

	// Router / codec
	DefaultTTL             uint8
	MaxClockSkew           time.Duration // MAX_SKEW_SECS
	DedupTTL               time.Duration // DEDUP_TTL_SECS
	DedupCapacity           int           // DEDUP_CAPACITY
	FragmentReassemblyTimeout time.Duration // FRAGMENT_REASSEMBLY_TIMEOUT_SECS
	OfflineCacheTTL         time.Duration // OFFLINE_CACHE_TTL_SECS
	RetryBudget             int
	QueueCapacityHigh  int // Ethernet/Wi-Fi-class adapters
	QueueCapacityMid   int // LoRa/dial-up-class adapters
	QueueCapacityLow   int // BLE-class adapters

	// Privacy / onion
	OnionDefaultHops int           // ONION_DEFAULT_HOPS
	OnionRouteTTL    time.Duration // ONION_ROUTE_TTL_SECS
	CoverTrafficRate float64       // messages/sec, 0 disables

	// Geographic routing fallback (§4.7 step 3). A node with no fix simply
	// never participates in greedy geographic forwarding, on either side.
	HasLocation bool
	Latitude    float64
	Longitude   float64

	// Daemon / admin surface
	PublicAddr  string // peer-facing, binds all interfaces
	ControlAddr string // localhost-only admin surface

	// Persistence
	StateDir string
}

// Default returns the spec's protocol constants (§6) and the teacher's
// daemon-level defaults, unchanged where the teacher already picked a
// reasonable value (ports, storage directory shape).
func Default() *Config {
	return &Config{
		PoWDifficultyBits: 16,
		PoWTimeout:        30 * time.Second,

		BucketSize:    20,
		Alpha:         3,
		BucketRefresh: time.Hour,
		QueryTimeout:  5 * time.Second,

		RekeyAge:      24 * time.Hour,
		RekeyMsgCount: 100_000,

		DefaultTTL:                32,
		MaxClockSkew:              5 * time.Minute,
		DedupTTL:                  time.Hour,
		DedupCapacity:             10_000,
		FragmentReassemblyTimeout: 60 * time.Second,
		OfflineCacheTTL:           7 * 24 * time.Hour,
		RetryBudget:               5,
		QueueCapacityHigh:         10_000,
		QueueCapacityMid:          1_000,
		QueueCapacityLow:          500,

		OnionDefaultHops: 3,
		OnionRouteTTL:    time.Hour,
		CoverTrafficRate: 0,

		PublicAddr:  "0.0.0.0:7777",
		ControlAddr: "127.0.0.1:7778",

		StateDir: "myriadmesh-state",
	}
}

// BindFlags registers the fields on fs, mirroring the teacher's main.go
// flag.*Var wiring; DefaultTTL and the QueueCapacity* fields get no flag.
// It takes fs as a parameter so tests can build a Config without touching
// the flag.CommandLine global.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.PoWDifficultyBits, "pow-difficulty", c.PoWDifficultyBits, "identity proof-of-work leading-zero-bit target")
	fs.DurationVar(&c.PoWTimeout, "pow-timeout", c.PoWTimeout, "identity generation deadline")

	fs.IntVar(&c.BucketSize, "dht-k", c.BucketSize, "DHT bucket size (k)")
	fs.IntVar(&c.Alpha, "dht-alpha", c.Alpha, "DHT lookup parallelism (alpha)")
	fs.DurationVar(&c.BucketRefresh, "dht-bucket-refresh", c.BucketRefresh, "DHT bucket refresh interval")
	fs.DurationVar(&c.QueryTimeout, "dht-query-timeout", c.QueryTimeout, "DHT query timeout")

	fs.DurationVar(&c.RekeyAge, "rekey-age", c.RekeyAge, "max channel age before forced rekey")
	fs.Uint64Var(&c.RekeyMsgCount, "rekey-msg-count", c.RekeyMsgCount, "max messages on a channel before forced rekey")

	fs.DurationVar(&c.MaxClockSkew, "max-clock-skew", c.MaxClockSkew, "max accepted inbound timestamp skew")
	fs.DurationVar(&c.DedupTTL, "dedup-ttl", c.DedupTTL, "dedup cache entry TTL")
	fs.IntVar(&c.DedupCapacity, "dedup-capacity", c.DedupCapacity, "dedup cache capacity")
	fs.DurationVar(&c.FragmentReassemblyTimeout, "fragment-reassembly-timeout", c.FragmentReassemblyTimeout, "fragment reassembly timeout")
	fs.DurationVar(&c.OfflineCacheTTL, "offline-cache-ttl", c.OfflineCacheTTL, "store-and-forward cache TTL")
	fs.IntVar(&c.RetryBudget, "retry-budget", c.RetryBudget, "outbound send retry budget before demotion")

	fs.IntVar(&c.OnionDefaultHops, "onion-hops", c.OnionDefaultHops, "default onion route hop count")
	fs.DurationVar(&c.OnionRouteTTL, "onion-route-ttl", c.OnionRouteTTL, "onion route max wall-clock lifetime")
	fs.Float64Var(&c.CoverTrafficRate, "cover-traffic-rate", c.CoverTrafficRate, "cover traffic messages/sec (0 disables)")

	fs.BoolVar(&c.HasLocation, "has-location", c.HasLocation, "advertise a geographic position for greedy geographic forwarding")
	fs.Float64Var(&c.Latitude, "lat", c.Latitude, "geographic latitude in degrees, if -has-location")
	fs.Float64Var(&c.Longitude, "lon", c.Longitude, "geographic longitude in degrees, if -has-location")

	fs.StringVar(&c.PublicAddr, "public-addr", c.PublicAddr, "peer-facing listen address")
	fs.StringVar(&c.ControlAddr, "control-addr", c.ControlAddr, "localhost-only admin surface listen address")
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "directory for persisted state")
}
