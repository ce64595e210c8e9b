package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chinawrj/nowlink/internal/transport"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// Node identity and link settings
	NodeAddr     transport.Addr
	UDPListen    string
	UDPBroadcast string
	PSK          []byte

	// Exchange tuning
	BroadcastInterval time.Duration
	QueueSize         int
	MaxDevices        int
	StoreLockTimeout  time.Duration

	// MQTT bridge
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	// SQLite history
	DBDriver          string
	DBDSN             string
	SQLitePath        string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	nodeAddrStr := strings.TrimSpace(os.Getenv("NODE_ADDR"))
	var nodeAddr transport.Addr
	if nodeAddrStr == "" {
		nodeAddr = randomNodeAddr()
	} else {
		nodeAddr, err = transport.ParseAddr(nodeAddrStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid NODE_ADDR %q: %w", nodeAddrStr, err)
		}
	}

	udpListen := strings.TrimSpace(os.Getenv("UDP_LISTEN"))
	if udpListen == "" {
		udpListen = ":17394"
	}
	udpBroadcast := strings.TrimSpace(os.Getenv("UDP_BROADCAST"))
	if udpBroadcast == "" {
		udpBroadcast = "255.255.255.255:17394"
	}

	pskStr := strings.TrimSpace(os.Getenv("ESPNOW_PSK"))
	if pskStr == "" {
		// 16-byte default, "nowlink-psk-0001"
		pskStr = "6e6f776c696e6b2d70736b2d30303031"
	}
	psk, err := hex.DecodeString(pskStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid ESPNOW_PSK %q (hex expected): %w", pskStr, err)
	}

	broadcastIntervalStr := strings.TrimSpace(os.Getenv("BROADCAST_INTERVAL"))
	if broadcastIntervalStr == "" {
		broadcastIntervalStr = "5s"
	}
	broadcastInterval, err := time.ParseDuration(broadcastIntervalStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BROADCAST_INTERVAL %q: %w", broadcastIntervalStr, err)
	}
	if broadcastInterval <= 0 {
		return Config{}, fmt.Errorf("BROADCAST_INTERVAL must be positive, got %v", broadcastInterval)
	}

	queueSize, err := intFromEnv("EVENT_QUEUE_SIZE", 32)
	if err != nil {
		return Config{}, err
	}
	maxDevices, err := intFromEnv("MAX_DEVICES", 16)
	if err != nil {
		return Config{}, err
	}

	lockTimeoutStr := strings.TrimSpace(os.Getenv("STORE_LOCK_TIMEOUT"))
	if lockTimeoutStr == "" {
		lockTimeoutStr = "500ms"
	}
	lockTimeout, err := time.ParseDuration(lockTimeoutStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid STORE_LOCK_TIMEOUT %q: %w", lockTimeoutStr, err)
	}

	mqttBroker := strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	if mqttBroker == "" {
		mqttBroker = "localhost"
	}
	mqttPort, err := intFromEnv("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}
	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "nowlink-gateway"
	}
	mqttTopicPrefix := strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX"))
	if mqttTopicPrefix == "" {
		mqttTopicPrefix = "nowlink"
	}

	dbDriver := strings.TrimSpace(os.Getenv("DB_DRIVER"))
	if dbDriver == "" {
		dbDriver = "sqlite3"
	}
	dbDSN := strings.TrimSpace(os.Getenv("DB_DSN"))
	sqlitePath := strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	if sqlitePath == "" {
		sqlitePath = "data/nowlink.db"
	}
	maxOpenConns, err := intFromEnv("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := intFromEnv("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetimeStr := strings.TrimSpace(os.Getenv("DB_CONN_MAX_LIFETIME"))
	if connMaxLifetimeStr == "" {
		connMaxLifetimeStr = "0s"
	}
	connMaxLifetime, err := time.ParseDuration(connMaxLifetimeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME %q: %w", connMaxLifetimeStr, err)
	}

	return Config{
		AppEnv:            appEnv,
		LogLevel:          level,
		HTTPAddr:          httpAddr,
		NodeAddr:          nodeAddr,
		UDPListen:         udpListen,
		UDPBroadcast:      udpBroadcast,
		PSK:               psk,
		BroadcastInterval: broadcastInterval,
		QueueSize:         queueSize,
		MaxDevices:        maxDevices,
		StoreLockTimeout:  lockTimeout,
		MQTTBroker:        mqttBroker,
		MQTTPort:          mqttPort,
		MQTTClientID:      mqttClientID,
		MQTTTopicPrefix:   mqttTopicPrefix,
		DBDriver:          dbDriver,
		DBDSN:             dbDSN,
		SQLitePath:        sqlitePath,
		DBMaxOpenConns:    maxOpenConns,
		DBMaxIdleConns:    maxIdleConns,
		DBConnMaxLifetime: connMaxLifetime,
	}, nil
}

func intFromEnv(name string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(name))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return v, nil
}

// randomNodeAddr generates a locally administered, unicast hardware address
// for nodes started without an explicit NODE_ADDR.
func randomNodeAddr() transport.Addr {
	var a transport.Addr
	for i := range a {
		a[i] = byte(rand.Uint32())
	}
	a[0] = (a[0] | 0x02) &^ 0x01
	return a
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
