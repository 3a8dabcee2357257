package redis

import (
	"crypto/tls"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis configurable options.
type Options struct {
	// Redis server address.
	Address string `json:"address" yaml:"address"`
	// Password required when connecting to the Redis server.
	Password string `json:"password" yaml:"password"`
	// DB to connect to.
	DB int `json:"db" yaml:"db"`
	// KeyPrefix namespaces every key the backend writes.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
	// MaxWriteSize is the largest object the backend accepts. Redis allows 512MB per
	// value; the default keeps single writes short.
	MaxWriteSize int `json:"max_write_size" yaml:"max_write_size"`
	// TLS config.
	TLSConfig *tls.Config `json:"-" yaml:"-"`
}

// DefaultOptions.
func DefaultOptions() Options {
	return Options{
		Address:   "localhost:6379",
		Password:  "", // no password set
		DB:        0,  // use default DB
		KeyPrefix: "lyra",
	}
}

// Connection contains Redis client connection object and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

var connection *Connection
var mux sync.Mutex

// Returns true if connection instance is valid.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// Creates a singleton connection and returns it for every call.
func OpenConnection(options Options) *Connection {
	mux.Lock()
	defer mux.Unlock()
	if connection != nil {
		return connection
	}
	connection = openConnection(options)
	return connection
}

// Close the singleton connection if open.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := closeConnection(connection)
	connection = nil
	return err
}

func openConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB})

	return &Connection{
		Client:  client,
		Options: options,
	}
}

func closeConnection(c *Connection) error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}
