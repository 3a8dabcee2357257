package cassandra

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster and the lyra keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string `json:"cluster_hosts" yaml:"cluster_hosts"`
	// Keyspace holds the objects and object_versions tables.
	Keyspace string `json:"keyspace" yaml:"keyspace"`
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency `json:"-" yaml:"-"`
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator `json:"-" yaml:"-"`
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string `json:"replication_clause" yaml:"replication_clause"`
	// MaxWriteSize is the largest object accepted. Cassandra rejects mutations past
	// commitlog_segment_size/2; keep this well under it.
	MaxWriteSize int `json:"max_write_size" yaml:"max_write_size"`

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook `json:"-" yaml:"-"`
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
// Conditional writes always run Paxos at the serial consistency of the session.
type ConsistencyBook struct {
	Get     gocql.Consistency
	Set     gocql.Consistency
	Delete  gocql.Consistency
	History gocql.Consistency
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one using the
// provided config. The keyspace and tables are created if missing.
func OpenConnection(config Config) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()
	if connection != nil {
		return connection, nil
	}
	c, err := openConnection(config)
	if err != nil {
		return nil, err
	}
	connection = c
	return connection, nil
}

func openConnection(config Config) (*Connection, error) {
	if config.Keyspace == "" {
		config.Keyspace = "lyra"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	cluster.SerialConsistency = gocql.LocalSerial
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		config.Authenticator = nil
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	for _, stmt := range schemaStatements(config) {
		if err := s.Query(stmt).Exec(); err != nil {
			s.Close()
			return nil, fmt.Errorf("cassandra schema: %w", err)
		}
	}
	return &Connection{Session: s, Config: config}, nil
}

func schemaStatements(config Config) []string {
	return []string{
		fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.objects (key text PRIMARY KEY, data blob, meta map<text,text>, version text, updated timestamp);", config.Keyspace),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.object_versions (key text, created timestamp, version text, data blob, meta map<text,text>, deleted boolean, "+
			"PRIMARY KEY (key, created, version)) WITH CLUSTERING ORDER BY (created ASC, version ASC);", config.Keyspace),
	}
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return
	}
	connection.Session.Close()
	connection = nil
}
