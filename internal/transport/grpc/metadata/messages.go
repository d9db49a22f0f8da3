// Package metadatagrpc contains the client-facing metadata API: schema
// statements, keyspace descriptions and broadcast key/value queries.
package metadatagrpc

import (
	"github.com/i-melnichenko/group0-lab/internal/catalog"
)

const (
	serviceName = "group0lab.metadata.v1.MetadataService"

	methodApplySchema   = "ApplySchema"
	methodListKeyspaces = "ListKeyspaces"
	methodDescribe      = "Describe"
	methodBroadcastGet  = "BroadcastGet"
	methodBroadcastPut  = "BroadcastPut"
	methodLocalGet      = "LocalGet"
	methodLeader        = "Leader"
)

// StatementOp names a schema statement.
type StatementOp string

// Schema statements.
const (
	OpCreateKeyspace StatementOp = "create_keyspace"
	OpDropKeyspace   StatementOp = "drop_keyspace"
	OpCreateTable    StatementOp = "create_table"
	OpDropTable      StatementOp = "drop_table"
	OpCreateType     StatementOp = "create_type"
	OpDropType       StatementOp = "drop_type"
)

// SchemaStatement is one DDL statement. Create statements carry the full
// definition; drop statements name their target with KeyspaceName and Name.
// IfExists means IF NOT EXISTS for creates.
type SchemaStatement struct {
	Op           StatementOp       `msgpack:"op"`
	Keyspace     *catalog.Keyspace `msgpack:"keyspace,omitempty"`
	Table        *catalog.Table    `msgpack:"table,omitempty"`
	Type         *catalog.UserType `msgpack:"type,omitempty"`
	KeyspaceName string            `msgpack:"keyspace_name,omitempty"`
	Name         string            `msgpack:"name,omitempty"`
	IfExists     bool              `msgpack:"if_exists,omitempty"`
}

// SchemaResponse reports the state id the statement committed as. Changed is
// false when an IF [NOT] EXISTS statement had nothing to do.
type SchemaResponse struct {
	Changed bool   `msgpack:"changed"`
	StateID string `msgpack:"state_id,omitempty"`
}

// KeyspaceList is the ListKeyspaces response.
type KeyspaceList struct {
	Keyspaces []catalog.Keyspace `msgpack:"keyspaces"`
}

// DescribeRequest names a keyspace.
type DescribeRequest struct {
	Name string `msgpack:"name"`
}

// Description is a keyspace with its tables and types.
type Description struct {
	Keyspace catalog.Keyspace   `msgpack:"keyspace"`
	Tables   []catalog.Table    `msgpack:"tables"`
	Types    []catalog.UserType `msgpack:"types"`
}

// GetRequest names a broadcast key.
type GetRequest struct {
	Key string `msgpack:"key"`
}

// PutRequest is an update, conditional when Condition is set.
type PutRequest struct {
	Key       string  `msgpack:"key"`
	Value     string  `msgpack:"value"`
	Condition *string `msgpack:"condition,omitempty"`
}

// LocalValue is a replica-local read.
type LocalValue struct {
	Value string `msgpack:"value"`
	Found bool   `msgpack:"found"`
}

// LeaderInfo is the Leader response.
type LeaderInfo struct {
	ID   string `msgpack:"id"`
	Addr string `msgpack:"addr"`
	Self bool   `msgpack:"self"`
}
