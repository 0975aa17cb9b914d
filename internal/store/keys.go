package store

import "fmt"

// Keyspace layout, all under the configured prefix:
//
//	store:event:<id>                 serialized StoredEvent, retention-bounded
//	store:sequence                   durable global sequence counter
//	store:stream:<aggType>:<aggID>   zset of event ids scored by sequence
//	store:streammeta:<aggType>:<aggID>  hash: version, updated_at
//	store:snapshot:<aggType>:<aggID> latest snapshot only
//	store:index:<dim>:<value>        advisory secondary indexes
type keys struct {
	prefix string
}

func (k keys) event(id string) string {
	return k.prefix + "store:event:" + id
}

func (k keys) eventPattern() string {
	return k.prefix + "store:event:*"
}

func (k keys) sequence() string {
	return k.prefix + "store:sequence"
}

func (k keys) stream(aggregateType, aggregateID string) string {
	return fmt.Sprintf("%sstore:stream:%s:%s", k.prefix, aggregateType, aggregateID)
}

func (k keys) streamMeta(aggregateType, aggregateID string) string {
	return fmt.Sprintf("%sstore:streammeta:%s:%s", k.prefix, aggregateType, aggregateID)
}

func (k keys) snapshot(aggregateType, aggregateID string) string {
	return fmt.Sprintf("%sstore:snapshot:%s:%s", k.prefix, aggregateType, aggregateID)
}

func (k keys) index(dimension, value string) string {
	return fmt.Sprintf("%sstore:index:%s:%s", k.prefix, dimension, value)
}
