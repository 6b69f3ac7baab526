// Package influxdb records property state history in InfluxDB v2.
//
// It wraps influxdb-client-go with the hub's connection handling. Every
// state change of a dynamic or mapped property can be written as one
// property_state point, tagged with the property and its owner:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePropertyState(influxdb.PropertyPoint{PropertyID: id, Value: 21.5, Valid: true})
//
// Writes are non-blocking and batched per batch_size and flush_interval.
// Batch failures are delivered to the SetOnError callback; connection and
// health check errors are returned directly.
package influxdb
