// Package mqtt is the hub's broker client.
//
// Connectors publish message envelopes on graylogic/hub/<connector>/inbound
// and receive write requests on graylogic/hub/<connector>/outbound. The
// event exchange mirrors topology and state events on
// graylogic/hub/events/<source>/<routing/key>. The hub's own liveness is a
// retained document on graylogic/hub/system/status, backed by an LWT.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllInbound(), client.QoS(),
//	    func(topic string, payload []byte) error {
//	        connector, _ := mqtt.Topics{}.ConnectorFromInbound(topic)
//	        return handle(connector, payload)
//	    })
package mqtt
