/*
Package events provides an in-memory event broker for release and pipeline
notifications.

The broker is a single fan-out loop: Publish enqueues into a buffered channel
(100 events) and the loop copies each event to every subscriber channel
(50 events each). A subscriber whose buffer is full misses the event; events
are informational and never drive state.

Event types:
  - deployment.started / deployment.phase / deployment.succeeded /
    deployment.failed / deployment.rolled-back
  - approval.requested / approval.granted
  - listener.bound
  - pipeline.started / pipeline.stage.completed / pipeline.stage.failed /
    pipeline.finished

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["deployment_id"])
	}

Publishing on a nil *Broker is a no-op, so components may treat the broker as
optional.
*/
package events
