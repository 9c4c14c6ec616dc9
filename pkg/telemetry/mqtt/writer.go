package mqtt

import (
	"context"
	"encoding/json"
)

// Meta describes the device in the retained meta topic.
type Meta struct {
	Device string            `json:"device"`
	Model  string            `json:"model,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Writer publishes packets to the event topic of a device.
type Writer struct {
	Queue *Queue
	Meta  Meta

	metaJSON []byte
}

// EventTopic returns the topic of event packets, without prefix.
func EventTopic(device string) string {
	return device + "/events"
}

// MetaTopic returns the topic of the retained device meta, without prefix.
func MetaTopic(device string) string {
	return device + "/meta"
}

// NewWriter creates a Writer connecting to brokerURL.
func NewWriter(brokerURL string, meta Meta) (*Writer, error) {
	metaJSON, err := json.Marshal(&meta)
	if err != nil {
		return nil, err
	}
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	opts.SetBinaryWill(topicPrefix+MetaTopic(meta.Device), nil, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("icnn:" + meta.Device)
	}
	w := &Writer{
		Queue:    NewQueue(opts, topicPrefix),
		Meta:     meta,
		metaJSON: metaJSON,
	}
	w.Queue.OnConnect = func(q *Queue) {
		q.PubWith(MetaTopic(meta.Device), w.metaJSON, 1, true)
	}
	return w, nil
}

// WritePacket implements telemetry.PacketWriter.
func (w *Writer) WritePacket(pkt []byte) error {
	token := w.Queue.Pub(EventTopic(w.Meta.Device), pkt)
	token.Wait()
	return token.Error()
}

// Run connects and keeps the connection until ctx ends. The retained meta
// is cleared on the way out.
func (w *Writer) Run(ctx context.Context) error {
	if token := w.Queue.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	<-ctx.Done()
	w.Queue.PubWith(MetaTopic(w.Meta.Device), nil, 1, true).Wait()
	w.Queue.Close()
	return ctx.Err()
}
